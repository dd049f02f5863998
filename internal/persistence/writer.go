package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"PeerLend/internal/core"
	"PeerLend/internal/market"
	"PeerLend/internal/position"
)

// EventLogWriter writes the event log and the market/position state rows to
// Postgres using batched multi-row statements. Numeric values wider than
// int64 (ray-scaled indices, scaled balances) travel as decimal strings into
// NUMERIC columns; lib/pq passes them through without loss.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Asset          string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// MarketRow represents a row in projections.markets.
type MarketRow struct {
	Asset           string
	PoolSupplyIndex string
	PoolBorrowIndex string
	P2PSupplyIndex  string
	P2PBorrowIndex  string
	LastUpdate      int64
	Cursor          string
	ReserveFactor   string
	MaxSortedUsers  int
	DefaultBudget   int
	Paused          bool
	PartiallyPaused bool
	P2PDisabled     bool
	SupplyDelta     string
	SupplyP2PTotal  string
	BorrowDelta     string
	BorrowP2PTotal  string
	Version         int64
}

// PositionRow represents a row in projections.positions.
// Side is 0 for supply, 1 for borrow.
type PositionRow struct {
	Asset   string
	UserID  string
	Side    int16
	OnPool  string
	InP2P   string
	Version int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// DB exposes the underlying handle for transaction management.
func (w *EventLogWriter) DB() *sql.DB {
	return w.db
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventRowFromOutput flattens a core output's envelope into an event row.
func EventRowFromOutput(out core.CoreOutput) EventRow {
	env := out.Envelope
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Asset:          env.Asset,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

// MarketRowFromState flattens a market clone into its projection row.
func MarketRowFromState(m *market.Market) MarketRow {
	return MarketRow{
		Asset:           m.Asset,
		PoolSupplyIndex: m.PoolSupplyIndex.Big().String(),
		PoolBorrowIndex: m.PoolBorrowIndex.Big().String(),
		P2PSupplyIndex:  m.P2PSupplyIndex.Big().String(),
		P2PBorrowIndex:  m.P2PBorrowIndex.Big().String(),
		LastUpdate:      m.LastUpdate,
		Cursor:          m.Cursor.Big().String(),
		ReserveFactor:   m.ReserveFactor.Big().String(),
		MaxSortedUsers:  m.MaxSortedUsers,
		DefaultBudget:   m.DefaultMatchBudget,
		Paused:          m.Flags.Paused,
		PartiallyPaused: m.Flags.PartiallyPaused,
		P2PDisabled:     m.Flags.P2PDisabled,
		SupplyDelta:     m.SupplyDelta.P2PDelta.String(),
		SupplyP2PTotal:  m.SupplyDelta.P2PTotal.String(),
		BorrowDelta:     m.BorrowDelta.P2PDelta.String(),
		BorrowP2PTotal:  m.BorrowDelta.P2PTotal.String(),
		Version:         m.Version,
	}
}

// PositionRowFromState flattens a position clone into its projection row.
// Zeroed positions become zero rows, overwriting the stale balance.
func PositionRowFromState(p *position.Position) PositionRow {
	return PositionRow{
		Asset:   p.Market,
		UserID:  p.User.String(),
		Side:    int16(p.Side),
		OnPool:  p.OnPool.String(),
		InP2P:   p.InP2P.String(),
		Version: p.Version,
	}
}

// WriteEventBatch writes a batch of events using a multi-row INSERT.
// ON CONFLICT DO NOTHING keeps redeliveries idempotent.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, asset, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Asset,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// UpsertMarkets writes market projection rows. The version guard keeps a
// late batch from clobbering a newer row after a rebuild.
func (w *EventLogWriter) UpsertMarkets(ctx context.Context, ex execer, rows []MarketRow, lastSequence int64) error {
	for _, m := range rows {
		_, err := ex.ExecContext(ctx, `
			INSERT INTO projections.markets
				(asset, pool_supply_index, pool_borrow_index, p2p_supply_index, p2p_borrow_index,
				 last_update, cursor, reserve_factor, max_sorted_users, default_match_budget,
				 paused, partially_paused, p2p_disabled,
				 supply_delta, supply_p2p_total, borrow_delta, borrow_p2p_total,
				 version, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (asset) DO UPDATE SET
				pool_supply_index = EXCLUDED.pool_supply_index,
				pool_borrow_index = EXCLUDED.pool_borrow_index,
				p2p_supply_index = EXCLUDED.p2p_supply_index,
				p2p_borrow_index = EXCLUDED.p2p_borrow_index,
				last_update = EXCLUDED.last_update,
				cursor = EXCLUDED.cursor,
				reserve_factor = EXCLUDED.reserve_factor,
				max_sorted_users = EXCLUDED.max_sorted_users,
				default_match_budget = EXCLUDED.default_match_budget,
				paused = EXCLUDED.paused,
				partially_paused = EXCLUDED.partially_paused,
				p2p_disabled = EXCLUDED.p2p_disabled,
				supply_delta = EXCLUDED.supply_delta,
				supply_p2p_total = EXCLUDED.supply_p2p_total,
				borrow_delta = EXCLUDED.borrow_delta,
				borrow_p2p_total = EXCLUDED.borrow_p2p_total,
				version = EXCLUDED.version,
				last_sequence = EXCLUDED.last_sequence
			WHERE projections.markets.last_sequence <= EXCLUDED.last_sequence
		`,
			m.Asset, m.PoolSupplyIndex, m.PoolBorrowIndex, m.P2PSupplyIndex, m.P2PBorrowIndex,
			m.LastUpdate, m.Cursor, m.ReserveFactor, m.MaxSortedUsers, m.DefaultBudget,
			m.Paused, m.PartiallyPaused, m.P2PDisabled,
			m.SupplyDelta, m.SupplyP2PTotal, m.BorrowDelta, m.BorrowP2PTotal,
			m.Version, lastSequence,
		)
		if err != nil {
			return fmt.Errorf("upsert market %s: %w", m.Asset, err)
		}
	}
	return nil
}

// UpsertPositions writes position projection rows with a multi-row upsert.
func (w *EventLogWriter) UpsertPositions(ctx context.Context, ex execer, rows []PositionRow, lastSequence int64) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO projections.positions
		(asset, user_id, side, on_pool, in_p2p, version, last_sequence)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*7)

	for i, p := range rows {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args, p.Asset, p.UserID, p.Side, p.OnPool, p.InP2P, p.Version, lastSequence)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (asset, user_id, side) DO UPDATE SET
		on_pool = EXCLUDED.on_pool,
		in_p2p = EXCLUDED.in_p2p,
		version = EXCLUDED.version,
		last_sequence = EXCLUDED.last_sequence
		WHERE projections.positions.last_sequence <= EXCLUDED.last_sequence`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// UpdateWatermark records the last sequence a worker has applied.
func (w *EventLogWriter) UpdateWatermark(ctx context.Context, ex execer, workerID string, lastSequence int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, lastSequence)
	return err
}
