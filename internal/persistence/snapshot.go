package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PeerLend/internal/core"
	"PeerLend/internal/market"
	"PeerLend/internal/position"
	"PeerLend/internal/ray"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot captures every market, every position, the per-partition
// sequence cursors, the recent idempotency keys, and the state hash at the
// snapshot sequence. Restart loads the latest verified snapshot and replays
// events from snapshot.sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable form of core.SnapshotState. Ray indices
// and big.Int balances are encoded as raw base-10 integer strings so the
// round trip is exact regardless of magnitude.
type SnapshotData struct {
	Sequence        int64            `json:"sequence"`
	StateHash       []byte           `json:"state_hash"`
	Markets         []MarketSnap     `json:"markets"`
	Positions       []PositionSnap   `json:"positions"`
	SequenceState   map[string]int64 `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string         `json:"idempotency_keys"` // recent keys for LRU warming
	CreatedAt       time.Time        `json:"created_at"`
}

// MarketSnap is a serializable market.
type MarketSnap struct {
	Asset              string `json:"asset"`
	PoolSupplyIndex    string `json:"pool_supply_index"`
	PoolBorrowIndex    string `json:"pool_borrow_index"`
	P2PSupplyIndex     string `json:"p2p_supply_index"`
	P2PBorrowIndex     string `json:"p2p_borrow_index"`
	LastUpdate         int64  `json:"last_update"`
	Cursor             string `json:"cursor"`
	ReserveFactor      string `json:"reserve_factor"`
	MaxSortedUsers     int    `json:"max_sorted_users"`
	DefaultMatchBudget int    `json:"default_match_budget"`
	Paused             bool   `json:"paused"`
	PartiallyPaused    bool   `json:"partially_paused"`
	P2PDisabled        bool   `json:"p2p_disabled"`
	SupplyDelta        string `json:"supply_delta"`
	SupplyP2PTotal     string `json:"supply_p2p_total"`
	BorrowDelta        string `json:"borrow_delta"`
	BorrowP2PTotal     string `json:"borrow_p2p_total"`
	Version            int64  `json:"version"`
}

// PositionSnap is a serializable position.
type PositionSnap struct {
	Asset   string `json:"asset"`
	UserID  string `json:"user_id"`
	Side    int8   `json:"side"`
	OnPool  string `json:"on_pool"`
	InP2P   string `json:"in_p2p"`
	Version int64  `json:"version"`
}

// FromCoreSnapshot converts in-memory core state into its serializable form.
func FromCoreSnapshot(snap *core.SnapshotState) *SnapshotData {
	sd := &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       snap.StateHash[:],
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}
	for _, m := range snap.Markets {
		sd.Markets = append(sd.Markets, MarketSnap{
			Asset:              m.Asset,
			PoolSupplyIndex:    m.PoolSupplyIndex.Big().String(),
			PoolBorrowIndex:    m.PoolBorrowIndex.Big().String(),
			P2PSupplyIndex:     m.P2PSupplyIndex.Big().String(),
			P2PBorrowIndex:     m.P2PBorrowIndex.Big().String(),
			LastUpdate:         m.LastUpdate,
			Cursor:             m.Cursor.Big().String(),
			ReserveFactor:      m.ReserveFactor.Big().String(),
			MaxSortedUsers:     m.MaxSortedUsers,
			DefaultMatchBudget: m.DefaultMatchBudget,
			Paused:             m.Flags.Paused,
			PartiallyPaused:    m.Flags.PartiallyPaused,
			P2PDisabled:        m.Flags.P2PDisabled,
			SupplyDelta:        m.SupplyDelta.P2PDelta.String(),
			SupplyP2PTotal:     m.SupplyDelta.P2PTotal.String(),
			BorrowDelta:        m.BorrowDelta.P2PDelta.String(),
			BorrowP2PTotal:     m.BorrowDelta.P2PTotal.String(),
			Version:            m.Version,
		})
	}
	for _, p := range snap.Positions {
		sd.Positions = append(sd.Positions, PositionSnap{
			Asset:   p.Market,
			UserID:  p.User.String(),
			Side:    int8(p.Side),
			OnPool:  p.OnPool.String(),
			InP2P:   p.InP2P.String(),
			Version: p.Version,
		})
	}
	return sd
}

// ToCoreSnapshot converts serialized snapshot data back to core state.
func (sd *SnapshotData) ToCoreSnapshot() (*core.SnapshotState, error) {
	snap := &core.SnapshotState{
		Sequence:        sd.Sequence,
		SequenceState:   sd.SequenceState,
		IdempotencyKeys: sd.IdempotencyKeys,
	}
	if len(sd.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot: state hash is %d bytes, want 32", len(sd.StateHash))
	}
	copy(snap.StateHash[:], sd.StateHash)

	for _, ms := range sd.Markets {
		m := &market.Market{
			Asset:              ms.Asset,
			LastUpdate:         ms.LastUpdate,
			MaxSortedUsers:     ms.MaxSortedUsers,
			DefaultMatchBudget: ms.DefaultMatchBudget,
			Flags: market.Flags{
				Created:         true,
				Paused:          ms.Paused,
				PartiallyPaused: ms.PartiallyPaused,
				P2PDisabled:     ms.P2PDisabled,
			},
			Version: ms.Version,
		}
		var err error
		if m.PoolSupplyIndex, err = parseRay(ms.PoolSupplyIndex); err != nil {
			return nil, fmt.Errorf("snapshot market %s: %w", ms.Asset, err)
		}
		if m.PoolBorrowIndex, err = parseRay(ms.PoolBorrowIndex); err != nil {
			return nil, fmt.Errorf("snapshot market %s: %w", ms.Asset, err)
		}
		if m.P2PSupplyIndex, err = parseRay(ms.P2PSupplyIndex); err != nil {
			return nil, fmt.Errorf("snapshot market %s: %w", ms.Asset, err)
		}
		if m.P2PBorrowIndex, err = parseRay(ms.P2PBorrowIndex); err != nil {
			return nil, fmt.Errorf("snapshot market %s: %w", ms.Asset, err)
		}
		if m.Cursor, err = parseRay(ms.Cursor); err != nil {
			return nil, fmt.Errorf("snapshot market %s: %w", ms.Asset, err)
		}
		if m.ReserveFactor, err = parseRay(ms.ReserveFactor); err != nil {
			return nil, fmt.Errorf("snapshot market %s: %w", ms.Asset, err)
		}
		if m.SupplyDelta.P2PDelta, err = parseBigInt(ms.SupplyDelta); err != nil {
			return nil, fmt.Errorf("snapshot market %s: %w", ms.Asset, err)
		}
		if m.SupplyDelta.P2PTotal, err = parseBigInt(ms.SupplyP2PTotal); err != nil {
			return nil, fmt.Errorf("snapshot market %s: %w", ms.Asset, err)
		}
		if m.BorrowDelta.P2PDelta, err = parseBigInt(ms.BorrowDelta); err != nil {
			return nil, fmt.Errorf("snapshot market %s: %w", ms.Asset, err)
		}
		if m.BorrowDelta.P2PTotal, err = parseBigInt(ms.BorrowP2PTotal); err != nil {
			return nil, fmt.Errorf("snapshot market %s: %w", ms.Asset, err)
		}
		snap.Markets = append(snap.Markets, m)
	}

	for _, ps := range sd.Positions {
		user, err := uuid.Parse(ps.UserID)
		if err != nil {
			return nil, fmt.Errorf("snapshot position user %q: %w", ps.UserID, err)
		}
		p := &position.Position{
			Market:  ps.Asset,
			User:    user,
			Side:    position.Side(ps.Side),
			Version: ps.Version,
		}
		if p.OnPool, err = parseBigInt(ps.OnPool); err != nil {
			return nil, fmt.Errorf("snapshot position %s/%s: %w", ps.Asset, ps.UserID, err)
		}
		if p.InP2P, err = parseBigInt(ps.InP2P); err != nil {
			return nil, fmt.Errorf("snapshot position %s/%s: %w", ps.Asset, ps.UserID, err)
		}
		snap.Positions = append(snap.Positions, p)
	}

	return snap, nil
}

func parseRay(s string) (ray.Ray, error) {
	v, err := parseBigInt(s)
	if err != nil {
		return ray.Ray{}, err
	}
	return ray.FromBig(v), nil
}

func parseBigInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed integer %q", s)
	}
	return v, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres and returns its encoded
// size. Snapshots are taken periodically and verified before they become
// restore candidates.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return sizeBytes, nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start with no snapshot.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay. Used for
// warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, asset, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Asset,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
