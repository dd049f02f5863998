package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// rayExp scales a raw ray integer to its decimal value.
const rayExp = -27

// QueryService provides read-only access to the projection tables.
// Queries never touch the engine: the core is single-threaded, so reads
// go through Postgres read models instead. All responses carry
// as_of_sequence (the projection watermark) for freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const marketColumns = `
	asset, pool_supply_index, pool_borrow_index, p2p_supply_index, p2p_borrow_index,
	last_update, cursor, reserve_factor, max_sorted_users, default_match_budget,
	paused, partially_paused, p2p_disabled,
	supply_delta, supply_p2p_total, borrow_delta, borrow_p2p_total, version`

// ListMarkets returns all markets ordered by asset.
func (qs *QueryService) ListMarkets(ctx context.Context) ([]MarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx,
		`SELECT `+marketColumns+` FROM projections.markets ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []MarketResponse
	for rows.Next() {
		m, err := scanMarket(rows, asOfSeq)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// GetMarket returns one market, or nil if the asset is unknown.
func (qs *QueryService) GetMarket(ctx context.Context, asset string) (*MarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM projections.markets WHERE asset = $1`, asset)
	m, err := scanMarket(row, asOfSeq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetUserPositions returns every position a user holds, across markets and
// sides, with underlying values computed from the current market indices.
func (qs *QueryService) GetUserPositions(ctx context.Context, userID uuid.UUID) ([]PositionResponse, error) {
	return qs.queryPositions(ctx, `
		SELECT p.asset, p.user_id, p.side, p.on_pool, p.in_p2p, p.version,
		       m.pool_supply_index, m.pool_borrow_index, m.p2p_supply_index, m.p2p_borrow_index
		FROM projections.positions p
		JOIN projections.markets m ON m.asset = p.asset
		WHERE p.user_id = $1 AND (p.on_pool::numeric > 0 OR p.in_p2p::numeric > 0)
		ORDER BY p.asset, p.side
	`, userID)
}

// GetMarketPositions returns every live position on one market.
func (qs *QueryService) GetMarketPositions(ctx context.Context, asset string) ([]PositionResponse, error) {
	return qs.queryPositions(ctx, `
		SELECT p.asset, p.user_id, p.side, p.on_pool, p.in_p2p, p.version,
		       m.pool_supply_index, m.pool_borrow_index, m.p2p_supply_index, m.p2p_borrow_index
		FROM projections.positions p
		JOIN projections.markets m ON m.asset = p.asset
		WHERE p.asset = $1 AND (p.on_pool::numeric > 0 OR p.in_p2p::numeric > 0)
		ORDER BY p.user_id, p.side
	`, asset)
}

func (qs *QueryService) queryPositions(ctx context.Context, query string, arg interface{}) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var (
			p                            PositionResponse
			side                         int16
			onPool, inP2P                string
			poolSupplyIdx, poolBorrowIdx string
			p2pSupplyIdx, p2pBorrowIdx   string
		)
		if err := rows.Scan(
			&p.Asset, &p.UserID, &side, &onPool, &inP2P, &p.Version,
			&poolSupplyIdx, &poolBorrowIdx, &p2pSupplyIdx, &p2pBorrowIdx,
		); err != nil {
			return nil, err
		}

		p.AsOfSequence = asOfSeq
		p.OnPool = onPool
		p.InP2P = inP2P

		// Supply positions grow with the supply indices, borrow with the
		// borrow indices.
		poolIdx, p2pIdx := poolSupplyIdx, p2pSupplyIdx
		if side == 1 {
			p.Side = "borrow"
			poolIdx, p2pIdx = poolBorrowIdx, p2pBorrowIdx
		} else {
			p.Side = "supply"
		}

		onPoolU, err := underlying(onPool, poolIdx)
		if err != nil {
			return nil, fmt.Errorf("position %s/%s: %w", p.Asset, p.UserID, err)
		}
		inP2PU, err := underlying(inP2P, p2pIdx)
		if err != nil {
			return nil, fmt.Errorf("position %s/%s: %w", p.Asset, p.UserID, err)
		}
		p.OnPoolUnderlying = onPoolU.String()
		p.InP2PUnderlying = inP2PU.String()
		p.TotalUnderlying = new(big.Int).Add(onPoolU, inP2PU).String()

		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetEvents returns a page of the event log, newest first, with cursor
// pagination on sequence.
func (qs *QueryService) GetEvents(
	ctx context.Context,
	asset *string,
	limit int,
	beforeSequence *int64,
) ([]EventResponse, error) {
	query := `
		SELECT sequence, event_type, idempotency_key, asset, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if asset != nil {
		query += fmt.Sprintf(" AND asset = $%d", argIdx)
		args = append(args, *asset)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventResponse
	for rows.Next() {
		var (
			e                   EventResponse
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Asset, &e.Payload,
			&stateHash, &prevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		e.StateHash = hex.EncodeToString(stateHash)
		e.PrevHash = hex.EncodeToString(prevHash)
		events = append(events, e)
	}
	return events, rows.Err()
}

// VerifyIntegrity checks hash chain continuity across the event log: every
// event's prev_hash must equal the previous event's state_hash.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.AsOfSequence = asOfSeq

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_log.events`,
	).Scan(&report.EventsChecked); err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row rowScanner, asOfSeq int64) (MarketResponse, error) {
	var (
		m                            MarketResponse
		poolSupplyIdx, poolBorrowIdx string
		p2pSupplyIdx, p2pBorrowIdx   string
		cursor, reserveFactor        string
	)
	if err := row.Scan(
		&m.Asset, &poolSupplyIdx, &poolBorrowIdx, &p2pSupplyIdx, &p2pBorrowIdx,
		&m.LastUpdate, &cursor, &reserveFactor, &m.MaxSortedUsers, &m.DefaultMatchBudget,
		&m.Paused, &m.PartiallyPaused, &m.P2PDisabled,
		&m.SupplyDelta, &m.SupplyP2PTotal, &m.BorrowDelta, &m.BorrowP2PTotal, &m.Version,
	); err != nil {
		return MarketResponse{}, err
	}

	var err error
	if m.PoolSupplyIndex, err = rayDecimal(poolSupplyIdx); err != nil {
		return MarketResponse{}, err
	}
	if m.PoolBorrowIndex, err = rayDecimal(poolBorrowIdx); err != nil {
		return MarketResponse{}, err
	}
	if m.P2PSupplyIndex, err = rayDecimal(p2pSupplyIdx); err != nil {
		return MarketResponse{}, err
	}
	if m.P2PBorrowIndex, err = rayDecimal(p2pBorrowIdx); err != nil {
		return MarketResponse{}, err
	}
	if m.Cursor, err = rayDecimal(cursor); err != nil {
		return MarketResponse{}, err
	}
	if m.ReserveFactor, err = rayDecimal(reserveFactor); err != nil {
		return MarketResponse{}, err
	}

	m.AsOfSequence = asOfSeq
	return m, nil
}

// rayDecimal renders a raw ray integer string as its decimal value.
func rayDecimal(raw string) (decimal.Decimal, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("malformed ray value %q", raw)
	}
	return decimal.NewFromBigInt(v, rayExp), nil
}

// underlying computes units * index / ray, truncating toward zero.
func underlying(units, index string) (*big.Int, error) {
	u, ok := new(big.Int).SetString(units, 10)
	if !ok {
		return nil, fmt.Errorf("malformed units %q", units)
	}
	idx, ok := new(big.Int).SetString(index, 10)
	if !ok {
		return nil, fmt.Errorf("malformed index %q", index)
	}
	out := new(big.Int).Mul(u, idx)
	return out.Quo(out, rayUnit), nil
}

var rayUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
