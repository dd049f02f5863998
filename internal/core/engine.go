package core

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"PeerLend/internal/event"
	"PeerLend/internal/index"
	"PeerLend/internal/market"
	"PeerLend/internal/matching"
	"PeerLend/internal/observability"
	"PeerLend/internal/pool"
	"PeerLend/internal/position"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the single-threaded event processor. Every flow is atomic: a
// per-market snapshot is taken after the index refresh, and any failure
// rolls the market back before the error is returned.
type Engine struct {
	sequence     int64
	hasher       *StateHasher
	markets      *market.Manager
	positions    *position.Manager
	matcher      *matching.Engine
	indexer      *index.Engine
	pool         pool.Pool
	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator
	metrics      *observability.Metrics
	logger       zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	// Re-entrancy guard. The core owns no locks; a nested ProcessEvent
	// call would corrupt the snapshot discipline.
	processing bool

	// Last LRU eviction count exported, so the counter gets deltas.
	lastEvictions int64
}

// CoreOutput carries one applied event and the state rows it touched.
type CoreOutput struct {
	Envelope  *event.EventEnvelope
	Market    *market.Market
	Positions []*position.Position
}

func NewEngine(
	startSequence int64,
	p pool.Pool,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	positions := position.NewManager()

	return &Engine{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		markets:        market.NewManager(),
		positions:      positions,
		matcher:        matching.NewEngine(positions),
		indexer:        index.NewEngine(p),
		pool:           p,
		idempotency:    NewIdempotencyChecker(1_000_000, dbChecker, metrics),
		seqValidator:   NewSequenceValidator(metrics),
		metrics:        metrics,
		logger:         observability.NewLogger("core"),
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// ProcessEvent is the main processing pipeline.
func (c *Engine) ProcessEvent(evt event.Event) error {
	if c.processing {
		return ErrReentrant
	}
	c.processing = true
	defer func() { c.processing = false }()

	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Index refreshes tolerate gaps; every
	// other event is strictly ordered within its market partition.
	if refresh, ok := evt.(*event.IndexRefresh); ok {
		if stale := c.seqValidator.ValidateRefreshSequence(refresh.Asset, refresh.Sequence); stale {
			c.reject(eventType, "stale")
			return nil
		}
	} else {
		partition := fmt.Sprintf("market:%s", evt.Market())
		if err := c.seqValidator.ValidateSequence(partition, evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			c.reject(eventType, "sequence")
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil
	}

	// Step 3: Dispatch. Handlers are atomic: on error the market is
	// already rolled back to its pre-flow state.
	touched, err := c.dispatchEvent(evt)
	if err != nil {
		c.reject(eventType, "rejected")
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: State hash chain over the touched market.
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(touched)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal applied event %s: %v", eventType, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Asset:          evt.Market(),
		Timestamp:      evt.EventTimestamp(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{Envelope: envelope}
	if touched != nil {
		if touched.market != nil {
			output.Market = touched.market.Clone()
		}
		output.Positions = touched.positions
	}
	c.sequence++

	// Step 5: Emit. Persistence gets a blocking send (backpressure stalls
	// the core rather than losing events); projections get a non-blocking
	// send and rebuild from the event log when they fall behind.
	select {
	case c.persistChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.PersistBackpressure.Inc()
		}
		c.persistChan <- output
	}
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}

	// Step 6: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
		if ev := c.idempotency.lru.Evictions(); ev > c.lastEvictions {
			c.metrics.DedupLRUEvictions.Add(float64(ev - c.lastEvictions))
			c.lastEvictions = ev
		}
		if touched != nil && touched.market != nil {
			c.recordMarketGauges(touched.market)
		}
	}

	return nil
}

func (c *Engine) reject(eventType, reason string) {
	c.logger.Warn().
		Str("event_type", eventType).
		Str("reason", reason).
		Int64("sequence", c.sequence).
		Msg("event rejected")
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *Engine) recordMarketGauges(m *market.Market) {
	mm := c.metrics
	mm.DeltaScaled.WithLabelValues(m.Asset, "supply").Set(bigFloat(m.SupplyDelta.P2PDelta))
	mm.DeltaScaled.WithLabelValues(m.Asset, "borrow").Set(bigFloat(m.BorrowDelta.P2PDelta))
	mm.P2PTotalUnits.WithLabelValues(m.Asset, "supply").Set(bigFloat(m.SupplyDelta.P2PTotal))
	mm.P2PTotalUnits.WithLabelValues(m.Asset, "borrow").Set(bigFloat(m.BorrowDelta.P2PTotal))
	mm.IndexValue.WithLabelValues(m.Asset, "pool_supply").Set(m.PoolSupplyIndex.Float64())
	mm.IndexValue.WithLabelValues(m.Asset, "pool_borrow").Set(m.PoolBorrowIndex.Float64())
	mm.IndexValue.WithLabelValues(m.Asset, "p2p_supply").Set(m.P2PSupplyIndex.Float64())
	mm.IndexValue.WithLabelValues(m.Asset, "p2p_borrow").Set(m.P2PBorrowIndex.Float64())
}

// computeStateDigest builds canonical bytes over the touched market and
// positions for the hash chain. Positions are sorted by user then side so
// the digest is independent of map iteration order.
func (c *Engine) computeStateDigest(touched *flowTouch) []byte {
	if touched == nil || touched.market == nil {
		return nil
	}
	m := touched.market

	digest := make([]byte, 0, 256)
	digest = appendString(digest, m.Asset)
	digest = appendBig(digest, m.PoolSupplyIndex.Big())
	digest = appendBig(digest, m.PoolBorrowIndex.Big())
	digest = appendBig(digest, m.P2PSupplyIndex.Big())
	digest = appendBig(digest, m.P2PBorrowIndex.Big())
	digest = appendInt64LE(digest, m.LastUpdate)
	digest = appendBig(digest, m.SupplyDelta.P2PDelta)
	digest = appendBig(digest, m.SupplyDelta.P2PTotal)
	digest = appendBig(digest, m.BorrowDelta.P2PDelta)
	digest = appendBig(digest, m.BorrowDelta.P2PTotal)

	positions := make([]*position.Position, len(touched.positions))
	copy(positions, touched.positions)
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].User != positions[j].User {
			return positions[i].User.String() < positions[j].User.String()
		}
		return positions[i].Side < positions[j].Side
	})
	for _, pos := range positions {
		digest = append(digest, pos.User[:]...)
		digest = append(digest, byte(pos.Side))
		digest = appendBig(digest, pos.OnPool)
		digest = appendBig(digest, pos.InP2P)
	}

	return digest
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendBig(buf []byte, v *big.Int) []byte {
	b := v.Bytes()
	buf = append(buf, byte(len(b)))
	return append(buf, b...)
}

func bigFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// --- Read accessors (query service) ---

// MarketState returns a deep copy of one market.
func (c *Engine) MarketState(asset string) (*market.Market, error) {
	m, err := c.markets.Get(asset)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// Markets returns deep copies of every created market.
func (c *Engine) Markets() []*market.Market {
	all := c.markets.All()
	out := make([]*market.Market, 0, len(all))
	for _, m := range all {
		out = append(out, m.Clone())
	}
	return out
}

// Balance is a position read in both unit systems, valued at the market's
// last-updated indices.
type Balance struct {
	OnPool     *big.Int
	InP2P      *big.Int
	Underlying *big.Int
}

// SupplyBalance values the user's supply position. A missing position is a
// zero balance, not an error.
func (c *Engine) SupplyBalance(asset string, user uuid.UUID) (Balance, error) {
	return c.balance(asset, user, position.SideSupply)
}

// BorrowBalance values the user's borrow position.
func (c *Engine) BorrowBalance(asset string, user uuid.UUID) (Balance, error) {
	return c.balance(asset, user, position.SideBorrow)
}

func (c *Engine) balance(asset string, user uuid.UUID, side position.Side) (Balance, error) {
	m, err := c.markets.Get(asset)
	if err != nil {
		return Balance{}, err
	}
	poolIdx, p2pIdx := m.PoolSupplyIndex, m.P2PSupplyIndex
	if side == position.SideBorrow {
		poolIdx, p2pIdx = m.PoolBorrowIndex, m.P2PBorrowIndex
	}

	b := Balance{OnPool: big.NewInt(0), InP2P: big.NewInt(0), Underlying: big.NewInt(0)}
	pos := c.positions.Get(asset, user, side)
	if pos == nil {
		return b, nil
	}
	b.OnPool.Set(pos.OnPool)
	b.InP2P.Set(pos.InP2P)
	b.Underlying.Add(poolIdx.MulInt(pos.OnPool), p2pIdx.MulInt(pos.InP2P))
	return b, nil
}

// MarketPositions returns clones of every position in a market.
func (c *Engine) MarketPositions(asset string) []*position.Position {
	var out []*position.Position
	for _, pos := range c.positions.MarketPositions(asset) {
		cp := *pos
		cp.OnPool = new(big.Int).Set(pos.OnPool)
		cp.InP2P = new(big.Int).Set(pos.InP2P)
		out = append(out, &cp)
	}
	return out
}

// GetSequence returns the current global sequence number.
func (c *Engine) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *Engine) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// --- Snapshot restore & startup ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Markets         []*market.Market
	Positions       []*position.Position
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *Engine) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Markets:         c.Markets(),
		SequenceState:   c.seqValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
	for _, m := range snap.Markets {
		snap.Positions = append(snap.Positions, c.MarketPositions(m.Asset)...)
	}
	return snap
}

// RestoreFromSnapshot rebuilds the core's in-memory state: markets first,
// then positions re-inserted in (user, side) order so the rebuilt
// registries rank deterministically.
func (c *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	nmax := make(map[string]int)
	for _, m := range snap.Markets {
		c.markets.Restore(m.Clone())
		nmax[m.Asset] = m.MaxSortedUsers
	}

	positions := make([]*position.Position, len(snap.Positions))
	copy(positions, snap.Positions)
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].User != positions[j].User {
			return positions[i].User.String() < positions[j].User.String()
		}
		return positions[i].Side < positions[j].Side
	})
	for _, p := range positions {
		capacity, ok := nmax[p.Market]
		if !ok {
			return fmt.Errorf("snapshot position references unknown market %s", p.Market)
		}
		pos := c.positions.GetOrCreate(p.Market, p.User, p.Side)
		if err := c.positions.SetOnPool(pos, p.OnPool, capacity); err != nil {
			return err
		}
		if err := c.positions.SetInP2P(pos, p.InP2P, capacity); err != nil {
			return err
		}
	}

	for partition, nextSeq := range snap.SequenceState {
		c.seqValidator.RestorePartition(partition, nextSeq)
	}

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("markets", len(snap.Markets)).
		Int("positions", len(snap.Positions)).
		Msg("state restored from snapshot")
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *Engine) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}
