package position

import (
	"errors"
	"fmt"
	"math/big"

	"PeerLend/internal/registry"

	"github.com/google/uuid"
)

// ErrNegativeBalance marks an arithmetic/invariant violation: balances can
// never go below zero. The enclosing flow aborts atomically.
var ErrNegativeBalance = errors.New("negative balance")

// Books holds the four per-market registries: each side split into its
// on-pool and in-P2P bucket, ranked by scaled balance.
type Books struct {
	SuppliersOnPool *registry.Set
	SuppliersInP2P  *registry.Set
	BorrowersOnPool *registry.Set
	BorrowersInP2P  *registry.Set
}

func newBooks() *Books {
	return &Books{
		SuppliersOnPool: registry.NewSet(),
		SuppliersInP2P:  registry.NewSet(),
		BorrowersOnPool: registry.NewSet(),
		BorrowersInP2P:  registry.NewSet(),
	}
}

func (b *Books) clone() *Books {
	return &Books{
		SuppliersOnPool: b.SuppliersOnPool.Clone(),
		SuppliersInP2P:  b.SuppliersInP2P.Clone(),
		BorrowersOnPool: b.BorrowersOnPool.Clone(),
		BorrowersInP2P:  b.BorrowersInP2P.Clone(),
	}
}

type userSide struct {
	user uuid.UUID
	side Side
}

// Manager owns positions and keeps the registries synchronized with the
// balances. Balance writes go through SetOnPool/SetInP2P exclusively so a
// registry can never disagree with its backing position.
// Not thread-safe — only accessed from the single-threaded core.
type Manager struct {
	positions map[string]map[userSide]*Position
	books     map[string]*Books
}

func NewManager() *Manager {
	return &Manager{
		positions: make(map[string]map[userSide]*Position),
		books:     make(map[string]*Books),
	}
}

// Books returns the registries for a market, creating them on first use.
func (pm *Manager) Books(market string) *Books {
	b, ok := pm.books[market]
	if !ok {
		b = newBooks()
		pm.books[market] = b
	}
	return b
}

// Get returns the position or nil.
func (pm *Manager) Get(market string, user uuid.UUID, side Side) *Position {
	return pm.positions[market][userSide{user, side}]
}

// GetOrCreate returns the position, creating an empty one if absent.
func (pm *Manager) GetOrCreate(market string, user uuid.UUID, side Side) *Position {
	byUser, ok := pm.positions[market]
	if !ok {
		byUser = make(map[userSide]*Position)
		pm.positions[market] = byUser
	}
	key := userSide{user, side}
	pos := byUser[key]
	if pos == nil {
		pos = &Position{
			Market: market,
			User:   user,
			Side:   side,
			OnPool: big.NewInt(0),
			InP2P:  big.NewInt(0),
		}
		byUser[key] = pos
	}
	return pos
}

// SetOnPool writes the on-pool bucket and re-ranks the matching registry.
// capacity is the market's NMAX.
func (pm *Manager) SetOnPool(pos *Position, value *big.Int, capacity int) error {
	if value.Sign() < 0 {
		return fmt.Errorf("%w: %s/%s onPool %s", ErrNegativeBalance, pos.Market, pos.Side, value)
	}
	pos.OnPool = new(big.Int).Set(value)
	pos.Version++
	pm.onPoolBook(pos).Upsert(pos.User, pos.OnPool, capacity)
	pm.dropIfEmpty(pos)
	return nil
}

// SetInP2P writes the in-P2P bucket and re-ranks the matching registry.
func (pm *Manager) SetInP2P(pos *Position, value *big.Int, capacity int) error {
	if value.Sign() < 0 {
		return fmt.Errorf("%w: %s/%s inP2P %s", ErrNegativeBalance, pos.Market, pos.Side, value)
	}
	pos.InP2P = new(big.Int).Set(value)
	pos.Version++
	pm.inP2PBook(pos).Upsert(pos.User, pos.InP2P, capacity)
	pm.dropIfEmpty(pos)
	return nil
}

func (pm *Manager) onPoolBook(pos *Position) *registry.Set {
	b := pm.Books(pos.Market)
	if pos.Side == SideSupply {
		return b.SuppliersOnPool
	}
	return b.BorrowersOnPool
}

func (pm *Manager) inP2PBook(pos *Position) *registry.Set {
	b := pm.Books(pos.Market)
	if pos.Side == SideSupply {
		return b.SuppliersInP2P
	}
	return b.BorrowersInP2P
}

// dropIfEmpty removes fully-drained positions so absent users stay absent.
func (pm *Manager) dropIfEmpty(pos *Position) {
	if !pos.IsZero() {
		return
	}
	delete(pm.positions[pos.Market], userSide{pos.User, pos.Side})
}

// MarketPositions returns all positions of a market (both sides).
func (pm *Manager) MarketPositions(market string) []*Position {
	byUser := pm.positions[market]
	out := make([]*Position, 0, len(byUser))
	for _, pos := range byUser {
		out = append(out, pos)
	}
	return out
}

// MarketSnapshot is a deep copy of one market's position state, taken by
// the core before a flow. Restoring it undoes every mutation the flow made.
type MarketSnapshot struct {
	market    string
	positions map[userSide]*Position
	books     *Books
}

// Snapshot deep-copies the market's positions and registries.
func (pm *Manager) Snapshot(market string) *MarketSnapshot {
	snap := &MarketSnapshot{
		market:    market,
		positions: make(map[userSide]*Position, len(pm.positions[market])),
		books:     pm.Books(market).clone(),
	}
	for key, pos := range pm.positions[market] {
		snap.positions[key] = pos.clone()
	}
	return snap
}

// Changed returns clones of positions mutated since the snapshot was taken.
// Positions dropped since the snapshot come back as zero-balance clones so
// persistence can overwrite their stored rows.
func (pm *Manager) Changed(snap *MarketSnapshot) []*Position {
	var out []*Position
	cur := pm.positions[snap.market]
	for key, pos := range cur {
		old, ok := snap.positions[key]
		if !ok || old.Version != pos.Version {
			out = append(out, pos.clone())
		}
	}
	for key, old := range snap.positions {
		if _, ok := cur[key]; !ok {
			z := old.clone()
			z.OnPool.SetInt64(0)
			z.InP2P.SetInt64(0)
			z.Version++
			out = append(out, z)
		}
	}
	return out
}

// Restore rolls the market back to the snapshot.
func (pm *Manager) Restore(snap *MarketSnapshot) {
	byUser := make(map[userSide]*Position, len(snap.positions))
	for key, pos := range snap.positions {
		byUser[key] = pos.clone()
	}
	pm.positions[snap.market] = byUser
	pm.books[snap.market] = snap.books.clone()
}
