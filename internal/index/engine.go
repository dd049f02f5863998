package index

import (
	"errors"
	"fmt"
	"math/big"

	"PeerLend/internal/market"
	"PeerLend/internal/ray"
)

// ErrIndexRegression marks a pool index moving backwards. Pool indices are
// cumulative and monotone; a regression means the collaborator is broken
// and the enclosing operation aborts.
var ErrIndexRegression = errors.New("pool index regression")

// PoolIndexes is the slice of the pool collaborator the index engine needs.
type PoolIndexes interface {
	CurrentSupplyIndex(asset string) (ray.Ray, error)
	CurrentBorrowIndex(asset string) (ray.Ray, error)
}

// Engine lazily recomputes a market's pool and P2P growth indices. It must
// run for a market before any position read or write that converts between
// underlying amounts and scaled units.
type Engine struct {
	pool PoolIndexes
}

func NewEngine(pool PoolIndexes) *Engine {
	return &Engine{pool: pool}
}

// UpdateIndexes transitions the market from stale to fresh. A market whose
// LastUpdate already equals now is left untouched: the idempotence guard is
// what prevents double-compounding within one instant, so it is a
// correctness condition, not an optimization.
func (e *Engine) UpdateIndexes(m *market.Market, now int64) error {
	if m.LastUpdate == now {
		return nil
	}

	newSupply, err := e.pool.CurrentSupplyIndex(m.Asset)
	if err != nil {
		return fmt.Errorf("fetch supply index for %s: %w", m.Asset, err)
	}
	newBorrow, err := e.pool.CurrentBorrowIndex(m.Asset)
	if err != nil {
		return fmt.Errorf("fetch borrow index for %s: %w", m.Asset, err)
	}
	if newSupply.Cmp(m.PoolSupplyIndex) < 0 || newBorrow.Cmp(m.PoolBorrowIndex) < 0 {
		return fmt.Errorf("%w: %s", ErrIndexRegression, m.Asset)
	}

	poolSupplyGrowth := newSupply.Div(m.PoolSupplyIndex)
	poolBorrowGrowth := newBorrow.Div(m.PoolBorrowIndex)

	p2pSupplyGrowth, p2pBorrowGrowth := P2PGrowth(poolSupplyGrowth, poolBorrowGrowth, m.Cursor, m.ReserveFactor)

	m.P2PSupplyIndex = growP2PIndex(
		m.P2PSupplyIndex, p2pSupplyGrowth, poolSupplyGrowth,
		m.SupplyDelta, m.PoolSupplyIndex,
	)
	m.P2PBorrowIndex = growP2PIndex(
		m.P2PBorrowIndex, p2pBorrowGrowth, poolBorrowGrowth,
		m.BorrowDelta, m.PoolBorrowIndex,
	)

	m.PoolSupplyIndex = newSupply
	m.PoolBorrowIndex = newBorrow
	m.LastUpdate = now
	m.Version++
	return nil
}

// P2PGrowth blends the pool growth factors into the P2P growth factors.
// The cursor picks the mid-rate between the pool supply rate (cursor 0)
// and borrow rate (cursor 1); the reserve factor carves the protocol's
// cut out of each side's share of the spread.
func P2PGrowth(poolSupplyGrowth, poolBorrowGrowth, cursor, reserveFactor ray.Ray) (supply, borrow ray.Ray) {
	blended := poolSupplyGrowth.Mul(cursor.Complement()).Add(poolBorrowGrowth.Mul(cursor))
	supply = blended.Sub(reserveFactor.Mul(blended.Sub(poolSupplyGrowth)))
	borrow = blended.Add(reserveFactor.Mul(poolBorrowGrowth.Sub(blended)))
	return supply, borrow
}

// growP2PIndex advances one side's P2P index over the interval. The
// delta-backed fraction of the P2P total sits on the pool and earns the
// pool rate, so the growth factor is blended by shareOfDelta.
func growP2PIndex(lastP2PIndex, p2pGrowth, poolGrowth ray.Ray, d market.Delta, lastPoolIndex ray.Ray) ray.Ray {
	share := ShareOfDelta(d.P2PDelta, lastPoolIndex, d.P2PTotal, lastP2PIndex)
	if share.IsZero() {
		return lastP2PIndex.Mul(p2pGrowth)
	}
	blendedGrowth := share.Complement().Mul(p2pGrowth).Add(share.Mul(poolGrowth))
	return lastP2PIndex.Mul(blendedGrowth)
}

// ShareOfDelta returns the fraction of the side's P2P total that is
// delta-backed, in [0, 1]. Rounding slack in the two unit conversions can
// push the raw ratio a hair past one, so the value is clamped; a ratio far
// above one would mean the delta exceeds the total it is part of, which
// the matching engine's accounting rules out.
func ShareOfDelta(delta *big.Int, lastPoolIndex ray.Ray, p2pTotal *big.Int, lastP2PIndex ray.Ray) ray.Ray {
	if delta.Sign() <= 0 || p2pTotal.Sign() <= 0 {
		return ray.Zero
	}
	deltaUnderlying := lastPoolIndex.MulInt(delta)
	totalUnderlying := lastP2PIndex.MulInt(p2pTotal)
	if totalUnderlying.Sign() <= 0 {
		return ray.Zero
	}
	share := ray.FromBig(deltaUnderlying).Div(ray.FromBig(totalUnderlying))
	return share.Min(ray.Unit)
}
