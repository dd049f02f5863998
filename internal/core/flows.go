package core

import (
	"fmt"
	"math/big"

	"PeerLend/internal/event"
	"PeerLend/internal/market"
	"PeerLend/internal/matching"
	"PeerLend/internal/position"
	"PeerLend/internal/ray"

	"github.com/google/uuid"
)

// flowTouch is what a handler reports back for hashing and persistence.
type flowTouch struct {
	market    *market.Market
	positions []*position.Position
}

func (c *Engine) dispatchEvent(evt event.Event) (*flowTouch, error) {
	switch e := evt.(type) {
	case *event.SupplyRequested:
		return c.handleSupply(e)
	case *event.BorrowRequested:
		return c.handleBorrow(e)
	case *event.WithdrawRequested:
		return c.handleWithdraw(e)
	case *event.RepayRequested:
		return c.handleRepay(e)
	case *event.IndexRefresh:
		return c.handleIndexRefresh(e)
	case *event.MarketCreated:
		return c.handleMarketCreated(e)
	case *event.MarketParamUpdate:
		return c.handleMarketParamUpdate(e)
	case *event.MarketPauseUpdate:
		return c.handleMarketPauseUpdate(e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// flowEnv is the per-flow context: the refreshed market, the pre-flow
// snapshots for rollback, and the resolved iteration budget.
type flowEnv struct {
	m      *market.Market
	msnap  *market.Market
	psnap  *position.MarketSnapshot
	budget int
}

// beginFlow validates inputs, refreshes the market's indices at the event
// timestamp, and snapshots the market. The snapshot is taken AFTER the
// index refresh: accrual is its own idempotent operation and survives a
// rejected flow.
func (c *Engine) beginFlow(asset string, user uuid.UUID, amount *big.Int, budget int, ts int64, entry bool) (*flowEnv, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if user == uuid.Nil {
		return nil, ErrNilUser
	}
	m, err := c.markets.Get(asset)
	if err != nil {
		return nil, err
	}
	if m.Flags.Paused {
		return nil, fmt.Errorf("%w: %s", market.ErrPaused, asset)
	}
	if entry && m.Flags.PartiallyPaused {
		return nil, fmt.Errorf("%w: %s", market.ErrPartiallyPaused, asset)
	}
	if err := c.indexer.UpdateIndexes(m, ts); err != nil {
		return nil, err
	}
	// Budget zero means the market default; negative is an explicit
	// request for no registry traversal (delta consumption still runs).
	if budget == 0 {
		budget = m.DefaultMatchBudget
	} else if budget < 0 {
		budget = 0
	}
	return &flowEnv{
		m:      m,
		msnap:  m.Clone(),
		psnap:  c.positions.Snapshot(asset),
		budget: budget,
	}, nil
}

func (c *Engine) rollbackFlow(env *flowEnv) {
	c.markets.Restore(env.msnap)
	c.positions.Restore(env.psnap)
}

func (c *Engine) endFlow(env *flowEnv) *flowTouch {
	return &flowTouch{market: env.m, positions: c.positions.Changed(env.psnap)}
}

// handleSupply places new supply: waiting borrowers (delta first) absorb as
// much as the budget allows, the rest is deposited on the pool.
func (c *Engine) handleSupply(e *event.SupplyRequested) (*flowTouch, error) {
	env, err := c.beginFlow(e.Asset, e.UserID, e.Amount, e.MatchBudget, e.Timestamp.UnixMicro(), true)
	if err != nil {
		return nil, err
	}
	m := env.m

	pos := c.positions.GetOrCreate(e.Asset, e.UserID, position.SideSupply)
	remaining := new(big.Int).Set(e.Amount)
	matched := big.NewInt(0)

	if !m.Flags.P2PDisabled {
		res, err := c.matcher.MatchBorrowers(m, remaining, env.budget)
		if err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
		c.recordMatch(m.Asset, "borrow", "match", res)
		matched = res.Matched
		if matched.Sign() > 0 {
			units := m.P2PSupplyIndex.DivInt(matched)
			if err := c.positions.SetInP2P(pos, new(big.Int).Add(pos.InP2P, units), m.MaxSortedUsers); err != nil {
				c.rollbackFlow(env)
				return nil, err
			}
			m.SupplyDelta.P2PTotal.Add(m.SupplyDelta.P2PTotal, units)
			remaining.Sub(remaining, matched)
		}
	}

	if remaining.Sign() > 0 {
		scaled := m.PoolSupplyIndex.DivInt(remaining)
		if err := c.positions.SetOnPool(pos, new(big.Int).Add(pos.OnPool, scaled), m.MaxSortedUsers); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
	}

	// External pool legs run last so a collaborator failure aborts before
	// any internal mutation leaks out. Matched volume repays the promoted
	// borrowers' pool debt; the remainder is deposited.
	if matched.Sign() > 0 {
		if err := c.pool.Repay(e.Asset, matched); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
	}
	if remaining.Sign() > 0 {
		if err := c.pool.Deposit(e.Asset, remaining); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
	}

	return c.endFlow(env), nil
}

// handleBorrow draws a new borrow: waiting suppliers (delta first) fund as
// much as the budget allows, the rest is borrowed from the pool.
func (c *Engine) handleBorrow(e *event.BorrowRequested) (*flowTouch, error) {
	env, err := c.beginFlow(e.Asset, e.UserID, e.Amount, e.MatchBudget, e.Timestamp.UnixMicro(), true)
	if err != nil {
		return nil, err
	}
	m := env.m

	pos := c.positions.GetOrCreate(e.Asset, e.UserID, position.SideBorrow)
	remaining := new(big.Int).Set(e.Amount)
	matched := big.NewInt(0)

	if !m.Flags.P2PDisabled {
		res, err := c.matcher.MatchSuppliers(m, remaining, env.budget)
		if err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
		c.recordMatch(m.Asset, "supply", "match", res)
		matched = res.Matched
		if matched.Sign() > 0 {
			units := m.P2PBorrowIndex.DivInt(matched)
			if err := c.positions.SetInP2P(pos, new(big.Int).Add(pos.InP2P, units), m.MaxSortedUsers); err != nil {
				c.rollbackFlow(env)
				return nil, err
			}
			m.BorrowDelta.P2PTotal.Add(m.BorrowDelta.P2PTotal, units)
			remaining.Sub(remaining, matched)
		}
	}

	if remaining.Sign() > 0 {
		scaled := m.PoolBorrowIndex.DivInt(remaining)
		if err := c.positions.SetOnPool(pos, new(big.Int).Add(pos.OnPool, scaled), m.MaxSortedUsers); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
	}

	// Matched volume is cash the promoted suppliers had sitting on the
	// pool; the remainder is a plain pool borrow.
	if matched.Sign() > 0 {
		if err := c.pool.Withdraw(e.Asset, matched); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
	}
	if remaining.Sign() > 0 {
		if err := c.pool.Borrow(e.Asset, remaining); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
	}

	return c.endFlow(env), nil
}

// handleWithdraw removes supply in up to four legs: the withdrawer's own
// pool balance, replacement suppliers (delta first), demoted borrowers, and
// finally a pool borrow covering whatever the budget left matched.
func (c *Engine) handleWithdraw(e *event.WithdrawRequested) (*flowTouch, error) {
	env, err := c.beginFlow(e.Asset, e.UserID, e.Amount, e.MatchBudget, e.Timestamp.UnixMicro(), false)
	if err != nil {
		return nil, err
	}
	m := env.m

	pos := c.positions.Get(e.Asset, e.UserID, position.SideSupply)
	if pos == nil {
		return nil, fmt.Errorf("%w: %s supply for %s", ErrNoPosition, e.Asset, e.UserID)
	}
	total := new(big.Int).Add(m.PoolSupplyIndex.MulInt(pos.OnPool), m.P2PSupplyIndex.MulInt(pos.InP2P))
	if total.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s supply for %s is dust", ErrNoPosition, e.Asset, e.UserID)
	}

	// Over-withdrawals cap to the balance, so MaxUint-style sentinels
	// mean "withdraw everything".
	remaining := new(big.Int).Set(e.Amount)
	if remaining.Cmp(total) > 0 {
		remaining.Set(total)
	}

	budget := env.budget
	poolWithdraw := big.NewInt(0)
	poolBorrow := big.NewInt(0)

	// Leg 1: the withdrawer's own pool-side balance drains first.
	onPoolU := m.PoolSupplyIndex.MulInt(pos.OnPool)
	if onPoolU.Sign() > 0 {
		fromPool := minBig(remaining, onPoolU)
		newOnPool := big.NewInt(0)
		if fromPool.Cmp(onPoolU) < 0 {
			newOnPool.Sub(pos.OnPool, m.PoolSupplyIndex.DivInt(fromPool))
		}
		if err := c.positions.SetOnPool(pos, newOnPool, m.MaxSortedUsers); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
		poolWithdraw.Add(poolWithdraw, fromPool)
		remaining.Sub(remaining, fromPool)
	}

	// Leg 2: replacement suppliers promote in to take over the
	// withdrawer's matched volume. P2PDisabled blocks the traversal but
	// the supply-side delta still shrinks (budget zero is delta-only).
	if remaining.Sign() > 0 {
		mb := budget
		if m.Flags.P2PDisabled {
			mb = 0
		}
		res, err := c.matcher.MatchSuppliers(m, remaining, mb)
		if err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
		c.recordMatch(m.Asset, "supply", "match", res)
		budget -= res.Visited
		if res.Matched.Sign() > 0 {
			units, err := c.reduceInP2P(pos, res.Matched, m.P2PSupplyIndex, m.MaxSortedUsers)
			if err != nil {
				c.rollbackFlow(env)
				return nil, err
			}
			if err := subSideTotal(&m.SupplyDelta, units); err != nil {
				c.rollbackFlow(env)
				return nil, err
			}
			poolWithdraw.Add(poolWithdraw, res.Matched)
			remaining.Sub(remaining, res.Matched)
		}
	}

	// Leg 3: demote matched borrowers back onto the pool. Whatever the
	// budget leaves still matched becomes fresh borrow-side delta, and a
	// pool borrow funds the payout either way.
	if remaining.Sign() > 0 {
		res, err := c.matcher.UnmatchBorrowers(m, remaining, budget)
		if err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
		c.recordMatch(m.Asset, "borrow", "unmatch", res)
		shortfall := new(big.Int).Sub(remaining, res.Matched)
		if shortfall.Sign() > 0 {
			m.BorrowDelta.P2PDelta.Add(m.BorrowDelta.P2PDelta, m.PoolBorrowIndex.DivInt(shortfall))
		}
		units, err := c.reduceInP2P(pos, remaining, m.P2PSupplyIndex, m.MaxSortedUsers)
		if err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
		if err := subSideTotal(&m.SupplyDelta, units); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
		poolBorrow.Add(poolBorrow, remaining)
		remaining.SetInt64(0)
	}

	if poolWithdraw.Sign() > 0 {
		if err := c.pool.Withdraw(e.Asset, poolWithdraw); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
	}
	if poolBorrow.Sign() > 0 {
		if err := c.pool.Borrow(e.Asset, poolBorrow); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
	}

	return c.endFlow(env), nil
}

// handleRepay pays down a borrow, mirroring withdraw: own pool debt first,
// replacement borrowers promote in, matched suppliers demote out, and the
// shortfall past the budget parks supplier cash on the pool as supply delta.
func (c *Engine) handleRepay(e *event.RepayRequested) (*flowTouch, error) {
	env, err := c.beginFlow(e.Asset, e.UserID, e.Amount, e.MatchBudget, e.Timestamp.UnixMicro(), false)
	if err != nil {
		return nil, err
	}
	m := env.m

	pos := c.positions.Get(e.Asset, e.UserID, position.SideBorrow)
	if pos == nil {
		return nil, fmt.Errorf("%w: %s borrow for %s", ErrNoPosition, e.Asset, e.UserID)
	}
	total := new(big.Int).Add(m.PoolBorrowIndex.MulInt(pos.OnPool), m.P2PBorrowIndex.MulInt(pos.InP2P))
	if total.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s borrow for %s is dust", ErrNoPosition, e.Asset, e.UserID)
	}

	remaining := new(big.Int).Set(e.Amount)
	if remaining.Cmp(total) > 0 {
		remaining.Set(total)
	}

	budget := env.budget
	poolRepay := big.NewInt(0)
	poolDeposit := big.NewInt(0)

	// Leg 1: the repayer's own pool-side debt clears first.
	onPoolU := m.PoolBorrowIndex.MulInt(pos.OnPool)
	if onPoolU.Sign() > 0 {
		fromPool := minBig(remaining, onPoolU)
		newOnPool := big.NewInt(0)
		if fromPool.Cmp(onPoolU) < 0 {
			newOnPool.Sub(pos.OnPool, m.PoolBorrowIndex.DivInt(fromPool))
		}
		if err := c.positions.SetOnPool(pos, newOnPool, m.MaxSortedUsers); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
		poolRepay.Add(poolRepay, fromPool)
		remaining.Sub(remaining, fromPool)
	}

	// Leg 2: replacement borrowers promote in (borrow delta first). Their
	// pool debt is repaid with the repayer's cash.
	if remaining.Sign() > 0 {
		mb := budget
		if m.Flags.P2PDisabled {
			mb = 0
		}
		res, err := c.matcher.MatchBorrowers(m, remaining, mb)
		if err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
		c.recordMatch(m.Asset, "borrow", "match", res)
		budget -= res.Visited
		if res.Matched.Sign() > 0 {
			units, err := c.reduceInP2P(pos, res.Matched, m.P2PBorrowIndex, m.MaxSortedUsers)
			if err != nil {
				c.rollbackFlow(env)
				return nil, err
			}
			if err := subSideTotal(&m.BorrowDelta, units); err != nil {
				c.rollbackFlow(env)
				return nil, err
			}
			poolRepay.Add(poolRepay, res.Matched)
			remaining.Sub(remaining, res.Matched)
		}
	}

	// Leg 3: demote matched suppliers back onto the pool. The budget's
	// shortfall deposits their cash on the pool and records supply-side
	// delta so they keep earning something.
	if remaining.Sign() > 0 {
		res, err := c.matcher.UnmatchSuppliers(m, remaining, budget)
		if err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
		c.recordMatch(m.Asset, "supply", "unmatch", res)
		shortfall := new(big.Int).Sub(remaining, res.Matched)
		if shortfall.Sign() > 0 {
			m.SupplyDelta.P2PDelta.Add(m.SupplyDelta.P2PDelta, m.PoolSupplyIndex.DivInt(shortfall))
		}
		units, err := c.reduceInP2P(pos, remaining, m.P2PBorrowIndex, m.MaxSortedUsers)
		if err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
		if err := subSideTotal(&m.BorrowDelta, units); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
		poolDeposit.Add(poolDeposit, remaining)
		remaining.SetInt64(0)
	}

	if poolRepay.Sign() > 0 {
		if err := c.pool.Repay(e.Asset, poolRepay); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
	}
	if poolDeposit.Sign() > 0 {
		if err := c.pool.Deposit(e.Asset, poolDeposit); err != nil {
			c.rollbackFlow(env)
			return nil, err
		}
	}

	return c.endFlow(env), nil
}

// handleIndexRefresh accrues interest on an idle market. Paused markets
// still accrue: pausing stops flows, not time.
func (c *Engine) handleIndexRefresh(e *event.IndexRefresh) (*flowTouch, error) {
	m, err := c.markets.Get(e.Asset)
	if err != nil {
		return nil, err
	}
	if err := c.indexer.UpdateIndexes(m, e.Timestamp.UnixMicro()); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.IndexUpdates.WithLabelValues(e.Asset).Inc()
	}
	return &flowTouch{market: m}, nil
}

func (c *Engine) handleMarketCreated(e *event.MarketCreated) (*flowTouch, error) {
	params, err := parseParams(e.Cursor, e.ReserveFactor, e.MaxSortedUsers, e.DefaultMatchBudget)
	if err != nil {
		return nil, err
	}
	poolSupply, err := c.pool.CurrentSupplyIndex(e.Asset)
	if err != nil {
		return nil, fmt.Errorf("fetch supply index for %s: %w", e.Asset, err)
	}
	poolBorrow, err := c.pool.CurrentBorrowIndex(e.Asset)
	if err != nil {
		return nil, fmt.Errorf("fetch borrow index for %s: %w", e.Asset, err)
	}
	m, err := c.markets.Create(e.Asset, poolSupply, poolBorrow, params, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, err
	}
	return &flowTouch{market: m}, nil
}

// handleMarketParamUpdate refreshes indices at the event timestamp before
// swapping parameters, so the old cursor and reserve factor govern the
// elapsed interval.
func (c *Engine) handleMarketParamUpdate(e *event.MarketParamUpdate) (*flowTouch, error) {
	params, err := parseParams(e.Cursor, e.ReserveFactor, e.MaxSortedUsers, e.DefaultMatchBudget)
	if err != nil {
		return nil, err
	}
	m, err := c.markets.Get(e.Asset)
	if err != nil {
		return nil, err
	}
	if err := c.indexer.UpdateIndexes(m, e.Timestamp.UnixMicro()); err != nil {
		return nil, err
	}
	if err := c.markets.SetParams(e.Asset, params); err != nil {
		return nil, err
	}
	return &flowTouch{market: m}, nil
}

func (c *Engine) handleMarketPauseUpdate(e *event.MarketPauseUpdate) (*flowTouch, error) {
	if err := c.markets.SetPause(e.Asset, e.Paused, e.PartiallyPaused, e.P2PDisabled); err != nil {
		return nil, err
	}
	m, err := c.markets.Get(e.Asset)
	if err != nil {
		return nil, err
	}
	return &flowTouch{market: m}, nil
}

func parseParams(cursor, reserveFactor string, maxSortedUsers, defaultBudget int) (market.Params, error) {
	cur, err := ray.Parse(cursor)
	if err != nil {
		return market.Params{}, fmt.Errorf("%w: cursor: %v", market.ErrBadParams, err)
	}
	rf, err := ray.Parse(reserveFactor)
	if err != nil {
		return market.Params{}, fmt.Errorf("%w: reserve factor: %v", market.ErrBadParams, err)
	}
	return market.Params{
		Cursor:             cur,
		ReserveFactor:      rf,
		MaxSortedUsers:     maxSortedUsers,
		DefaultMatchBudget: defaultBudget,
	}, nil
}

// reduceInP2P removes up to underlying from the position's P2P bucket and
// returns the P2P units removed. A reduction covering the whole bucket
// clears it exactly so floor dust cannot strand the user in the registry.
func (c *Engine) reduceInP2P(pos *position.Position, underlying *big.Int, p2pIndex ray.Ray, capacity int) (*big.Int, error) {
	inP2PU := p2pIndex.MulInt(pos.InP2P)
	var units *big.Int
	if underlying.Cmp(inP2PU) >= 0 {
		units = new(big.Int).Set(pos.InP2P)
	} else {
		units = p2pIndex.DivInt(underlying)
	}
	if err := c.positions.SetInP2P(pos, new(big.Int).Sub(pos.InP2P, units), capacity); err != nil {
		return nil, err
	}
	return units, nil
}

func subSideTotal(d *market.Delta, units *big.Int) error {
	d.P2PTotal.Sub(d.P2PTotal, units)
	if d.P2PTotal.Sign() < 0 {
		return fmt.Errorf("%w: p2p total %s", matching.ErrDeltaNegative, d.P2PTotal)
	}
	return nil
}

func (c *Engine) recordMatch(asset, side, op string, res matching.Result) {
	if c.metrics == nil {
		return
	}
	c.metrics.MatchVolume.WithLabelValues(asset, side, op).Add(bigFloat(res.Matched))
	c.metrics.MatchVisited.WithLabelValues(asset, op).Add(float64(res.Visited))
	if res.Exhausted {
		c.metrics.BudgetExhaustions.WithLabelValues(asset, op).Inc()
	}
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
