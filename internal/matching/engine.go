package matching

import (
	"errors"
	"fmt"
	"math/big"

	"PeerLend/internal/market"
	"PeerLend/internal/position"
	"PeerLend/internal/ray"
	"PeerLend/internal/registry"
)

// ErrDeltaNegative marks a delta accounting violation. Deltas only shrink
// through matching, so a negative value means a bookkeeping bug; the
// enclosing flow aborts atomically.
var ErrDeltaNegative = errors.New("p2p delta negative")

// Result is the outcome of one match/unmatch call. Budget exhaustion is a
// valid degraded outcome, not an error: the shortfall stays on the pool.
type Result struct {
	// Matched is the underlying volume moved (delta consumption plus
	// registry traversal).
	Matched *big.Int
	// Visited counts registry entries walked. Never exceeds the budget.
	Visited int
	// Exhausted reports that the iteration budget ran out with volume
	// still unmatched.
	Exhausted bool
}

// Engine moves volume between the pool and P2P buckets by walking the
// per-market registries under an iteration budget.
// Not thread-safe — only accessed from the single-threaded core.
type Engine struct {
	positions *position.Manager
}

func NewEngine(pm *position.Manager) *Engine {
	return &Engine{positions: pm}
}

// sideRef bundles one side's registries, indices, and delta so the
// promote/demote walks are written once.
type sideRef struct {
	side      position.Side
	poolIndex ray.Ray
	p2pIndex  ray.Ray
	delta     *market.Delta
	onPool    *registry.Set
	inP2P     *registry.Set
	nmax      int
}

func (e *Engine) supplySide(m *market.Market) sideRef {
	b := e.positions.Books(m.Asset)
	return sideRef{
		side:      position.SideSupply,
		poolIndex: m.PoolSupplyIndex,
		p2pIndex:  m.P2PSupplyIndex,
		delta:     &m.SupplyDelta,
		onPool:    b.SuppliersOnPool,
		inP2P:     b.SuppliersInP2P,
		nmax:      m.MaxSortedUsers,
	}
}

func (e *Engine) borrowSide(m *market.Market) sideRef {
	b := e.positions.Books(m.Asset)
	return sideRef{
		side:      position.SideBorrow,
		poolIndex: m.PoolBorrowIndex,
		p2pIndex:  m.P2PBorrowIndex,
		delta:     &m.BorrowDelta,
		onPool:    b.BorrowersOnPool,
		inP2P:     b.BorrowersInP2P,
		nmax:      m.MaxSortedUsers,
	}
}

// MatchSuppliers promotes up to amount underlying of supplier volume from
// the pool into P2P, consuming the supply-side delta first (O(1), no
// registry visit). Called when borrow demand or a replacement search needs
// supplier counterparts.
func (e *Engine) MatchSuppliers(m *market.Market, amount *big.Int, budget int) (Result, error) {
	return e.match(m, e.supplySide(m), amount, budget)
}

// MatchBorrowers is the borrow-side mirror, consuming the borrow-side
// delta first. Called when supply arrives or a repayer needs replacing.
func (e *Engine) MatchBorrowers(m *market.Market, amount *big.Int, budget int) (Result, error) {
	return e.match(m, e.borrowSide(m), amount, budget)
}

// UnmatchSuppliers demotes up to amount underlying of matched supplier
// volume back onto the pool. The shortfall past the budget is the caller's
// to record as a fresh supply-side delta.
func (e *Engine) UnmatchSuppliers(m *market.Market, amount *big.Int, budget int) (Result, error) {
	return e.unmatch(m, e.supplySide(m), amount, budget)
}

// UnmatchBorrowers is the borrow-side mirror.
func (e *Engine) UnmatchBorrowers(m *market.Market, amount *big.Int, budget int) (Result, error) {
	return e.unmatch(m, e.borrowSide(m), amount, budget)
}

func (e *Engine) match(m *market.Market, ref sideRef, amount *big.Int, budget int) (Result, error) {
	res := Result{Matched: big.NewInt(0)}
	if amount.Sign() <= 0 {
		return res, nil
	}
	remaining := new(big.Int).Set(amount)

	// Delta-first: consuming the side's pool-parked P2P volume is
	// strictly cheaper than a registry walk and resolves a pre-existing
	// imbalance, so it is always attempted before any traversal.
	consumed, err := consumeDelta(ref.delta, ref.poolIndex, remaining)
	if err != nil {
		return res, err
	}
	remaining.Sub(remaining, consumed)
	res.Matched.Add(res.Matched, consumed)

	for remaining.Sign() > 0 && budget > 0 {
		user, ok := ref.onPool.Head()
		if !ok {
			break
		}
		pos := e.positions.Get(m.Asset, user, ref.side)
		res.Visited++
		budget--

		onPoolUnderlying := ref.poolIndex.MulInt(pos.OnPool)
		if onPoolUnderlying.Sign() == 0 {
			// Scaled dust that rounds to zero underlying: clear it so
			// the head does not spin.
			if err := e.positions.SetOnPool(pos, big.NewInt(0), ref.nmax); err != nil {
				return res, err
			}
			continue
		}

		var matchable, newOnPool *big.Int
		if remaining.Cmp(onPoolUnderlying) >= 0 {
			matchable = onPoolUnderlying
			newOnPool = big.NewInt(0)
		} else {
			matchable = new(big.Int).Set(remaining)
			newOnPool = new(big.Int).Sub(pos.OnPool, ref.poolIndex.DivInt(matchable))
		}
		p2pUnits := ref.p2pIndex.DivInt(matchable)

		// Raise the destination bucket before draining the source: a fully
		// promoted position must never pass through 0/0, or the manager
		// drops it while the in-P2P registry still holds the user.
		if err := e.positions.SetInP2P(pos, new(big.Int).Add(pos.InP2P, p2pUnits), ref.nmax); err != nil {
			return res, err
		}
		if err := e.positions.SetOnPool(pos, newOnPool, ref.nmax); err != nil {
			return res, err
		}
		ref.delta.P2PTotal.Add(ref.delta.P2PTotal, p2pUnits)

		remaining.Sub(remaining, matchable)
		res.Matched.Add(res.Matched, matchable)
	}

	res.Exhausted = budget == 0 && remaining.Sign() > 0
	return res, nil
}

func (e *Engine) unmatch(m *market.Market, ref sideRef, amount *big.Int, budget int) (Result, error) {
	res := Result{Matched: big.NewInt(0)}
	if amount.Sign() <= 0 {
		return res, nil
	}
	remaining := new(big.Int).Set(amount)

	for remaining.Sign() > 0 && budget > 0 {
		user, ok := ref.inP2P.Head()
		if !ok {
			break
		}
		pos := e.positions.Get(m.Asset, user, ref.side)
		res.Visited++
		budget--

		inP2PUnderlying := ref.p2pIndex.MulInt(pos.InP2P)
		if inP2PUnderlying.Sign() == 0 {
			dust := new(big.Int).Set(pos.InP2P)
			if err := e.positions.SetInP2P(pos, big.NewInt(0), ref.nmax); err != nil {
				return res, err
			}
			if err := subTotal(ref.delta, dust); err != nil {
				return res, err
			}
			continue
		}

		var matchable, p2pUnits *big.Int
		if remaining.Cmp(inP2PUnderlying) >= 0 {
			matchable = inP2PUnderlying
			p2pUnits = new(big.Int).Set(pos.InP2P)
		} else {
			matchable = new(big.Int).Set(remaining)
			p2pUnits = ref.p2pIndex.DivInt(matchable)
		}
		poolUnits := ref.poolIndex.DivInt(matchable)

		// Same ordering rule as match: destination up, then source down.
		newInP2P := new(big.Int).Sub(pos.InP2P, p2pUnits)
		if err := e.positions.SetOnPool(pos, new(big.Int).Add(pos.OnPool, poolUnits), ref.nmax); err != nil {
			return res, err
		}
		if err := e.positions.SetInP2P(pos, newInP2P, ref.nmax); err != nil {
			return res, err
		}
		if err := subTotal(ref.delta, p2pUnits); err != nil {
			return res, err
		}

		remaining.Sub(remaining, matchable)
		res.Matched.Add(res.Matched, matchable)
	}

	res.Exhausted = budget == 0 && remaining.Sign() > 0
	return res, nil
}

// consumeDelta reduces the side's P2PDelta by up to remaining underlying
// and returns the consumed underlying amount. The P2P totals are untouched:
// the consumed volume stays in P2P, it just regains a live counterpart.
func consumeDelta(d *market.Delta, poolIndex ray.Ray, remaining *big.Int) (*big.Int, error) {
	if d.P2PDelta.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeltaNegative, d.P2PDelta)
	}
	if d.P2PDelta.Sign() == 0 {
		return big.NewInt(0), nil
	}

	deltaUnderlying := poolIndex.MulInt(d.P2PDelta)
	if remaining.Cmp(deltaUnderlying) >= 0 {
		d.P2PDelta.SetInt64(0)
		return deltaUnderlying, nil
	}

	d.P2PDelta.Sub(d.P2PDelta, poolIndex.DivInt(remaining))
	if d.P2PDelta.Sign() < 0 {
		return nil, fmt.Errorf("%w after partial consume: %s", ErrDeltaNegative, d.P2PDelta)
	}
	return new(big.Int).Set(remaining), nil
}

func subTotal(d *market.Delta, units *big.Int) error {
	d.P2PTotal.Sub(d.P2PTotal, units)
	if d.P2PTotal.Sign() < 0 {
		return fmt.Errorf("%w: p2p total %s", ErrDeltaNegative, d.P2PTotal)
	}
	return nil
}
