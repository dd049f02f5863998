package market

import (
	"math/big"

	"PeerLend/internal/ray"
)

// Market is the per-asset accounting entity: pool index snapshots, P2P
// indices, rate parameters, lifecycle flags, and the per-side deltas.
// Created once by an administrative action, mutated by the index engine
// on every update, never destroyed.
type Market struct {
	Asset string

	// Pool index snapshots captured at the last index update (ray).
	PoolSupplyIndex ray.Ray
	PoolBorrowIndex ray.Ray

	// P2P growth indices (ray). One P2P unit of supply is worth
	// P2PSupplyIndex underlying (divided by one ray).
	P2PSupplyIndex ray.Ray
	P2PBorrowIndex ray.Ray

	// LastUpdate is the versioned timestamp (unix micros) of the last
	// index update. The core never reads the wall clock.
	LastUpdate int64

	// Cursor is the blend point in [0,1] between the pool supply rate
	// (0) and the pool borrow rate (1) for the P2P mid-rate.
	Cursor ray.Ray

	// ReserveFactor in [0,1] is the protocol's cut of the P2P spread.
	ReserveFactor ray.Ray

	// MaxSortedUsers bounds the ranked prefix of each registry (NMAX).
	MaxSortedUsers int

	// DefaultMatchBudget is the iteration budget applied when a flow
	// does not carry an explicit budget.
	DefaultMatchBudget int

	Flags Flags

	// SupplyDelta tracks supply-side P2P volume that actually sits on
	// the pool; BorrowDelta is the borrow-side mirror.
	SupplyDelta Delta
	BorrowDelta Delta

	Version int64
}

// Flags holds the market lifecycle switches. Administration may flip
// these between any two calls; the core re-reads them per operation.
type Flags struct {
	Created bool
	// Paused blocks every flow on the market.
	Paused bool
	// PartiallyPaused blocks new supply/borrow but keeps exits
	// (withdraw/repay) open.
	PartiallyPaused bool
	// P2PDisabled routes all volume through the pool: matching is
	// skipped entirely, deltas stay untouched.
	P2PDisabled bool
}

// Delta is one side's imbalance accounting.
// P2PDelta (pool-scaled units) is matched volume with no live counterpart,
// parked on the pool. P2PTotal (P2P units) is the side's total outstanding
// P2P volume. Invariant: P2PDelta >= 0, enforced by the matching engine.
type Delta struct {
	P2PDelta *big.Int
	P2PTotal *big.Int
}

func newDelta() Delta {
	return Delta{P2PDelta: big.NewInt(0), P2PTotal: big.NewInt(0)}
}

// Params is the administrative parameter set applied at creation or via
// a parameter update.
type Params struct {
	Cursor             ray.Ray
	ReserveFactor      ray.Ray
	MaxSortedUsers     int
	DefaultMatchBudget int
}

// Clone deep-copies the market for the core's pre-flow snapshot.
func (m *Market) Clone() *Market {
	c := *m
	c.SupplyDelta = Delta{
		P2PDelta: new(big.Int).Set(m.SupplyDelta.P2PDelta),
		P2PTotal: new(big.Int).Set(m.SupplyDelta.P2PTotal),
	}
	c.BorrowDelta = Delta{
		P2PDelta: new(big.Int).Set(m.BorrowDelta.P2PDelta),
		P2PTotal: new(big.Int).Set(m.BorrowDelta.P2PTotal),
	}
	return &c
}
