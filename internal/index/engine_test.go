package index_test

import (
	"math/big"
	"testing"

	"PeerLend/internal/index"
	"PeerLend/internal/market"
	"PeerLend/internal/pool"
	"PeerLend/internal/ray"
)

func newMarket(t *testing.T, cursor, reserveFactor ray.Ray) (*market.Market, *pool.SimulatedPool, *index.Engine) {
	t.Helper()
	mm := market.NewManager()
	m, err := mm.Create("DAI", ray.Unit, ray.Unit, market.Params{
		Cursor:             cursor,
		ReserveFactor:      reserveFactor,
		MaxSortedUsers:     16,
		DefaultMatchBudget: 64,
	}, 1_000)
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	p := pool.NewSimulatedPool()
	p.AddReserve("DAI", ray.Unit, ray.Unit, big.NewInt(1_000_000))
	return m, p, index.NewEngine(p)
}

func TestUpdateIndexes_CursorReserveBlend(t *testing.T) {
	// cursor = 0.3333, reserveFactor = 0.1, pool growths 1.02 / 1.05:
	// blended      = 1.02*0.6667 + 1.05*0.3333 = 1.0299990
	// p2p supply   = blended - 0.1*(blended - 1.02) = 1.0289991
	// p2p borrow   = blended + 0.1*(1.05 - blended) = 1.0319991
	m, p, eng := newMarket(t, ray.FromFraction(3333, 10_000), ray.FromFraction(1, 10))
	p.Accrue("DAI", ray.MustParse("1.02"), ray.MustParse("1.05"))

	if err := eng.UpdateIndexes(m, 2_000); err != nil {
		t.Fatalf("update: %v", err)
	}

	if got, want := m.P2PSupplyIndex, ray.MustParse("1.0289991"); got.Cmp(want) != 0 {
		t.Errorf("p2p supply index: got %s, want %s", got, want)
	}
	if got, want := m.P2PBorrowIndex, ray.MustParse("1.0319991"); got.Cmp(want) != 0 {
		t.Errorf("p2p borrow index: got %s, want %s", got, want)
	}
	if m.PoolSupplyIndex.Cmp(ray.MustParse("1.02")) != 0 {
		t.Errorf("pool supply snapshot not advanced: %s", m.PoolSupplyIndex)
	}
	if m.LastUpdate != 2_000 {
		t.Errorf("timestamp: got %d, want 2000", m.LastUpdate)
	}
}

func TestUpdateIndexes_IdempotentWithinInstant(t *testing.T) {
	m, p, eng := newMarket(t, ray.FromFraction(1, 2), ray.Zero)
	p.Accrue("DAI", ray.MustParse("1.01"), ray.MustParse("1.03"))

	if err := eng.UpdateIndexes(m, 2_000); err != nil {
		t.Fatalf("first update: %v", err)
	}
	first := *m

	// Pool moves again, but the same instant must be a no-op: a second
	// application would compound the same interval twice.
	p.Accrue("DAI", ray.MustParse("1.5"), ray.MustParse("1.5"))
	if err := eng.UpdateIndexes(m, 2_000); err != nil {
		t.Fatalf("second update: %v", err)
	}

	if m.P2PSupplyIndex.Cmp(first.P2PSupplyIndex) != 0 ||
		m.P2PBorrowIndex.Cmp(first.P2PBorrowIndex) != 0 ||
		m.PoolSupplyIndex.Cmp(first.PoolSupplyIndex) != 0 {
		t.Error("second update at the same timestamp must change nothing")
	}
}

func TestP2PGrowth_ZeroReserveFactor(t *testing.T) {
	s := ray.MustParse("1.02")
	b := ray.MustParse("1.05")
	cursor := ray.FromFraction(1, 3)

	gs, gb := index.P2PGrowth(s, b, cursor, ray.Zero)
	if gs.Cmp(gb) != 0 {
		t.Errorf("with zero reserve factor both growths equal blended: %s vs %s", gs, gb)
	}
	blended := s.Mul(cursor.Complement()).Add(b.Mul(cursor))
	if gs.Cmp(blended) != 0 {
		t.Errorf("growth should equal blended: got %s, want %s", gs, blended)
	}
}

func TestP2PGrowth_FullReserveFactor(t *testing.T) {
	s := ray.MustParse("1.02")
	b := ray.MustParse("1.05")

	gs, gb := index.P2PGrowth(s, b, ray.FromFraction(1, 2), ray.Unit)
	if gs.Cmp(s) != 0 {
		t.Errorf("reserveFactor=1: suppliers earn exactly the pool rate, got %s", gs)
	}
	if gb.Cmp(b) != 0 {
		t.Errorf("reserveFactor=1: borrowers pay exactly the pool rate, got %s", gb)
	}
}

func TestUpdateIndexes_DeltaBackedFractionEarnsPoolRate(t *testing.T) {
	// cursor=1 makes the P2P rate track the borrow rate (1.06); the pool
	// supply rate is 1.04. Half the supply-side P2P total is delta-backed,
	// so the index grows by the average: 1.05.
	m, p, eng := newMarket(t, ray.Unit, ray.Zero)
	m.SupplyDelta.P2PDelta.SetInt64(50)
	m.SupplyDelta.P2PTotal.SetInt64(100)
	p.Accrue("DAI", ray.MustParse("1.04"), ray.MustParse("1.06"))

	if err := eng.UpdateIndexes(m, 2_000); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, want := m.P2PSupplyIndex, ray.MustParse("1.05"); got.Cmp(want) != 0 {
		t.Errorf("p2p supply index: got %s, want %s", got, want)
	}
}

func TestShareOfDelta_ClampedToOne(t *testing.T) {
	// Delta nominally larger than the total it is part of: the clamp
	// holds the share at exactly one.
	share := index.ShareOfDelta(big.NewInt(150), ray.Unit, big.NewInt(100), ray.Unit)
	if share.Cmp(ray.Unit) != 0 {
		t.Errorf("share: got %s, want 1", share)
	}

	// And the resulting index growth equals the pool growth exactly.
	m, p, eng := newMarket(t, ray.Unit, ray.Zero)
	m.SupplyDelta.P2PDelta.SetInt64(150)
	m.SupplyDelta.P2PTotal.SetInt64(100)
	p.Accrue("DAI", ray.MustParse("1.04"), ray.MustParse("1.06"))

	if err := eng.UpdateIndexes(m, 2_000); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, want := m.P2PSupplyIndex, ray.MustParse("1.04"); got.Cmp(want) != 0 {
		t.Errorf("clamped index: got %s, want pool growth %s", got, want)
	}
}

func TestShareOfDelta_ZeroCases(t *testing.T) {
	if s := index.ShareOfDelta(big.NewInt(0), ray.Unit, big.NewInt(100), ray.Unit); !s.IsZero() {
		t.Error("zero delta has zero share")
	}
	if s := index.ShareOfDelta(big.NewInt(10), ray.Unit, big.NewInt(0), ray.Unit); !s.IsZero() {
		t.Error("zero total has zero share")
	}
}

func TestUpdateIndexes_RegressionRejected(t *testing.T) {
	m, p, eng := newMarket(t, ray.FromFraction(1, 2), ray.Zero)
	// Move the market snapshot ahead of the pool.
	m.PoolSupplyIndex = ray.MustParse("2")
	_ = p

	if err := eng.UpdateIndexes(m, 2_000); err == nil {
		t.Fatal("pool index regression must be rejected")
	}
}
