package matching_test

import (
	"math/big"
	"testing"

	"PeerLend/internal/market"
	"PeerLend/internal/matching"
	"PeerLend/internal/position"
	"PeerLend/internal/ray"

	"github.com/google/uuid"
)

// newTestMarket builds a created market with unit indices so underlying
// amounts equal scaled units, keeping expectations readable.
func newTestMarket(t *testing.T) (*market.Manager, *market.Market) {
	t.Helper()
	mm := market.NewManager()
	m, err := mm.Create("DAI", ray.Unit, ray.Unit, market.Params{
		Cursor:             ray.FromFraction(1, 2),
		ReserveFactor:      ray.Zero,
		MaxSortedUsers:     16,
		DefaultMatchBudget: 64,
	}, 1)
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return mm, m
}

func addBorrowerOnPool(t *testing.T, pm *position.Manager, m *market.Market, amount int64) uuid.UUID {
	t.Helper()
	user := uuid.New()
	pos := pm.GetOrCreate(m.Asset, user, position.SideBorrow)
	if err := pm.SetOnPool(pos, big.NewInt(amount), m.MaxSortedUsers); err != nil {
		t.Fatalf("seed borrower: %v", err)
	}
	return user
}

func addSupplierOnPool(t *testing.T, pm *position.Manager, m *market.Market, amount int64) uuid.UUID {
	t.Helper()
	user := uuid.New()
	pos := pm.GetOrCreate(m.Asset, user, position.SideSupply)
	if err := pm.SetOnPool(pos, big.NewInt(amount), m.MaxSortedUsers); err != nil {
		t.Fatalf("seed supplier: %v", err)
	}
	return user
}

func TestMatchBorrowers_DeltaFirst(t *testing.T) {
	_, m := newTestMarket(t)
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	// Existing borrow-side imbalance of 40 pool units; a supply of 100
	// arrives. The first 40 must come from the delta with zero registry
	// visits, before the remaining 60 touch the registry.
	m.BorrowDelta.P2PDelta.SetInt64(40)
	m.BorrowDelta.P2PTotal.SetInt64(40)
	addBorrowerOnPool(t, pm, m, 60)

	res, err := eng.MatchBorrowers(m, big.NewInt(100), 64)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Matched.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("matched: got %s, want 100", res.Matched)
	}
	if res.Visited != 1 {
		t.Errorf("visited: got %d, want 1 (delta consumption is free)", res.Visited)
	}
	if m.BorrowDelta.P2PDelta.Sign() != 0 {
		t.Errorf("delta should be fully consumed, got %s", m.BorrowDelta.P2PDelta)
	}
}

func TestMatchBorrowers_DeltaConsumedEvenWithZeroBudget(t *testing.T) {
	_, m := newTestMarket(t)
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	m.BorrowDelta.P2PDelta.SetInt64(40)
	m.BorrowDelta.P2PTotal.SetInt64(40)
	addBorrowerOnPool(t, pm, m, 60)

	res, err := eng.MatchBorrowers(m, big.NewInt(100), 0)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Matched.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("matched: got %s, want 40 from delta alone", res.Matched)
	}
	if res.Visited != 0 {
		t.Errorf("visited: got %d, want 0", res.Visited)
	}
	if !res.Exhausted {
		t.Error("budget of 0 with volume remaining should report exhaustion")
	}
}

func TestMatch_BudgetRespected(t *testing.T) {
	_, m := newTestMarket(t)
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	for i := 0; i < 5; i++ {
		addBorrowerOnPool(t, pm, m, 10)
	}

	res, err := eng.MatchBorrowers(m, big.NewInt(100), 2)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Visited != 2 {
		t.Errorf("visited: got %d, want exactly the budget", res.Visited)
	}
	if res.Matched.Cmp(big.NewInt(20)) != 0 {
		t.Errorf("matched: got %s, want 20", res.Matched)
	}
	if !res.Exhausted {
		t.Error("should report budget exhaustion")
	}
}

func TestMatch_NeverMovesMoreThanAmount(t *testing.T) {
	_, m := newTestMarket(t)
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	user := addBorrowerOnPool(t, pm, m, 50)

	res, err := eng.MatchBorrowers(m, big.NewInt(30), 64)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Matched.Cmp(big.NewInt(30)) != 0 {
		t.Errorf("matched: got %s, want 30", res.Matched)
	}
	pos := pm.Get(m.Asset, user, position.SideBorrow)
	if pos.OnPool.Cmp(big.NewInt(20)) != 0 {
		t.Errorf("borrower onPool: got %s, want 20", pos.OnPool)
	}
	if pos.InP2P.Cmp(big.NewInt(30)) != 0 {
		t.Errorf("borrower inP2P: got %s, want 30", pos.InP2P)
	}
	if m.BorrowDelta.P2PTotal.Cmp(big.NewInt(30)) != 0 {
		t.Errorf("borrow p2p total: got %s, want 30", m.BorrowDelta.P2PTotal)
	}
}

func TestMatch_FullConvergenceWithUnlimitedBudget(t *testing.T) {
	_, m := newTestMarket(t)
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	for i := 0; i < 20; i++ {
		addSupplierOnPool(t, pm, m, 7)
	}

	res, err := eng.MatchSuppliers(m, big.NewInt(140), 1<<30)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Matched.Cmp(big.NewInt(140)) != 0 {
		t.Errorf("matched: got %s, want full 140", res.Matched)
	}
	if res.Exhausted {
		t.Error("unlimited budget cannot exhaust")
	}
	if pm.Books(m.Asset).SuppliersOnPool.Len() != 0 {
		t.Error("all suppliers should have left the on-pool book")
	}
}

func TestMatch_RegistryExhaustedIsNotBudgetExhaustion(t *testing.T) {
	_, m := newTestMarket(t)
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	addSupplierOnPool(t, pm, m, 10)

	res, err := eng.MatchSuppliers(m, big.NewInt(100), 64)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Matched.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("matched: got %s, want 10", res.Matched)
	}
	if res.Exhausted {
		t.Error("an empty registry is not budget exhaustion")
	}
}

func TestMatch_WalksHeadDownward(t *testing.T) {
	_, m := newTestMarket(t)
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	small := addBorrowerOnPool(t, pm, m, 5)
	big1 := addBorrowerOnPool(t, pm, m, 100)

	res, err := eng.MatchBorrowers(m, big.NewInt(50), 1)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Matched.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("matched: got %s, want 50 from the largest borrower", res.Matched)
	}
	if pm.Get(m.Asset, big1, position.SideBorrow).InP2P.Sign() == 0 {
		t.Error("largest borrower should have been matched first")
	}
	if pm.Get(m.Asset, small, position.SideBorrow).InP2P.Sign() != 0 {
		t.Error("smaller borrower should be untouched")
	}
}

func TestMatch_FullPromotionKeepsPositionVisible(t *testing.T) {
	_, m := newTestMarket(t)
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	user := addSupplierOnPool(t, pm, m, 50)

	res, err := eng.MatchSuppliers(m, big.NewInt(50), 64)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Matched.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("matched: got %s, want 50", res.Matched)
	}

	// The whole balance moved buckets; the position itself must survive.
	pos := pm.Get(m.Asset, user, position.SideSupply)
	if pos == nil {
		t.Fatal("fully promoted supplier vanished from the manager")
	}
	if pos.OnPool.Sign() != 0 {
		t.Errorf("onPool: got %s, want 0", pos.OnPool)
	}
	if pos.InP2P.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("inP2P: got %s, want 50", pos.InP2P)
	}
	books := pm.Books(m.Asset)
	if books.SuppliersOnPool.Contains(user) {
		t.Error("user should have left the on-pool book")
	}
	if !books.SuppliersInP2P.Contains(user) {
		t.Error("user should be ranked in the in-P2P book")
	}
}

func TestUnmatch_FullDemotionOfFullyMatchedSupplier(t *testing.T) {
	_, m := newTestMarket(t)
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	// A fully matched supplier has zero onPool — the typical counterpart
	// to demote when borrow volume leaves.
	user := addSupplierOnPool(t, pm, m, 50)
	if _, err := eng.MatchSuppliers(m, big.NewInt(50), 64); err != nil {
		t.Fatalf("setup match: %v", err)
	}

	res, err := eng.UnmatchSuppliers(m, big.NewInt(50), 64)
	if err != nil {
		t.Fatalf("unmatch: %v", err)
	}
	if res.Matched.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("unmatched: got %s, want 50", res.Matched)
	}

	pos := pm.Get(m.Asset, user, position.SideSupply)
	if pos == nil {
		t.Fatal("fully demoted supplier vanished from the manager")
	}
	if pos.InP2P.Sign() != 0 {
		t.Errorf("inP2P: got %s, want 0", pos.InP2P)
	}
	if pos.OnPool.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("onPool: got %s, want 50", pos.OnPool)
	}
	books := pm.Books(m.Asset)
	if books.SuppliersInP2P.Contains(user) {
		t.Error("user should have left the in-P2P book")
	}
	if !books.SuppliersOnPool.Contains(user) {
		t.Error("user should be back in the on-pool book")
	}
	if m.SupplyDelta.P2PTotal.Sign() != 0 {
		t.Errorf("supply p2p total: got %s, want 0", m.SupplyDelta.P2PTotal)
	}
}

func TestUnmatchBorrowers_MovesBackToPool(t *testing.T) {
	_, m := newTestMarket(t)
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	addBorrowerOnPool(t, pm, m, 80)
	if _, err := eng.MatchBorrowers(m, big.NewInt(80), 64); err != nil {
		t.Fatalf("setup match: %v", err)
	}

	res, err := eng.UnmatchBorrowers(m, big.NewInt(30), 64)
	if err != nil {
		t.Fatalf("unmatch: %v", err)
	}
	if res.Matched.Cmp(big.NewInt(30)) != 0 {
		t.Errorf("unmatched: got %s, want 30", res.Matched)
	}
	if m.BorrowDelta.P2PTotal.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("borrow p2p total: got %s, want 50", m.BorrowDelta.P2PTotal)
	}
}

func TestUnmatch_BudgetExhaustionLeavesRemainder(t *testing.T) {
	_, m := newTestMarket(t)
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	for i := 0; i < 4; i++ {
		addBorrowerOnPool(t, pm, m, 10)
	}
	if _, err := eng.MatchBorrowers(m, big.NewInt(40), 64); err != nil {
		t.Fatalf("setup match: %v", err)
	}

	res, err := eng.UnmatchBorrowers(m, big.NewInt(40), 2)
	if err != nil {
		t.Fatalf("unmatch: %v", err)
	}
	if res.Matched.Cmp(big.NewInt(20)) != 0 {
		t.Errorf("unmatched: got %s, want 20", res.Matched)
	}
	if !res.Exhausted {
		t.Error("should report exhaustion — remainder becomes fresh delta upstream")
	}
}

func TestMatch_NegativeDeltaRejected(t *testing.T) {
	_, m := newTestMarket(t)
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	m.BorrowDelta.P2PDelta.SetInt64(-1)

	if _, err := eng.MatchBorrowers(m, big.NewInt(10), 64); err == nil {
		t.Fatal("negative delta must abort the operation")
	}
}

func TestMatch_NonUnitIndices(t *testing.T) {
	mm := market.NewManager()
	m, err := mm.Create("DAI", ray.MustParse("1.1"), ray.MustParse("1.2"), market.Params{
		Cursor:             ray.FromFraction(1, 2),
		ReserveFactor:      ray.Zero,
		MaxSortedUsers:     16,
		DefaultMatchBudget: 64,
	}, 1)
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	pm := position.NewManager()
	eng := matching.NewEngine(pm)

	// 120 scaled borrow units at index 1.2 = 144 underlying.
	user := uuid.New()
	pos := pm.GetOrCreate(m.Asset, user, position.SideBorrow)
	if err := pm.SetOnPool(pos, big.NewInt(120), m.MaxSortedUsers); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := eng.MatchBorrowers(m, big.NewInt(144), 64)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Matched.Cmp(big.NewInt(144)) != 0 {
		t.Errorf("matched: got %s, want 144", res.Matched)
	}
	got := pm.Get(m.Asset, user, position.SideBorrow)
	if got.OnPool.Sign() != 0 {
		t.Errorf("onPool should be drained, got %s", got.OnPool)
	}
	// 144 underlying at a unit P2P index = 144 P2P units.
	if got.InP2P.Cmp(big.NewInt(144)) != 0 {
		t.Errorf("inP2P: got %s, want 144", got.InP2P)
	}
}
