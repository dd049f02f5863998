package core_test

import (
	"math/big"
	"testing"
	"time"

	"PeerLend/internal/core"
	"PeerLend/internal/event"
	"PeerLend/internal/pool"
	"PeerLend/internal/ray"

	"github.com/google/uuid"
)

// testEnv wires a core against a simulated pool with one created market
// ("DAI", cursor 0.5, zero reserve factor, unit indices).
type testEnv struct {
	core    *core.Engine
	pool    *pool.SimulatedPool
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
	seq     int64
	now     int64 // unix micros
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	p := pool.NewSimulatedPool()
	p.AddReserve("DAI", ray.Unit, ray.Unit, big.NewInt(1_000_000))

	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	eng := core.NewEngine(0, p, persist, proj, nil, nil)

	env := &testEnv{core: eng, pool: p, persist: persist, proj: proj, now: 1_000_000}
	env.mustProcess(t, &event.MarketCreated{
		RequestID:          uuid.New(),
		Asset:              "DAI",
		Cursor:             "0.5",
		ReserveFactor:      "0",
		MaxSortedUsers:     16,
		DefaultMatchBudget: 64,
		Timestamp:          env.tick(),
		Sequence:           env.nextSeq(),
	})
	return env
}

func (env *testEnv) nextSeq() int64 {
	s := env.seq
	env.seq++
	return s
}

func (env *testEnv) tick() time.Time {
	env.now += 1_000
	return time.UnixMicro(env.now)
}

func (env *testEnv) mustProcess(t *testing.T, evt event.Event) {
	t.Helper()
	if err := env.core.ProcessEvent(evt); err != nil {
		t.Fatalf("process %s: %v", evt.EventType(), err)
	}
}

func (env *testEnv) supplyEvt(user uuid.UUID, amount int64, budget int) *event.SupplyRequested {
	return &event.SupplyRequested{
		RequestID:   uuid.New(),
		UserID:      user,
		Asset:       "DAI",
		Amount:      big.NewInt(amount),
		MatchBudget: budget,
		Timestamp:   env.tick(),
		Sequence:    env.nextSeq(),
	}
}

func (env *testEnv) borrowEvt(user uuid.UUID, amount int64, budget int) *event.BorrowRequested {
	return &event.BorrowRequested{
		RequestID:   uuid.New(),
		UserID:      user,
		Asset:       "DAI",
		Amount:      big.NewInt(amount),
		MatchBudget: budget,
		Timestamp:   env.tick(),
		Sequence:    env.nextSeq(),
	}
}

func (env *testEnv) withdrawEvt(user uuid.UUID, amount int64, budget int) *event.WithdrawRequested {
	return &event.WithdrawRequested{
		RequestID:   uuid.New(),
		UserID:      user,
		Asset:       "DAI",
		Amount:      big.NewInt(amount),
		MatchBudget: budget,
		Timestamp:   env.tick(),
		Sequence:    env.nextSeq(),
	}
}

func (env *testEnv) repayEvt(user uuid.UUID, amount int64, budget int) *event.RepayRequested {
	return &event.RepayRequested{
		RequestID:   uuid.New(),
		UserID:      user,
		Asset:       "DAI",
		Amount:      big.NewInt(amount),
		MatchBudget: budget,
		Timestamp:   env.tick(),
		Sequence:    env.nextSeq(),
	}
}

func (env *testEnv) pauseEvt(paused, partial, p2pDisabled bool) *event.MarketPauseUpdate {
	return &event.MarketPauseUpdate{
		RequestID:       uuid.New(),
		Asset:           "DAI",
		Paused:          paused,
		PartiallyPaused: partial,
		P2PDisabled:     p2pDisabled,
		Timestamp:       env.tick(),
		Sequence:        env.nextSeq(),
	}
}

func (env *testEnv) supplyBalance(t *testing.T, user uuid.UUID) core.Balance {
	t.Helper()
	b, err := env.core.SupplyBalance("DAI", user)
	if err != nil {
		t.Fatalf("supply balance: %v", err)
	}
	return b
}

func (env *testEnv) borrowBalance(t *testing.T, user uuid.UUID) core.Balance {
	t.Helper()
	b, err := env.core.BorrowBalance("DAI", user)
	if err != nil {
		t.Fatalf("borrow balance: %v", err)
	}
	return b
}

func wantInt(t *testing.T, name string, got *big.Int, want int64) {
	t.Helper()
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Errorf("%s: got %s, want %d", name, got, want)
	}
}

// checkConservation asserts the matched-volume identity: the supply side's
// live P2P value equals the borrow side's, once each side's delta-backed
// portion is taken out. Exact with unit indices.
func checkConservation(t *testing.T, env *testEnv) {
	t.Helper()
	m, err := env.core.MarketState("DAI")
	if err != nil {
		t.Fatalf("market state: %v", err)
	}
	supplyLive := new(big.Int).Sub(
		m.P2PSupplyIndex.MulInt(m.SupplyDelta.P2PTotal),
		m.PoolSupplyIndex.MulInt(m.SupplyDelta.P2PDelta),
	)
	borrowLive := new(big.Int).Sub(
		m.P2PBorrowIndex.MulInt(m.BorrowDelta.P2PTotal),
		m.PoolBorrowIndex.MulInt(m.BorrowDelta.P2PDelta),
	)
	if supplyLive.Cmp(borrowLive) != 0 {
		t.Errorf("matched volume mismatch: supply side %s, borrow side %s", supplyLive, borrowLive)
	}
}
