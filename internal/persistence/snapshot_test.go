package persistence_test

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"PeerLend/internal/core"
	"PeerLend/internal/market"
	"PeerLend/internal/persistence"
	"PeerLend/internal/position"
	"PeerLend/internal/ray"
)

func testSnapshotState(t *testing.T) *core.SnapshotState {
	t.Helper()

	cursor, err := ray.Parse("0.5")
	if err != nil {
		t.Fatalf("parse cursor: %v", err)
	}
	rf, err := ray.Parse("0.1")
	if err != nil {
		t.Fatalf("parse reserve factor: %v", err)
	}

	// Index raw values wider than int64 to exercise the string encoding.
	bigIdx, _ := new(big.Int).SetString("1023456789012345678901234567", 10)

	m := &market.Market{
		Asset:              "DAI",
		PoolSupplyIndex:    ray.FromBig(bigIdx),
		PoolBorrowIndex:    ray.Unit,
		P2PSupplyIndex:     ray.Unit,
		P2PBorrowIndex:     ray.FromBig(bigIdx),
		LastUpdate:         1709294400000000,
		Cursor:             cursor,
		ReserveFactor:      rf,
		MaxSortedUsers:     16,
		DefaultMatchBudget: 32,
		Flags:              market.Flags{Created: true, PartiallyPaused: true},
		SupplyDelta:        market.Delta{P2PDelta: big.NewInt(250), P2PTotal: big.NewInt(1000)},
		BorrowDelta:        market.Delta{P2PDelta: big.NewInt(0), P2PTotal: big.NewInt(1000)},
		Version:            7,
	}

	var hash [32]byte
	for i := range hash {
		hash[i] = byte(i)
	}

	return &core.SnapshotState{
		Sequence:  42,
		StateHash: hash,
		Markets:   []*market.Market{m},
		Positions: []*position.Position{
			{
				Market:  "DAI",
				User:    uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
				Side:    position.SideSupply,
				OnPool:  big.NewInt(500),
				InP2P:   big.NewInt(1000),
				Version: 3,
			},
			{
				Market:  "DAI",
				User:    uuid.MustParse("660e8400-e29b-41d4-a716-446655440001"),
				Side:    position.SideBorrow,
				OnPool:  big.NewInt(0),
				InP2P:   big.NewInt(1000),
				Version: 2,
			},
		},
		SequenceState:   map[string]int64{"market:DAI": 43},
		IdempotencyKeys: []string{"SupplyRequested:abc", "BorrowRequested:def"},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	orig := testSnapshotState(t)

	sd := persistence.FromCoreSnapshot(orig)

	// Exercise the on-disk form too: JSON is what lands in Postgres.
	data, err := json.Marshal(sd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded persistence.SnapshotData
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	restored, err := decoded.ToCoreSnapshot()
	if err != nil {
		t.Fatalf("to core snapshot: %v", err)
	}

	if restored.Sequence != orig.Sequence {
		t.Errorf("sequence: got %d, want %d", restored.Sequence, orig.Sequence)
	}
	if restored.StateHash != orig.StateHash {
		t.Errorf("state hash mismatch")
	}
	if len(restored.Markets) != 1 {
		t.Fatalf("markets: got %d, want 1", len(restored.Markets))
	}

	m, om := restored.Markets[0], orig.Markets[0]
	if m.PoolSupplyIndex.Big().Cmp(om.PoolSupplyIndex.Big()) != 0 {
		t.Errorf("pool supply index: got %s, want %s", m.PoolSupplyIndex.Big(), om.PoolSupplyIndex.Big())
	}
	if m.Cursor.Big().Cmp(om.Cursor.Big()) != 0 {
		t.Errorf("cursor: got %s, want %s", m.Cursor.Big(), om.Cursor.Big())
	}
	if !m.Flags.Created {
		t.Error("restored market must be marked created")
	}
	if !m.Flags.PartiallyPaused || m.Flags.Paused {
		t.Errorf("flags: %+v", m.Flags)
	}
	if m.SupplyDelta.P2PDelta.Int64() != 250 || m.BorrowDelta.P2PTotal.Int64() != 1000 {
		t.Errorf("deltas: supply=%s borrowTotal=%s", m.SupplyDelta.P2PDelta, m.BorrowDelta.P2PTotal)
	}
	if m.MaxSortedUsers != 16 || m.DefaultMatchBudget != 32 || m.Version != 7 {
		t.Errorf("params: %+v", m)
	}

	if len(restored.Positions) != 2 {
		t.Fatalf("positions: got %d, want 2", len(restored.Positions))
	}
	p, op := restored.Positions[0], orig.Positions[0]
	if p.User != op.User || p.Side != op.Side ||
		p.OnPool.Cmp(op.OnPool) != 0 || p.InP2P.Cmp(op.InP2P) != 0 || p.Version != op.Version {
		t.Errorf("position round trip mismatch: %+v", p)
	}

	if restored.SequenceState["market:DAI"] != 43 {
		t.Errorf("sequence state: %+v", restored.SequenceState)
	}
	if len(restored.IdempotencyKeys) != 2 {
		t.Errorf("idempotency keys: %v", restored.IdempotencyKeys)
	}
}

func TestSnapshotBadHashLength(t *testing.T) {
	sd := persistence.FromCoreSnapshot(testSnapshotState(t))
	sd.StateHash = sd.StateHash[:16]
	if _, err := sd.ToCoreSnapshot(); err == nil {
		t.Fatal("expected error for truncated state hash")
	}
}

func TestSnapshotMalformedNumber(t *testing.T) {
	sd := persistence.FromCoreSnapshot(testSnapshotState(t))
	sd.Markets[0].PoolSupplyIndex = "not-a-number"
	if _, err := sd.ToCoreSnapshot(); err == nil {
		t.Fatal("expected error for malformed index")
	}
}
