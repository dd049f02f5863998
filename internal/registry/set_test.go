package registry_test

import (
	"PeerLend/internal/registry"
	"math/big"
	"testing"

	"github.com/google/uuid"
)

func val(n int64) *big.Int { return big.NewInt(n) }

// walk collects the ranked prefix from head downward.
func walk(s *registry.Set) []uuid.UUID {
	var out []uuid.UUID
	u, ok := s.Head()
	for ok {
		out = append(out, u)
		u, ok = s.Next(u)
	}
	return out
}

func TestUpsert_SortedDescending(t *testing.T) {
	s := registry.NewSet()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	s.Upsert(b, val(3), 10)
	s.Upsert(a, val(5), 10)
	s.Upsert(c, val(1), 10)

	got := walk(s)
	want := []uuid.UUID{a, b, c}
	if len(got) != 3 {
		t.Fatalf("ranked len: got %d, want 3", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rank %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestUpsert_OverflowBeyondCapacity(t *testing.T) {
	// NMAX=2, entries A=5, B=3, C=1 inserted in that order:
	// ranked prefix = [A, B], overflow = {C}.
	s := registry.NewSet()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	s.Upsert(a, val(5), 2)
	s.Upsert(b, val(3), 2)
	s.Upsert(c, val(1), 2)

	if s.RankedLen() != 2 {
		t.Fatalf("ranked len: got %d, want 2", s.RankedLen())
	}
	if s.Len() != 3 {
		t.Fatalf("total len: got %d, want 3", s.Len())
	}

	h, ok := s.Head()
	if !ok || h != a {
		t.Errorf("head: got %s, want %s", h, a)
	}
	n, ok := s.Next(a)
	if !ok || n != b {
		t.Errorf("next(A): got %s, want %s", n, b)
	}
	if _, ok := s.Next(b); ok {
		t.Error("next(B) should be none — C is in overflow")
	}
	if s.Value(c) == nil {
		t.Error("C should still be readable from overflow")
	}
}

func TestUpsert_DemotesTailWhenOutranked(t *testing.T) {
	s := registry.NewSet()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	s.Upsert(a, val(5), 2)
	s.Upsert(b, val(3), 2)
	// C outranks B: B demoted to overflow.
	s.Upsert(c, val(4), 2)

	got := walk(s)
	if len(got) != 2 || got[0] != a || got[1] != c {
		t.Fatalf("ranked order wrong after demotion: %v", got)
	}
	if s.Value(b) == nil {
		t.Error("B should remain in overflow")
	}
}

func TestUpsert_EqualValueDoesNotEnterFullPrefix(t *testing.T) {
	s := registry.NewSet()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	s.Upsert(a, val(5), 2)
	s.Upsert(b, val(3), 2)
	// Equal to tail: strictly-greater rule keeps it out.
	s.Upsert(c, val(3), 2)

	got := walk(s)
	if len(got) != 2 || got[1] != b {
		t.Errorf("tail should remain B, got %v", got)
	}
}

func TestUpsert_TiesKeepInsertionOrder(t *testing.T) {
	s := registry.NewSet()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	s.Upsert(a, val(3), 10)
	s.Upsert(b, val(3), 10)
	s.Upsert(c, val(3), 10)

	got := walk(s)
	want := []uuid.UUID{a, b, c}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tie order broken: %v", got)
		}
	}
}

func TestUpsert_RepositionExisting(t *testing.T) {
	s := registry.NewSet()
	a, b := uuid.New(), uuid.New()

	s.Upsert(a, val(5), 10)
	s.Upsert(b, val(3), 10)
	// B grows past A.
	s.Upsert(b, val(7), 10)

	h, _ := s.Head()
	if h != b {
		t.Errorf("head after reposition: got %s, want %s", h, b)
	}
	if s.Len() != 2 {
		t.Errorf("user must appear at most once, len=%d", s.Len())
	}
}

func TestUpsert_ZeroValueRemoves(t *testing.T) {
	s := registry.NewSet()
	a := uuid.New()

	s.Upsert(a, val(5), 10)
	s.Upsert(a, val(0), 10)

	if s.Contains(a) {
		t.Error("zero-value upsert should remove the entry")
	}
}

func TestRemove_HeadPromotesNext(t *testing.T) {
	s := registry.NewSet()
	a, b := uuid.New(), uuid.New()

	s.Upsert(a, val(5), 10)
	s.Upsert(b, val(3), 10)
	s.Remove(a)

	h, ok := s.Head()
	if !ok || h != b {
		t.Errorf("head after removing old head: got %s, want %s", h, b)
	}
}

func TestRemove_FromOverflow(t *testing.T) {
	s := registry.NewSet()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	s.Upsert(a, val(5), 2)
	s.Upsert(b, val(3), 2)
	s.Upsert(c, val(1), 2)

	s.Remove(c)
	if s.Contains(c) {
		t.Error("overflow removal failed")
	}
	// No promotion from overflow on ranked removal.
	s.Upsert(c, val(1), 2)
	s.Remove(b)
	if s.RankedLen() != 1 {
		t.Errorf("overflow entries are not promoted on removal, ranked=%d", s.RankedLen())
	}
}

func TestOverflowEntry_PromotedOnUpsert(t *testing.T) {
	s := registry.NewSet()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	s.Upsert(a, val(5), 2)
	s.Upsert(b, val(3), 2)
	s.Upsert(c, val(1), 2)

	// C's balance grows past the tail: next upsert promotes it.
	s.Upsert(c, val(4), 2)
	got := walk(s)
	if len(got) != 2 || got[0] != a || got[1] != c {
		t.Errorf("expected [A C] after overflow promotion, got %v", got)
	}
}

func TestUpsert_ConvergesAfterCapacityShrink(t *testing.T) {
	// Four ranked entries, then the market's NMAX drops to 2. A single
	// subsequent upsert — even one that lands in overflow — must shed
	// every excess tail at once.
	s := registry.NewSet()
	a, b, c, d, e := uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()

	s.Upsert(a, val(9), 4)
	s.Upsert(b, val(7), 4)
	s.Upsert(c, val(5), 4)
	s.Upsert(d, val(3), 4)

	s.Upsert(e, val(1), 2)

	if s.RankedLen() != 2 {
		t.Fatalf("ranked len after shrink: got %d, want 2", s.RankedLen())
	}
	got := walk(s)
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("expected [A B] ranked after shrink, got %v", got)
	}
	for _, u := range []uuid.UUID{c, d, e} {
		if s.Value(u) == nil {
			t.Errorf("demoted entry %s must survive in overflow", u)
		}
	}
	if s.Len() != 5 {
		t.Errorf("total len: got %d, want 5", s.Len())
	}
}

func TestClone_Independent(t *testing.T) {
	s := registry.NewSet()
	a, b := uuid.New(), uuid.New()
	s.Upsert(a, val(5), 2)
	s.Upsert(b, val(3), 2)

	c := s.Clone()
	c.Remove(a)

	if !s.Contains(a) {
		t.Error("mutating the clone must not affect the original")
	}
	h, _ := c.Head()
	if h != b {
		t.Error("clone should behave like the original after divergence")
	}
}
