package lkb

import (
	"testing"

	"github.com/marmos91/godlm/internal/dlm/modes"
)

func TestIDPacksNodeAndSeq(t *testing.T) {
	id := NewID(42, 7)
	if id.NodeID() != 42 {
		t.Fatalf("expected node id 42, got %d", id.NodeID())
	}
	if id.Seq() != 7 {
		t.Fatalf("expected seq 7, got %d", id.Seq())
	}
	if id.String() != "42/7" {
		t.Fatalf("unexpected String(): %s", id.String())
	}
}

func TestRangeEndUnbounded(t *testing.T) {
	r := Range{Offset: 10, Length: 0}
	if r.End() != ^uint64(0) {
		t.Fatalf("expected unbounded end, got %d", r.End())
	}
}

func TestRangeEndBounded(t *testing.T) {
	r := Range{Offset: 10, Length: 5}
	if r.End() != 15 {
		t.Fatalf("expected end 15, got %d", r.End())
	}
}

func TestRangeOverlaps(t *testing.T) {
	a := Range{Offset: 0, Length: 10}
	b := Range{Offset: 5, Length: 10}
	c := Range{Offset: 10, Length: 10}

	if !a.Overlaps(b) {
		t.Fatal("expected a and b to overlap")
	}
	if a.Overlaps(c) {
		t.Fatal("expected a and c not to overlap (exclusive end)")
	}
	if !WholeRange.Overlaps(a) {
		t.Fatal("expected WholeRange to overlap everything")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateNew:       "new",
		StateWaiting:   "waiting",
		StateConverting: "converting",
		StateGranted:   "granted",
		StateCancelled: "cancelled",
		State(99):      "invalid",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestConflicts(t *testing.T) {
	l := New(NewID(1, 1), "res", "owner-a", 1, modes.EX, Range{Offset: 0, Length: 100}, Flags{}, nil, nil)
	l.Granted = modes.EX
	l.State = StateGranted

	if l.Conflicts("owner-a", modes.EX, WholeRange) {
		t.Fatal("an owner's own lock should never conflict with itself")
	}
	if !l.Conflicts("owner-b", modes.CR, WholeRange) {
		t.Fatal("EX granted should conflict with any other owner's request")
	}

	disjoint := Range{Offset: 1000, Length: 10}
	if l.Conflicts("owner-b", modes.EX, disjoint) {
		t.Fatal("non-overlapping ranges should never conflict")
	}

	compatible := New(NewID(1, 2), "res", "owner-c", 1, modes.NL, WholeRange, Flags{}, nil, nil)
	compatible.Granted = modes.CR
	if compatible.Conflicts("owner-d", modes.CR, WholeRange) {
		t.Fatal("CR granted should be compatible with a CR request")
	}
}

func TestNewSetsDefaults(t *testing.T) {
	lvb := []byte("seed")
	l := New(NewID(3, 1), "res", "owner", 3, modes.PW, WholeRange, Flags{Valblk: true}, lvb, nil)
	if l.State != StateNew {
		t.Fatalf("expected StateNew, got %v", l.State)
	}
	if l.Granted != modes.NL {
		t.Fatalf("expected Granted to start at NL, got %v", l.Granted)
	}
	if l.Requested != modes.PW {
		t.Fatalf("expected Requested PW, got %v", l.Requested)
	}
	if l.RequestedAt.IsZero() {
		t.Fatal("expected RequestedAt to be set")
	}
	if string(l.LVB) != "seed" {
		t.Fatalf("expected LVB to be carried from New, got %q", l.LVB)
	}
}
