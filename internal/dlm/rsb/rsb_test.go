package rsb

import (
	"testing"

	"github.com/marmos91/godlm/internal/dlm/lkb"
	"github.com/marmos91/godlm/internal/dlm/modes"
)

func newLKB(id uint64, owner string, m modes.Mode) *lkb.LKB {
	return lkb.New(lkb.NewID(1, id), "res", owner, 1, m, lkb.WholeRange, lkb.Flags{}, nil, nil)
}

func TestRSBEmpty(t *testing.T) {
	r := New("res", 1, 1)
	if !r.Empty() {
		t.Fatal("new RSB should be empty")
	}

	l := newLKB(1, "a", modes.EX)
	r.AddGranted(l)
	if r.Empty() {
		t.Fatal("RSB with a granted LKB should not be empty")
	}

	r.RemoveGranted(l)
	if !r.Empty() {
		t.Fatal("RSB should be empty after removing its only LKB")
	}
}

func TestRSBAddSetsStateAndQueue(t *testing.T) {
	r := New("res", 1, 1)

	g := newLKB(1, "a", modes.EX)
	r.AddGranted(g)
	if g.State != lkb.StateGranted || g.Granted != modes.EX {
		t.Fatalf("AddGranted did not set state/mode: %+v", g)
	}

	c := newLKB(2, "b", modes.PW)
	r.AddConverting(c)
	if c.State != lkb.StateConverting {
		t.Fatalf("AddConverting did not set state: %+v", c)
	}

	w := newLKB(3, "c", modes.CR)
	r.AddWaiting(w)
	if w.State != lkb.StateWaiting {
		t.Fatalf("AddWaiting did not set state: %+v", w)
	}

	all := r.AllLKBs()
	if len(all) != 3 || all[0] != g || all[1] != c || all[2] != w {
		t.Fatalf("AllLKBs did not return granted/converting/waiting in order: %+v", all)
	}
}

func TestRSBRemoveIsNoopWhenAbsent(t *testing.T) {
	r := New("res", 1, 1)
	l := newLKB(1, "a", modes.EX)
	r.RemoveGranted(l) // must not panic
	if !r.Empty() {
		t.Fatal("removing an absent LKB should not change the RSB")
	}
}

func TestRSBFindByID(t *testing.T) {
	r := New("res", 1, 1)
	g := newLKB(1, "a", modes.EX)
	w := newLKB(2, "b", modes.CR)
	r.AddGranted(g)
	r.AddWaiting(w)

	if got := r.FindByID(g.ID); got != g {
		t.Fatalf("FindByID did not find granted LKB")
	}
	if got := r.FindByID(w.ID); got != w {
		t.Fatalf("FindByID did not find waiting LKB")
	}
	if got := r.FindByID(lkb.NewID(1, 99)); got != nil {
		t.Fatalf("FindByID should return nil for unknown id, got %v", got)
	}
}

func TestAddGrantedOrdersByModeDescending(t *testing.T) {
	r := New("res", 1, 1)
	cr := newLKB(1, "a", modes.CR)
	ex := newLKB(2, "b", modes.EX)
	pr := newLKB(3, "c", modes.PR)
	r.AddGranted(cr)
	r.AddGranted(ex)
	r.AddGranted(pr)

	if len(r.Granted) != 3 || r.Granted[0] != ex || r.Granted[1] != pr || r.Granted[2] != cr {
		t.Fatalf("expected granted queue ordered EX,PR,CR, got %+v", r.Granted)
	}
}

func TestAddConvertingOrdering(t *testing.T) {
	r := New("res", 1, 1)

	cw := newLKB(1, "a", modes.CW)
	cw.Requested = modes.CW
	ex := newLKB(2, "b", modes.EX)
	ex.Requested = modes.EX
	r.AddConverting(cw)
	r.AddConverting(ex)
	if r.Converting[0] != ex || r.Converting[1] != cw {
		t.Fatalf("expected convert queue ordered by requested mode descending, got %+v", r.Converting)
	}

	quecvt := newLKB(3, "c", modes.PR)
	quecvt.Requested = modes.EX
	quecvt.Flags.Quecvt = true
	r.AddConverting(quecvt)
	if r.Converting[len(r.Converting)-1] != quecvt {
		t.Fatal("QUECVT conversion must always join at the tail regardless of mode")
	}

	expedite := newLKB(4, "d", modes.CR)
	expedite.Requested = modes.CR
	expedite.Flags.Expedite = true
	r.AddConverting(expedite)
	if r.Converting[0] != expedite {
		t.Fatal("EXPEDITE conversion must jump to the head of the convert queue")
	}
}

func TestAddWaitingIsFIFO(t *testing.T) {
	r := New("res", 1, 1)
	a := newLKB(1, "a", modes.CR)
	b := newLKB(2, "b", modes.CR)
	c := newLKB(3, "c", modes.CR)
	r.AddWaiting(a)
	r.AddWaiting(b)
	r.AddWaiting(c)

	if len(r.Waiting) != 3 || r.Waiting[0] != a || r.Waiting[1] != b || r.Waiting[2] != c {
		t.Fatalf("expected wait queue in FIFO arrival order, got %+v", r.Waiting)
	}
}

func TestRSBMaxGrantedMode(t *testing.T) {
	r := New("res", 1, 1)
	if m := r.MaxGrantedMode(); m != modes.NL {
		t.Fatalf("expected NL on empty granted queue, got %v", m)
	}

	r.AddGranted(newLKB(1, "a", modes.CR))
	r.AddGranted(newLKB(2, "b", modes.PW))
	r.AddGranted(newLKB(3, "c", modes.CW))

	if m := r.MaxGrantedMode(); m != modes.PW {
		t.Fatalf("expected PW as strongest granted mode, got %v", m)
	}
}
