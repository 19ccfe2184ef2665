package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/marmos91/godlm/internal/dlm/ast"
	"github.com/marmos91/godlm/internal/dlm/dlmerrors"
	"github.com/marmos91/godlm/internal/dlm/lkb"
	"github.com/marmos91/godlm/internal/dlm/modes"
)

// collector gathers ASTs delivered to an owner for assertions.
type collector struct {
	mu   sync.Mutex
	asts []lkb.AST
}

func (c *collector) cb() lkb.Callback {
	return func(a lkb.AST) {
		c.mu.Lock()
		c.asts = append(c.asts, a)
		c.mu.Unlock()
	}
}

func (c *collector) waitFor(n int) []lkb.AST {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.asts) >= n {
			out := append([]lkb.AST(nil), c.asts...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]lkb.AST(nil), c.asts...)
}

func newTestEngine() (*Engine, *ast.Dispatcher) {
	d := ast.New()
	return New(1, d), d
}

func TestGrantImmediatelyWhenCompatible(t *testing.T) {
	e, d := newTestEngine()
	defer d.Close()

	c1 := &collector{}
	id1, err := e.Request("owner1", "res", modes.PR, lkb.WholeRange, lkb.Flags{}, nil, c1.cb())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	asts := c1.waitFor(1)
	if len(asts) != 1 || asts[0].LKBID != id1 || asts[0].Status != nil {
		t.Fatalf("expected immediate grant, got %+v", asts)
	}

	c2 := &collector{}
	_, err = e.Request("owner2", "res", modes.CR, lkb.WholeRange, lkb.Flags{}, nil, c2.cb())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	asts2 := c2.waitFor(1)
	if len(asts2) != 1 || asts2[0].Status != nil {
		t.Fatal("expected CR to be granted alongside PR")
	}
}

func TestConflictingRequestQueues(t *testing.T) {
	e, d := newTestEngine()
	defer d.Close()

	c1 := &collector{}
	_, err := e.Request("owner1", "res", modes.EX, lkb.WholeRange, lkb.Flags{}, nil, c1.cb())
	if err != nil {
		t.Fatal(err)
	}
	c1.waitFor(1)

	c2 := &collector{}
	_, err = e.Request("owner2", "res", modes.CR, lkb.WholeRange, lkb.Flags{}, nil, c2.cb())
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(c2.asts) != 0 {
		t.Fatal("conflicting request should not be granted while EX is held")
	}

	r := e.Resource("res")
	r.Lock()
	waiting := len(r.Waiting)
	r.Unlock()
	if waiting != 1 {
		t.Fatalf("expected 1 waiting request, got %d", waiting)
	}
}

func TestNoQueueReturnsAgain(t *testing.T) {
	e, d := newTestEngine()
	defer d.Close()

	c1 := &collector{}
	_, err := e.Request("owner1", "res", modes.EX, lkb.WholeRange, lkb.Flags{}, nil, c1.cb())
	if err != nil {
		t.Fatal(err)
	}
	c1.waitFor(1)

	c2 := &collector{}
	_, err = e.Request("owner2", "res", modes.CR, lkb.WholeRange, lkb.Flags{NoQueue: true}, nil, c2.cb())
	if !dlmerrors.Is(err, dlmerrors.ErrAgain) {
		t.Fatalf("expected ErrAgain, got %v", err)
	}
}

func TestUnlockGrantsWaiter(t *testing.T) {
	e, d := newTestEngine()
	defer d.Close()

	c1 := &collector{}
	id1, _ := e.Request("owner1", "res", modes.EX, lkb.WholeRange, lkb.Flags{}, nil, c1.cb())
	c1.waitFor(1)

	c2 := &collector{}
	id2, _ := e.Request("owner2", "res", modes.EX, lkb.WholeRange, lkb.Flags{}, nil, c2.cb())
	time.Sleep(10 * time.Millisecond)

	if _, err := e.Unlock("res", id1); err != nil {
		t.Fatal(err)
	}
	asts := c2.waitFor(1)
	if len(asts) != 1 || asts[0].LKBID != id2 || asts[0].Status != nil {
		t.Fatalf("expected waiter to be granted after unlock, got %+v", asts)
	}
}

func TestCancelWaitingRequest(t *testing.T) {
	e, d := newTestEngine()
	defer d.Close()

	c1 := &collector{}
	_, _ = e.Request("owner1", "res", modes.EX, lkb.WholeRange, lkb.Flags{}, nil, c1.cb())
	c1.waitFor(1)

	c2 := &collector{}
	id2, _ := e.Request("owner2", "res", modes.EX, lkb.WholeRange, lkb.Flags{}, nil, c2.cb())
	time.Sleep(10 * time.Millisecond)

	if err := e.Cancel("res", id2); err != nil {
		t.Fatal(err)
	}
	asts := c2.waitFor(1)
	if len(asts) != 1 || asts[0].Status == nil || !dlmerrors.Is(asts[0].Status.Err, dlmerrors.ErrCancel) {
		t.Fatalf("expected cancel AST, got %+v", asts)
	}
}

func TestNonOverlappingRangesDoNotConflict(t *testing.T) {
	e, d := newTestEngine()
	defer d.Close()

	c1 := &collector{}
	_, err := e.Request("owner1", "res", modes.EX, lkb.Range{Offset: 0, Length: 10}, lkb.Flags{}, nil, c1.cb())
	if err != nil {
		t.Fatal(err)
	}
	c1.waitFor(1)

	c2 := &collector{}
	_, err = e.Request("owner2", "res", modes.EX, lkb.Range{Offset: 10, Length: 10}, lkb.Flags{}, nil, c2.cb())
	if err != nil {
		t.Fatal(err)
	}
	asts := c2.waitFor(1)
	if len(asts) != 1 || asts[0].Status != nil {
		t.Fatal("non-overlapping ranges should both grant immediately")
	}
}

// TestConversionDeadlockDetected exercises the CONVDEADLK resolution path:
// two conversions that would otherwise deadlock on each other's granted mode
// are resolved by demoting one side to NL and granting the other, never by
// rejecting the requester outright.
func TestConversionDeadlockDetected(t *testing.T) {
	e, d := newTestEngine()
	defer d.Close()

	convDeadlk := lkb.Flags{ConvDeadlk: true}

	c1 := &collector{}
	_, _ = e.Request("owner1", "res", modes.PR, lkb.WholeRange, lkb.Flags{}, nil, c1.cb())
	c1.waitFor(1)

	c2 := &collector{}
	_, _ = e.Request("owner2", "res", modes.PR, lkb.WholeRange, lkb.Flags{}, nil, c2.cb())
	c2.waitFor(1)

	r := e.Resource("res")
	r.Lock()
	l1 := r.Granted[0]
	l2 := r.Granted[1]
	r.Unlock()

	var id1, id2 lkb.ID
	if l1.Owner == "owner1" {
		id1, id2 = l1.ID, l2.ID
	} else {
		id1, id2 = l2.ID, l1.ID
	}

	// owner1 converts PR->EX: blocked by owner2's granted PR, queues as converting.
	if err := e.Convert("res", id1, modes.EX, convDeadlk, nil); err != nil {
		t.Fatalf("first conversion should queue, not error: %v", err)
	}

	// owner2 now converts PR->EX too: this would complete a 2-cycle (each
	// blocked on the other's granted mode). Both sides carry CONVDEADLK, so
	// the engine demotes owner1's lock to NL and grants owner2 immediately
	// instead of rejecting the conversion.
	if err := e.Convert("res", id2, modes.EX, convDeadlk, nil); err != nil {
		t.Fatalf("deadlocked conversion should resolve by demotion, not error: %v", err)
	}

	demoted := c1.waitFor(2)
	if len(demoted) != 2 || demoted[1].Mode != modes.NL || !demoted[1].Demoted {
		t.Fatalf("expected owner1 to receive a demotion AST to NL, got %+v", demoted)
	}

	r.Lock()
	granted := append([]*lkb.LKB(nil), r.Granted...)
	r.Unlock()
	if len(granted) != 1 || granted[0].Owner != "owner2" || granted[0].Granted != modes.EX {
		t.Fatalf("expected owner2 alone granted EX, got %+v", granted)
	}
}

// TestConversionDeadlockRejectedWithoutFlag confirms the demote-and-grant
// resolution only applies when every cycle member opted in via CONVDEADLK;
// otherwise the deadlocked conversion is rejected, matching the kernel DLM's
// veto behavior.
func TestConversionDeadlockRejectedWithoutFlag(t *testing.T) {
	e, d := newTestEngine()
	defer d.Close()

	c1 := &collector{}
	_, _ = e.Request("owner1", "res", modes.PR, lkb.WholeRange, lkb.Flags{}, nil, c1.cb())
	c1.waitFor(1)

	c2 := &collector{}
	_, _ = e.Request("owner2", "res", modes.PR, lkb.WholeRange, lkb.Flags{}, nil, c2.cb())
	c2.waitFor(1)

	r := e.Resource("res")
	r.Lock()
	l1 := r.Granted[0]
	l2 := r.Granted[1]
	r.Unlock()

	var id1, id2 lkb.ID
	if l1.Owner == "owner1" {
		id1, id2 = l1.ID, l2.ID
	} else {
		id1, id2 = l2.ID, l1.ID
	}

	if err := e.Convert("res", id1, modes.EX, lkb.Flags{}, nil); err != nil {
		t.Fatalf("first conversion should queue, not error: %v", err)
	}

	err := e.Convert("res", id2, modes.EX, lkb.Flags{}, nil)
	if !dlmerrors.Is(err, dlmerrors.ErrDeadlock) {
		t.Fatalf("expected ErrDeadlock without CONVDEADLK, got %v", err)
	}
}

func TestSameOwnerNeverConflicts(t *testing.T) {
	e, d := newTestEngine()
	defer d.Close()

	c1 := &collector{}
	_, _ = e.Request("owner1", "res", modes.EX, lkb.WholeRange, lkb.Flags{}, nil, c1.cb())
	c1.waitFor(1)

	c2 := &collector{}
	_, err := e.Request("owner1", "res", modes.EX, lkb.WholeRange, lkb.Flags{}, nil, c2.cb())
	if err != nil {
		t.Fatal(err)
	}
	asts := c2.waitFor(1)
	if len(asts) != 1 || asts[0].Status != nil {
		t.Fatal("same owner should never conflict with itself")
	}
}

func TestDestroyNonEmptyFails(t *testing.T) {
	e, d := newTestEngine()
	defer d.Close()

	c1 := &collector{}
	_, _ = e.Request("owner1", "res", modes.EX, lkb.WholeRange, lkb.Flags{}, nil, c1.cb())
	c1.waitFor(1)

	if err := e.Destroy("res"); !dlmerrors.Is(err, dlmerrors.ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
}
