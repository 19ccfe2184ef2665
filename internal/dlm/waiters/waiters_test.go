package waiters

import (
	"testing"

	"github.com/marmos91/godlm/internal/dlm/lkb"
)

func TestAddRemove(t *testing.T) {
	tb := New()
	id := lkb.NewID(1, 1)
	tb.Add("res", id, 2)
	if tb.Count() != 1 {
		t.Fatalf("expected 1 waiter, got %d", tb.Count())
	}
	if err := tb.Remove("res", id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tb.Count() != 0 {
		t.Fatal("expected 0 waiters after remove")
	}
}

func TestRemoveMissing(t *testing.T) {
	tb := New()
	if err := tb.Remove("res", lkb.NewID(1, 1)); err == nil {
		t.Fatal("expected error removing missing waiter")
	}
}

func TestForNode(t *testing.T) {
	tb := New()
	tb.Add("r1", lkb.NewID(1, 1), 5)
	tb.Add("r2", lkb.NewID(1, 2), 5)
	tb.Add("r3", lkb.NewID(1, 3), 6)
	if len(tb.ForNode(5)) != 2 {
		t.Fatal("expected 2 entries for node 5")
	}
	if len(tb.ForNode(6)) != 1 {
		t.Fatal("expected 1 entry for node 6")
	}
}

func TestPurgeResource(t *testing.T) {
	tb := New()
	tb.Add("r1", lkb.NewID(1, 1), 5)
	tb.Add("r1", lkb.NewID(1, 2), 5)
	tb.PurgeResource("r1")
	if tb.Count() != 0 {
		t.Fatal("expected purge to remove all entries for resource")
	}
}
