package ast

import (
	"testing"
	"time"

	"github.com/marmos91/godlm/internal/dlm/lkb"
)

func TestDispatcherDeliversInPostOrder(t *testing.T) {
	d := New()
	defer d.Close()

	var got []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		cb := func(a lkb.AST) {
			got = append(got, i)
			if i == 4 {
				close(done)
			}
		}
		d.Post(cb, lkb.AST{Completion: true})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ASTs not delivered")
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("out-of-order delivery: got %v", got)
		}
	}
}

func TestDispatcherSuspendResumeHoldsDelivery(t *testing.T) {
	d := New()
	defer d.Close()

	d.Suspend()

	delivered := make(chan struct{}, 1)
	d.Post(func(a lkb.AST) { delivered <- struct{}{} }, lkb.AST{Completion: true})

	select {
	case <-delivered:
		t.Fatal("AST delivered while dispatcher suspended")
	case <-time.After(100 * time.Millisecond):
	}

	if pending := d.Pending(); pending != 1 {
		t.Fatalf("expected 1 pending AST, got %d", pending)
	}

	d.Resume()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("AST not delivered after resume")
	}
}

func TestDispatcherPostWithNilCallbackIsNoop(t *testing.T) {
	d := New()
	defer d.Close()

	d.Post(nil, lkb.AST{Completion: true})

	if pending := d.Pending(); pending != 0 {
		t.Fatalf("expected nil callback to be dropped, got %d pending", pending)
	}
}

func TestDispatcherCloseStopsWorker(t *testing.T) {
	d := New()
	d.Close()

	// Posting after Close should not panic or block; the queued AST is
	// simply never delivered since the worker has exited.
	d.Post(func(a lkb.AST) {}, lkb.AST{Completion: true})
}
