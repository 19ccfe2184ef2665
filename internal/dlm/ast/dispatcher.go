// Package ast implements the single-worker FIFO completion/blocking AST
// dispatcher: every notification a caller receives — grant, conversion
// completion, blocking AST, cancellation confirmation — is delivered by
// one goroutine per lockspace, in the order it was posted, so an owner
// never observes its own completion and blocking ASTs out of order.
//
// Grounded on pkg/metadata/lock/manager.go's breakOpLocks/
// dispatchOpLockBreak fan-out-callback pattern, collapsed from "one
// goroutine per callback" to a single ordered worker.
package ast

import (
	"sync"

	"github.com/marmos91/godlm/internal/dlm/lkb"
)

// Dispatcher delivers queued ASTs to their LKB's callback, one at a time,
// in the order Post was called.
type Dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []postedAST
	suspended bool
	closed    bool
	wg        sync.WaitGroup
}

type postedAST struct {
	cb       lkb.Callback
	ast      lkb.AST
	obviated func() bool
}

// New creates a dispatcher and starts its worker goroutine.
func New() *Dispatcher {
	d := &Dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(1)
	go d.run()
	return d
}

// Post enqueues an AST for delivery. Safe to call from any goroutine,
// including from within the lockspace's resource-lock-holding code paths —
// Post never blocks on delivery, only on acquiring the dispatcher's queue
// mutex.
func (d *Dispatcher) Post(cb lkb.Callback, a lkb.AST) {
	if cb == nil {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, postedAST{cb: cb, ast: a})
	d.mu.Unlock()
	d.cond.Signal()
}

// PostBlocking enqueues a blocking AST the same way Post does, but checks
// obviated immediately before delivery and drops the notification without
// calling cb if it returns true. A queued BAST can be obviated by a later
// event on the same holder (its lock was released, or a stronger BAST has
// since superseded this one) before the dispatcher's single worker gets to
// it; delivering it anyway would tell a caller about a conflict that no
// longer exists.
func (d *Dispatcher) PostBlocking(cb lkb.Callback, a lkb.AST, obviated func() bool) {
	if cb == nil {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, postedAST{cb: cb, ast: a, obviated: obviated})
	d.mu.Unlock()
	d.cond.Signal()
}

// Suspend pauses delivery. Used by the recovery coordinator during the
// STOP phase so that no caller observes a grant against a resource whose
// mastery is about to move. Already-queued ASTs remain queued; new Posts
// still enqueue normally.
func (d *Dispatcher) Suspend() {
	d.mu.Lock()
	d.suspended = true
	d.mu.Unlock()
}

// Resume resumes delivery, used by the recovery coordinator's FINISH phase.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	d.suspended = false
	d.mu.Unlock()
	d.cond.Signal()
}

// Close stops the worker goroutine and waits for it to exit. Queued ASTs
// that have not yet been delivered are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cond.Signal()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for (len(d.queue) == 0 || d.suspended) && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if next.obviated != nil && next.obviated() {
			continue
		}
		next.cb(next.ast)
	}
}

// Pending returns the number of ASTs not yet delivered, for stats/metrics.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
