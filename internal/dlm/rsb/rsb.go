// Package rsb defines the resource state block: the per-resource record
// held on a resource's master node, carrying the granted/converting/waiting
// queues of LKBs and the resource's lock value block.
package rsb

import (
	"sync"
	"time"

	"github.com/marmos91/godlm/internal/dlm/lkb"
	"github.com/marmos91/godlm/internal/dlm/modes"
)

// RSB is the master copy of a resource. Only the master node for a resource
// holds a fully populated RSB; non-master nodes may cache a process copy
// containing only their own LKBs, tracked separately by the engine.
type RSB struct {
	mu sync.Mutex

	Name       string
	MasterNode uint16
	DirNode    uint16

	Granted    []*lkb.LKB
	Converting []*lkb.LKB
	Waiting    []*lkb.LKB

	LVB         []byte
	ValNotValid bool
	Remastering bool

	// EmptySince is the time this RSB's queues were first observed all
	// empty, or the zero Time if the RSB currently holds an LKB. The
	// toss-list scanner uses it to decide when an idle RSB is safe to
	// reclaim. Caller must hold the RSB lock to read or write it.
	EmptySince time.Time
}

func New(name string, masterNode, dirNode uint16) *RSB {
	return &RSB{Name: name, MasterNode: masterNode, DirNode: dirNode}
}

// Lock acquires the RSB's mutex. Callers (the engine) serialize all queue
// mutation for a single resource through this lock; cross-resource work
// never holds two RSB locks at once, so there is no lock ordering to
// maintain across distinct resources.
func (r *RSB) Lock()   { r.mu.Lock() }
func (r *RSB) Unlock() { r.mu.Unlock() }

// Empty reports whether the RSB has no LKBs on any queue and can be freed.
// Caller must hold the RSB lock.
func (r *RSB) Empty() bool {
	return len(r.Granted) == 0 && len(r.Converting) == 0 && len(r.Waiting) == 0
}

// AddGranted inserts l into the granted queue ordered by granted mode
// descending (strongest holders first), matching the kernel DLM's
// lkb_add_ordered for the granted queue. Caller must hold the RSB lock.
func (r *RSB) AddGranted(l *lkb.LKB) {
	l.State = lkb.StateGranted
	l.Granted = l.Requested
	l.HighBAST = modes.NL
	r.Granted = insertOrdered(r.Granted, l, func(x *lkb.LKB) modes.Mode { return x.Granted })
}

// AddWaiting appends l to the waiting queue in FIFO order. Caller must hold
// the RSB lock.
func (r *RSB) AddWaiting(l *lkb.LKB) {
	l.State = lkb.StateWaiting
	r.Waiting = append(r.Waiting, l)
}

// AddConverting inserts l into the convert queue. EXPEDITE jumps straight to
// the head; QUECVT always goes to the tail; otherwise l is inserted in
// requested-mode-descending order, matching the kernel DLM's
// lkb_add_ordered/lkb_enqueue convert-queue placement.
func (r *RSB) AddConverting(l *lkb.LKB) {
	l.State = lkb.StateConverting
	switch {
	case l.Flags.Expedite:
		r.Converting = append([]*lkb.LKB{l}, r.Converting...)
	case l.Flags.Quecvt:
		r.Converting = append(r.Converting, l)
	default:
		r.Converting = insertOrdered(r.Converting, l, func(x *lkb.LKB) modes.Mode { return x.Requested })
	}
}

// insertOrdered inserts l into q immediately before the first entry whose
// key mode is strictly weaker than l's, preserving FIFO order among entries
// of equal mode (a stable descending insertion sort).
func insertOrdered(q []*lkb.LKB, l *lkb.LKB, key func(*lkb.LKB) modes.Mode) []*lkb.LKB {
	lm := key(l)
	for i, x := range q {
		if !modes.Stronger(key(x), lm) && key(x) != lm {
			out := make([]*lkb.LKB, 0, len(q)+1)
			out = append(out, q[:i]...)
			out = append(out, l)
			out = append(out, q[i:]...)
			return out
		}
	}
	return append(q, l)
}

// RemoveGranted removes l from the granted queue. No-op if absent.
func (r *RSB) RemoveGranted(l *lkb.LKB) {
	r.Granted = removeLKB(r.Granted, l)
}

// RemoveConverting removes l from the convert queue. No-op if absent.
func (r *RSB) RemoveConverting(l *lkb.LKB) {
	r.Converting = removeLKB(r.Converting, l)
}

// RemoveWaiting removes l from the wait queue. No-op if absent.
func (r *RSB) RemoveWaiting(l *lkb.LKB) {
	r.Waiting = removeLKB(r.Waiting, l)
}

func removeLKB(q []*lkb.LKB, target *lkb.LKB) []*lkb.LKB {
	for i, l := range q {
		if l == target {
			return append(q[:i], q[i+1:]...)
		}
	}
	return q
}

// FindByID scans all three queues for the LKB with the given id.
func (r *RSB) FindByID(id lkb.ID) *lkb.LKB {
	for _, q := range [][]*lkb.LKB{r.Granted, r.Converting, r.Waiting} {
		for _, l := range q {
			if l.ID == id {
				return l
			}
		}
	}
	return nil
}

// MaxGrantedMode returns the strongest mode currently granted, or NL if the
// granted queue is empty.
func (r *RSB) MaxGrantedMode() modes.Mode {
	m := modes.NL
	for _, l := range r.Granted {
		m = modes.Max(m, l.Granted)
	}
	return m
}

// AllLKBs returns every LKB on the RSB across all three queues, in
// granted/converting/waiting order. Used by directory rebuild and stats.
func (r *RSB) AllLKBs() []*lkb.LKB {
	out := make([]*lkb.LKB, 0, len(r.Granted)+len(r.Converting)+len(r.Waiting))
	out = append(out, r.Granted...)
	out = append(out, r.Converting...)
	out = append(out, r.Waiting...)
	return out
}
