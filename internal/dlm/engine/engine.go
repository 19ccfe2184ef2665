// Package engine implements the master-copy lock engine: granting,
// queueing, converting, unlocking and cancelling locks against resources
// this node masters, including conversion-deadlock detection and
// blocking-AST delivery.
//
// Grounded on pkg/metadata/lock/manager.go's Lock/Unlock/UpgradeLock and
// CheckAndBreakOpLocksForWrite (the grant + break-callback fan-out
// pattern), generalized from a binary shared/exclusive model to the full
// six-mode NL..EX compatibility lattice and from a flat conflict list to
// ordered granted/converting/waiting queues. Conversion-deadlock detection
// itself is new: pkg/metadata/lock has no cycle-detection algorithm (only
// ErrDeadlock/metrics/factories exist), so it is grounded instead on the
// two-party conversion-deadlock check used by kernel DLM implementations.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/godlm/internal/dlm/ast"
	"github.com/marmos91/godlm/internal/dlm/dlmerrors"
	"github.com/marmos91/godlm/internal/dlm/lkb"
	"github.com/marmos91/godlm/internal/dlm/modes"
	"github.com/marmos91/godlm/internal/dlm/rsb"
)

// Engine holds every resource this node currently masters and grants locks
// against them. One Engine exists per lockspace.
type Engine struct {
	nodeID     uint16
	dispatcher *ast.Dispatcher

	mu        sync.RWMutex
	resources map[string]*rsb.RSB

	seq atomic.Uint64
}

// New creates an engine for the given local node id, delivering ASTs
// through disp.
func New(nodeID uint16, disp *ast.Dispatcher) *Engine {
	return &Engine{nodeID: nodeID, dispatcher: disp, resources: make(map[string]*rsb.RSB)}
}

func (e *Engine) nextID() lkb.ID {
	return lkb.NewID(e.nodeID, e.seq.Add(1))
}

func (e *Engine) resource(name string, create bool) *rsb.RSB {
	e.mu.RLock()
	r := e.resources[name]
	e.mu.RUnlock()
	if r != nil || !create {
		return r
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if r = e.resources[name]; r != nil {
		return r
	}
	r = rsb.New(name, e.nodeID, e.nodeID)
	e.resources[name] = r
	return r
}

// Request acquires a new lock of mode m over rng on resource, owned by
// owner. If the request cannot be granted immediately and flags.NoQueue is
// not set, it is queued on the resource's wait queue and a completion AST
// is posted via cb once it is eventually granted, cancelled, or timed out.
// Returns the new lock's id whether or not it was
// granted immediately; callers distinguish by watching for the completion
// AST, matching the kernel DLM's asynchronous request/AST contract.
func (e *Engine) Request(owner, resource string, m modes.Mode, rng lkb.Range, flags lkb.Flags, lvb []byte, cb lkb.Callback) (lkb.ID, error) {
	if !m.Valid() || m == modes.NL {
		return 0, dlmerrors.NewInval("request mode must be one of CR,CW,PR,PW,EX")
	}
	r := e.resource(resource, true)
	id := e.nextID()
	l := lkb.New(id, resource, owner, e.nodeID, m, rng, flags, lvb, cb)

	r.Lock()
	defer r.Unlock()

	if e.grantableLocked(r, l) {
		r.AddGranted(l)
		e.applyLVB(r, l)
		e.postCompletion(r, l, nil)
		return id, nil
	}
	if e.tryAltMode(r, l) {
		r.AddGranted(l)
		e.applyLVB(r, l)
		e.postCompletion(r, l, nil)
		return id, nil
	}
	if flags.NoQueue {
		if flags.NoQueueBast {
			e.sendBlockingASTs(r, l)
		}
		return id, dlmerrors.NewAgain(resource)
	}
	r.AddWaiting(l)
	e.sendBlockingASTs(r, l)
	return id, nil
}

// Convert changes the mode of an already-granted lock id to m. If the new,
// stronger mode cannot be granted immediately, the LKB moves to the convert
// queue (ahead of the wait queue, per the queue-ordering rule below) and the
// engine checks whether granting it later would complete a conversion
// deadlock cycle. If so, every other lock in the cycle that carries
// CONVDEADLK is demoted to NL (freeing the requester to be granted right
// away); if any cycle member lacks CONVDEADLK the demotion is vetoed and the
// conversion is rejected immediately with ErrDeadlock instead of queued,
// matching the kernel DLM's conversion_deadlock_resolve.
func (e *Engine) Convert(resource string, id lkb.ID, m modes.Mode, flags lkb.Flags, lvb []byte) error {
	if !m.Valid() {
		return dlmerrors.NewInval("convert mode invalid")
	}
	r := e.resource(resource, false)
	if r == nil {
		return dlmerrors.NewUnlockNotFound(resource)
	}
	r.Lock()
	defer r.Unlock()

	l := findGranted(r, id)
	if l == nil {
		return dlmerrors.NewUnlockNotFound(resource)
	}
	if m == l.Granted {
		return nil // no-op conversion
	}

	r.RemoveGranted(l)
	prevRequested := l.Requested
	l.Requested = m
	l.Flags = flags
	if flags.Valblk && lvb != nil {
		l.LVB = lvb
	}

	if e.grantableLocked(r, l) {
		r.AddGranted(l)
		e.applyLVB(r, l)
		e.postCompletion(r, l, nil)
		return nil
	}

	if e.tryAltMode(r, l) {
		r.AddGranted(l)
		e.applyLVB(r, l)
		e.postCompletion(r, l, nil)
		return nil
	}

	if flags.NoQueue {
		l.Requested = prevRequested
		r.AddGranted(l)
		if flags.NoQueueBast {
			e.sendBlockingASTs(r, l)
		}
		return dlmerrors.NewAgain(resource)
	}

	r.AddConverting(l)
	if hasConversionDeadlock(r, l) {
		if e.resolveConversionDeadlock(r, l) {
			r.RemoveConverting(l)
			r.AddGranted(l)
			e.applyLVB(r, l)
			e.postCompletion(r, l, nil)
			e.processQueuesLocked(r)
			return nil
		}
		r.RemoveConverting(l)
		l.Requested = prevRequested
		r.AddGranted(l)
		return dlmerrors.NewDeadlock(resource)
	}

	e.sendBlockingASTs(r, l)
	return nil
}

// Unlock releases a granted lock, removes the LKB, and attempts to grant
// queued convert/wait requests that the release may now satisfy. destroyed
// reports whether this unlock left the resource with no remaining LKBs and
// the RSB was reclaimed immediately; callers (the network layer) use it to
// decide whether to announce a REMOVE to the resource directory.
func (e *Engine) Unlock(resource string, id lkb.ID) (destroyed bool, err error) {
	r := e.resource(resource, false)
	if r == nil {
		return false, dlmerrors.NewUnlockNotFound(resource)
	}
	r.Lock()
	l := findGranted(r, id)
	if l == nil {
		r.Unlock()
		return false, dlmerrors.NewUnlockNotFound(resource)
	}
	r.RemoveGranted(l)
	if l.Flags.IvValBlk {
		r.ValNotValid = true
	}
	e.postCompletion(r, l, nil)
	e.processQueuesLocked(r)
	empty := r.Empty()
	r.Unlock()

	if empty {
		destroyed = e.reclaimEmpty(resource, r)
	}
	return destroyed, nil
}

// reclaimEmpty removes resource's RSB from the engine if it is still empty.
// It matches against the RSB pointer so a request racing in for the same
// name in between Unlock's own unlock and this call — which allocates a
// fresh RSB under the resource-creation lock — is never torn down out from
// under it.
func (e *Engine) reclaimEmpty(resource string, r *rsb.RSB) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resources[resource] != r {
		return false
	}
	r.Lock()
	empty := r.Empty()
	r.Unlock()
	if !empty {
		return false
	}
	delete(e.resources, resource)
	return true
}

// Cancel removes a waiting or converting request before it is granted. A
// granted lock cannot be cancelled (use Unlock). Posts a completion AST
// carrying ErrCancel so the caller's pending Request/Convert call unblocks.
func (e *Engine) Cancel(resource string, id lkb.ID) error {
	r := e.resource(resource, false)
	if r == nil {
		return dlmerrors.NewCancelNotFound(resource)
	}
	r.Lock()
	defer r.Unlock()

	if l := findIn(r.Waiting, id); l != nil {
		r.RemoveWaiting(l)
		e.postCompletion(r, l, dlmerrors.New(dlmerrors.ErrCancel, resource, "request cancelled"))
		return nil
	}
	if l := findIn(r.Converting, id); l != nil {
		r.RemoveConverting(l)
		l.Requested = l.Granted
		r.AddGranted(l)
		e.postCompletion(r, l, dlmerrors.New(dlmerrors.ErrCancel, resource, "conversion cancelled"))
		return nil
	}
	return dlmerrors.NewCancelNotFound(resource)
}

// grantableLocked reports whether l's requested mode is compatible with
// every other LKB currently granted on the resource, and whether l is not
// blocked behind an earlier still-pending converting or waiting request on
// an overlapping range (FIFO fairness). Caller must hold r's lock.
func (e *Engine) grantableLocked(r *rsb.RSB, l *lkb.LKB) bool {
	for _, g := range r.Granted {
		if g == l {
			continue
		}
		if g.Conflicts(l.Owner, l.Requested, l.Range) {
			return false
		}
	}
	behind := false // set once l's own convert-queue entry has been passed
	for _, c := range r.Converting {
		if c == l {
			behind = true
			continue
		}
		if c.Owner == l.Owner || !c.Range.Overlaps(l.Range) {
			continue
		}
		// c is removed from the granted queue while its conversion is
		// pending, but it still holds c.Granted until it is re-granted;
		// that mode must still conflict-check against new requests.
		if !modes.Compatible(c.Granted, l.Requested) {
			return false
		}
		// A new request must not jump ahead of an earlier queued conversion
		// on an overlapping range, even if it happens to be compatible with
		// what's currently granted (FIFO fairness).
		if !behind && !modes.Compatible(c.Requested, l.Requested) {
			return false
		}
	}
	// The convert queue is ahead of the wait queue, so waiters never hold
	// back a conversion; a new or waiting request waits only behind waiters
	// queued before it.
	if l.State != lkb.StateNew && l.State != lkb.StateWaiting {
		return true
	}
	for _, w := range r.Waiting {
		if w == l {
			break
		}
		if w.Range.Overlaps(l.Range) && w.Owner != l.Owner {
			return false
		}
	}
	return true
}

// tryAltMode attempts to grant l in its ALTPR/ALTCW fallback mode when its
// originally requested mode is not currently grantable. On success l.AltMode
// is set and l.Requested is left at the fallback mode so the caller's
// completion AST reports what was actually granted.
func (e *Engine) tryAltMode(r *rsb.RSB, l *lkb.LKB) bool {
	var alt modes.Mode
	switch {
	case l.Flags.AltPR:
		alt = modes.PR
	case l.Flags.AltCW:
		alt = modes.CW
	default:
		return false
	}
	if alt == l.Requested {
		return false
	}
	saved := l.Requested
	l.Requested = alt
	if e.grantableLocked(r, l) {
		l.AltMode = true
		return true
	}
	l.Requested = saved
	return false
}

// processQueuesLocked re-evaluates the convert queue then the wait queue in
// FIFO order, granting everything that has become grantable. Caller must
// hold r's lock.
func (e *Engine) processQueuesLocked(r *rsb.RSB) {
	progress := true
	for progress {
		progress = false
		for _, c := range append([]*lkb.LKB(nil), r.Converting...) {
			if e.grantableLocked(r, c) {
				r.RemoveConverting(c)
				r.AddGranted(c)
				e.postCompletion(r, c, nil)
				progress = true
			}
		}
		for _, w := range append([]*lkb.LKB(nil), r.Waiting...) {
			if e.grantableLocked(r, w) {
				r.RemoveWaiting(w)
				r.AddGranted(w)
				e.postCompletion(r, w, nil)
				progress = true
			}
		}
	}
}

// sendBlockingASTs notifies every currently granted holder that conflicts
// with l's requested mode that a stronger request is pending. A holder only
// receives a BAST once per escalation: HighBAST tracks the strongest mode
// already notified, and is reset to NL whenever the holder is (re)granted,
// matching the kernel DLM's highbast/send_bast_queue bookkeeping.
func (e *Engine) sendBlockingASTs(r *rsb.RSB, l *lkb.LKB) {
	for _, g := range r.Granted {
		if g == l || g.Owner == l.Owner {
			continue
		}
		if !modes.Compatible(g.Granted, l.Requested) {
			if !modes.Stronger(l.Requested, g.HighBAST) {
				continue
			}
			g.HighBAST = l.Requested
			sentFor := l.Requested
			holder := g
			e.dispatcher.PostBlocking(g.OnAST, lkb.AST{LKBID: g.ID, Completion: false, Mode: l.Requested}, func() bool {
				return holder.State != lkb.StateGranted || holder.HighBAST != sentFor
			})
		}
	}
}

// applyLVB transfers the resource's lock value block on a grant. A grant
// strong enough to write (PW/EX) with a caller-supplied value overwrites the
// resource's LVB; otherwise the new holder reads back whatever the resource
// currently holds. Only requests carrying VALBLK participate.
func (e *Engine) applyLVB(r *rsb.RSB, l *lkb.LKB) {
	if !l.Flags.Valblk {
		return
	}
	if modes.LVBWritesToResource(l.Granted) && len(l.LVB) > 0 {
		r.LVB = append([]byte(nil), l.LVB...)
		r.ValNotValid = false
		return
	}
	l.LVB = append([]byte(nil), r.LVB...)
}

func (e *Engine) postCompletion(r *rsb.RSB, l *lkb.LKB, err error) {
	a := lkb.AST{LKBID: l.ID, Completion: true, Mode: l.Granted}
	if err != nil {
		a.Status = &lkb.ASTStatus{Err: err}
	}
	if l.Demoted {
		a.Demoted = true
		l.Demoted = false
	}
	if l.AltMode {
		a.AltMode = true
	}
	if l.Flags.Valblk {
		a.LVB = l.LVB
		if r.ValNotValid {
			a.ValNotValid = true
		}
	}
	e.dispatcher.Post(l.OnAST, a)
}

func findGranted(r *rsb.RSB, id lkb.ID) *lkb.LKB {
	return findIn(r.Granted, id)
}

func findIn(q []*lkb.LKB, id lkb.ID) *lkb.LKB {
	for _, l := range q {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// hasConversionDeadlock reports whether adding l to the convert queue
// completes a cycle of mutually-blocking conversions: l is blocked behind
// a granted mode held by some other LKB g, and g itself has a pending
// conversion blocked by l's already-granted mode. This is the two-party
// cycle a kernel DLM's conversion deadlock detector specifically guards
// against; l must already be on the converting queue when this is called
// so it is visible to the check for the reverse direction.
func hasConversionDeadlock(r *rsb.RSB, l *lkb.LKB) bool {
	return len(conversionDeadlockMembers(r, l)) > 0
}

// conversionDeadlockMembers returns every other converting LKB that forms a
// mutual-block cycle with l.
func conversionDeadlockMembers(r *rsb.RSB, l *lkb.LKB) []*lkb.LKB {
	var members []*lkb.LKB
	for _, other := range r.Converting {
		if other == l || other.Owner == l.Owner {
			continue
		}
		// l is blocked by other's currently granted mode...
		lBlockedByOther := !modes.Compatible(other.Granted, l.Requested)
		// ...and other is blocked by l's currently granted mode.
		otherBlockedByL := !modes.Compatible(l.Granted, other.Requested)
		if lBlockedByOther && otherBlockedByL {
			members = append(members, other)
		}
	}
	return members
}

// resolveConversionDeadlock attempts to break a conversion-deadlock cycle by
// demoting every cycle member to NL, matching the kernel DLM's
// conversion_deadlock_resolve: if every member carries CONVDEADLK, each is
// demoted (its granted mode set to NL) and sent an immediate completion AST
// marked Demoted so its owner learns its prior hold was revoked, even though
// the member itself stays on the convert queue pursuing its original
// requested mode from its new NL baseline. The caller may then report
// success so the deadlocked requester l can be granted immediately. If any
// member lacks CONVDEADLK the demotion is vetoed and the caller must reject
// l instead.
func (e *Engine) resolveConversionDeadlock(r *rsb.RSB, l *lkb.LKB) bool {
	members := conversionDeadlockMembers(r, l)
	if len(members) == 0 {
		return false
	}
	for _, other := range members {
		if !other.Flags.ConvDeadlk {
			return false
		}
	}
	for _, other := range members {
		other.Granted = modes.NL
		other.Demoted = true
		e.postCompletion(r, other, nil)
	}
	return true
}

// Destroy removes a resource's RSB if it has no remaining locks. Returns
// ErrNotEmpty if locks remain.
func (e *Engine) Destroy(resource string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.resources[resource]
	if r == nil {
		return nil
	}
	r.Lock()
	empty := r.Empty()
	r.Unlock()
	if !empty {
		return dlmerrors.NewNotEmpty(resource)
	}
	delete(e.resources, resource)
	return nil
}

// ScanAndReclaim frees every resource whose queues have sat empty for at
// least idle, mirroring the kernel DLM's toss list: an RSB that just went
// empty is kept around briefly rather than freed and immediately
// recreated, in case a new request for the same name arrives right away.
// Run periodically by the lockspace; returns the names reclaimed for
// logging/metrics.
func (e *Engine) ScanAndReclaim(idle time.Duration) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	var reclaimed []string
	for name, r := range e.resources {
		r.Lock()
		switch empty := r.Empty(); {
		case !empty:
			r.EmptySince = time.Time{}
		case r.EmptySince.IsZero():
			r.EmptySince = now
		case now.Sub(r.EmptySince) >= idle:
			reclaimed = append(reclaimed, name)
		}
		r.Unlock()
	}
	for _, name := range reclaimed {
		delete(e.resources, name)
	}
	return reclaimed
}

// ExpireTimeouts fails every waiting or converting request that has sat
// queued longer than timeout, posting its completion AST with ErrTimedOut
// and then trying to grant whatever its departure frees up. A converting
// request whose conversion times out reverts to its previously granted
// mode rather than vanishing, matching Cancel's conversion-cancel path.
// Run periodically (at roughly timeout/2) by the lockspace; a non-positive
// timeout disables the scan entirely.
func (e *Engine) ExpireTimeouts(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-timeout)

	e.mu.RLock()
	resources := make([]*rsb.RSB, 0, len(e.resources))
	for _, r := range e.resources {
		resources = append(resources, r)
	}
	e.mu.RUnlock()

	for _, r := range resources {
		r.Lock()
		var expired []*lkb.LKB
		for _, w := range r.Waiting {
			if w.RequestedAt.Before(cutoff) {
				expired = append(expired, w)
			}
		}
		for _, c := range r.Converting {
			if c.RequestedAt.Before(cutoff) {
				expired = append(expired, c)
			}
		}
		for _, l := range expired {
			switch l.State {
			case lkb.StateWaiting:
				r.RemoveWaiting(l)
			case lkb.StateConverting:
				r.RemoveConverting(l)
				l.Requested = l.Granted
				r.AddGranted(l)
			}
			e.postCompletion(r, l, dlmerrors.NewTimedOut(r.Name))
		}
		if len(expired) > 0 {
			e.processQueuesLocked(r)
		}
		r.Unlock()
	}
}

// Stats summarizes the engine's current state for metrics/dlmctl.
type Stats struct {
	Resources int
	Granted   int
	Converting int
	Waiting   int
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{Resources: len(e.resources)}
	for _, r := range e.resources {
		r.Lock()
		s.Granted += len(r.Granted)
		s.Converting += len(r.Converting)
		s.Waiting += len(r.Waiting)
		r.Unlock()
	}
	return s
}

// Resource returns the RSB for name if this node masters it, or nil.
// Exposed for the recovery coordinator and dlmctl; callers must use the
// RSB's own Lock/Unlock before touching its queues.
func (e *Engine) Resource(name string) *rsb.RSB {
	return e.resource(name, false)
}

// ResourceNames returns every resource name currently mastered locally.
func (e *Engine) ResourceNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.resources))
	for name := range e.resources {
		names = append(names, name)
	}
	return names
}
