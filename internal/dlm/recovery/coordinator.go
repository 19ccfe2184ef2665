// Package recovery implements the per-lockspace recovery coordinator: it
// consumes cluster membership events and drives the lockspace through the
// STOP -> START -> FINISH sequence, suspending the AST dispatcher,
// rebuilding the resource directory, purging stale waiters and queued
// requests for departed nodes, and resuming normal operation once the new
// membership has settled.
//
// Grounded on pkg/metadata/lock/grace.go's GracePeriodManager: the
// Normal/Active state pair, the timer-driven and event-driven dual paths
// to a state transition, and the "invoke the completion callback outside
// the lock" idiom are all carried over directly, generalized from a single
// grace-period window to the STOP/START/FINISH phase sequence.
package recovery

import (
	"sync"

	"github.com/marmos91/godlm/internal/dlm/ast"
	"github.com/marmos91/godlm/internal/dlm/directory"
	"github.com/marmos91/godlm/internal/dlm/requestqueue"
	"github.com/marmos91/godlm/internal/dlm/waiters"
	"github.com/marmos91/godlm/internal/membership"
)

// Phase is the recovery coordinator's current phase.
type Phase int

const (
	PhaseNormal Phase = iota
	PhaseStopped
	PhaseNodesValid
	PhaseRebuilding
	PhasePurging
	PhaseFinishing
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "normal"
	case PhaseStopped:
		return "stopped"
	case PhaseNodesValid:
		return "nodes_valid"
	case PhaseRebuilding:
		return "rebuilding"
	case PhasePurging:
		return "purging"
	case PhaseFinishing:
		return "finishing"
	default:
		return "invalid"
	}
}

// MasterLister is implemented by the engine: it reports which resource
// names this node currently masters, used to re-announce mastery into the
// rebuilt directory.
type MasterLister interface {
	ResourceNames() []string
}

// Recoverer is implemented by the lockspace and driven by the coordinator
// during the START phase, in order: confirm every surviving member has
// entered recovery (NODES_VALID), rebuild the directory from every member's
// locally-mastered names (NAMES/NAMES_REPLY), then resend this node's locks
// whose master departed to their newly looked-up master and run LVB
// recovery on every resource this node masters afterward. A nil Recoverer
// (as used by tests that construct a Coordinator without a transport) skips
// all three steps; handleStart still does the local directory
// self-assignment and departed-node purge on its own.
type Recoverer interface {
	AwaitNodesValid(eventID uint64, members []int)
	ExchangeNames(eventID uint64, members []int)
	ResendAndRecoverLVB(departed []uint16)
}

// Coordinator drives one lockspace through recovery phases.
type Coordinator struct {
	nodeID     uint16
	dispatcher *ast.Dispatcher
	dir        *directory.Directory
	waiterTbl  *waiters.Table
	reqQueue   *requestqueue.Queue
	engine     MasterLister
	recoverer  Recoverer

	mu          sync.RWMutex
	phase       Phase
	eventID     uint64
	members     []int
	onRecovered func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a recovery coordinator wired to one lockspace's components.
// onRecovered, if non-nil, is invoked (outside any internal lock) every
// time the coordinator returns to PhaseNormal. rec may be nil, in which
// case the cross-node NODES_VALID/NAMES/resend rounds are skipped.
func New(nodeID uint16, disp *ast.Dispatcher, dir *directory.Directory, wt *waiters.Table, rq *requestqueue.Queue, eng MasterLister, rec Recoverer, onRecovered func()) *Coordinator {
	return &Coordinator{
		nodeID:      nodeID,
		dispatcher:  disp,
		dir:         dir,
		waiterTbl:   wt,
		reqQueue:    rq,
		engine:      eng,
		recoverer:   rec,
		phase:       PhaseNormal,
		onRecovered: onRecovered,
		stopCh:      make(chan struct{}),
	}
}

// InRecovery reports whether the coordinator is anywhere in the STOP/START
// sequence; the message layer uses this to decide whether an inbound
// REQUEST/CONVERT/UNLOCK/CANCEL must be queued for replay instead of served
// immediately.
func (c *Coordinator) InRecovery() bool {
	return c.Phase() != PhaseNormal
}

// Run consumes events from drv until its channel closes or Close is called.
func (c *Coordinator) Run(drv membership.Driver) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case ev, ok := <-drv.Events():
				if !ok {
					return
				}
				c.Handle(ev)
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Close stops the coordinator's event loop. It does not close the driver;
// callers own the driver's lifecycle.
func (c *Coordinator) Close() {
	close(c.stopCh)
	c.wg.Wait()
}

// Phase returns the coordinator's current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Handle applies one membership event, advancing the coordinator's phase.
func (c *Coordinator) Handle(ev membership.Event) {
	switch e := ev.(type) {
	case membership.Stop:
		c.handleStop()
	case membership.Start:
		c.handleStart(e)
	case membership.Finish:
		c.handleFinish(e)
	case membership.Terminate:
		c.handleStop()
	}
}

// handleStop suspends the AST dispatcher so no caller observes a grant
// against a resource whose mastery is about to move.
func (c *Coordinator) handleStop() {
	c.mu.Lock()
	c.phase = PhaseStopped
	c.mu.Unlock()
	c.dispatcher.Suspend()
}

// handleStart drives the full START sequence: confirm every surviving peer
// has entered recovery (NODES_VALID), purge waiters and the directory for
// departed nodes, rebuild the directory cluster-wide from every member's
// mastered names (NAMES/NAMES_REPLY), purge the request queue of anything
// still addressed to a departed master, and resend/LVB-recover this node's
// own locks against their newly looked-up masters.
func (c *Coordinator) handleStart(e membership.Start) {
	c.mu.Lock()
	c.phase = PhaseNodesValid
	c.eventID = e.EventID
	prevMembers := c.members
	c.members = e.NodeIDs
	c.mu.Unlock()

	if c.recoverer != nil {
		c.recoverer.AwaitNodesValid(e.EventID, e.NodeIDs)
	}

	c.mu.Lock()
	c.phase = PhaseRebuilding
	c.mu.Unlock()

	departed := diff(prevMembers, e.NodeIDs)
	for _, n := range departed {
		nodeID := uint16(n)
		c.dir.RemoveMastered(nodeID)
		// Pre-purge: drop every local waiter entry for a resource a
		// departed node was waiting on, so recovery doesn't resend a BAST
		// to a node that will never answer.
		for _, w := range c.waiterTbl.ForNode(nodeID) {
			c.waiterTbl.PurgeResource(w.Resource)
		}
	}

	for _, name := range c.engine.ResourceNames() {
		c.dir.Assign(name, c.nodeID)
	}
	if c.recoverer != nil {
		c.recoverer.ExchangeNames(e.EventID, e.NodeIDs)
	}

	c.mu.Lock()
	c.phase = PhasePurging
	c.mu.Unlock()

	for _, n := range departed {
		for _, req := range c.reqQueue.PurgeMaster(uint16(n)) {
			if req.Fail != nil {
				req.Fail()
			}
		}
	}
	if c.recoverer != nil {
		c.recoverer.ResendAndRecoverLVB(toUint16(departed))
	}
}

func toUint16(nodes []int) []uint16 {
	out := make([]uint16, len(nodes))
	for i, n := range nodes {
		out[i] = uint16(n)
	}
	return out
}

// handleFinish completes the recovery for eventID: resumes the AST
// dispatcher and replays every request that was queued during recovery.
func (c *Coordinator) handleFinish(e membership.Finish) {
	c.mu.Lock()
	if e.EventID != c.eventID {
		c.mu.Unlock()
		return // stale FINISH for a superseded recovery event
	}
	c.phase = PhaseFinishing
	c.mu.Unlock()

	for _, req := range c.reqQueue.DrainAll() {
		if req.Replay != nil {
			req.Replay()
		}
	}

	c.dispatcher.Resume()

	c.mu.Lock()
	c.phase = PhaseNormal
	cb := c.onRecovered
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Members returns the membership list most recently installed by a START
// event.
func (c *Coordinator) Members() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int, len(c.members))
	copy(out, c.members)
	return out
}

func diff(prev, next []int) []int {
	if prev == nil {
		return nil
	}
	inNext := make(map[int]bool, len(next))
	for _, n := range next {
		inNext[n] = true
	}
	var departed []int
	for _, n := range prev {
		if !inNext[n] {
			departed = append(departed, n)
		}
	}
	return departed
}
