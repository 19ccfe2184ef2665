// Package lkb defines the lock block: the per-request record tracking one
// owner's interest in one resource, its granted/requested mode, its byte
// range, and the bookkeeping needed to deliver completion and blocking
// notifications.
package lkb

import (
	"fmt"
	"time"

	"github.com/marmos91/godlm/internal/dlm/modes"
)

// ID packs an owning node id with a per-node monotonic sequence, matching
// the kernel DLM's convention of encoding the master node into the lock id
// so any node can tell at a glance which node allocated it.
type ID uint64

// NewID packs nodeID (low 16 bits reserved, upper bits sequence) into an ID.
// nodeID must fit in 16 bits; seq is a per-node monotonic counter.
func NewID(nodeID uint16, seq uint64) ID {
	return ID(seq<<16 | uint64(nodeID))
}

func (id ID) NodeID() uint16 { return uint16(id) }
func (id ID) Seq() uint64    { return uint64(id) >> 16 }

func (id ID) String() string {
	return fmt.Sprintf("%d/%d", id.NodeID(), id.Seq())
}

// Range is an inclusive-start, exclusive-length byte range on the resource.
// Length == 0 means "to infinity", matching POSIX byte-range lock semantics.
type Range struct {
	Offset uint64
	Length uint64
}

// End returns the exclusive end of the range, or ^uint64(0) if unbounded.
func (r Range) End() uint64 {
	if r.Length == 0 {
		return ^uint64(0)
	}
	return r.Offset + r.Length
}

// Overlaps reports whether r and o describe overlapping byte ranges.
func (r Range) Overlaps(o Range) bool {
	return r.Offset < o.End() && o.Offset < r.End()
}

// WholeRange is the default range for resources that are locked as a whole
// (the common case: most DLM resources have no meaningful sub-range).
var WholeRange = Range{Offset: 0, Length: 0}

// Flags are per-request modifiers, mirroring the kernel DLM's LKF_* bits.
type Flags struct {
	NoQueue  bool // fail immediately with ErrAgain instead of queueing
	Convert  bool // this is a conversion of an existing lock, not a new request
	Quecvt   bool // queue a conversion behind other converting/waiting locks
	Valblk   bool // caller wants the LVB copied into the LKB on grant
	Persist  bool // survive caller disconnect (orphan on process death)
	CancelOK bool // request tolerates being cancelled while queued

	Expedite    bool // jump straight to the head of the convert queue
	NoQueueBast bool // when NOQUEUE fails, still send blocking ASTs to conflicting holders
	NoDlckWt    bool // do not enrol this lock in deadlock detection
	ConvDeadlk  bool // permit demoting this lock to NL to break a conversion deadlock
	IvValBlk    bool // invalidate the LVB on unlock
	AltPR       bool // if the requested mode is incompatible, try PR instead
	AltCW       bool // if the requested mode is incompatible, try CW instead
}

// State is the lifecycle state of an LKB.
type State int

const (
	StateNew       State = iota // allocated, not yet on any queue
	StateWaiting                // on the resource's wait queue (new request)
	StateConverting              // on the resource's convert queue
	StateGranted                 // on the resource's granted queue
	StateCancelled                // removed from queue by explicit cancel
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateWaiting:
		return "waiting"
	case StateConverting:
		return "converting"
	case StateGranted:
		return "granted"
	case StateCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// AST is the notification delivered to a caller: a completion AST reports
// the outcome of the caller's own request; a blocking AST tells a granted
// holder that a conflicting request is waiting and it should consider
// releasing or demoting.
type AST struct {
	LKBID     ID
	Completion bool // true = completion AST, false = blocking AST
	Mode      modes.Mode // granted mode (completion) or requested mode (blocking)
	Status    *ASTStatus
	LVB       []byte

	Demoted     bool // this lock was demoted to NL to resolve a conversion deadlock
	ValNotValid bool // the LVB is stale; caller must not trust its contents
	AltMode     bool // granted in the ALTPR/ALTCW fallback mode, not the one requested
}

// ASTStatus carries the outcome of a completed request, nil for blocking ASTs.
type ASTStatus struct {
	Err error
}

// Callback is invoked by the AST dispatcher, once per AST, in FIFO order.
// Implementations must not block indefinitely: slow callbacks stall every
// other pending notification in the lockspace.
type Callback func(AST)

// LKB is the lock block itself.
type LKB struct {
	ID       ID
	Resource string
	Owner    string // opaque caller-supplied owner/session identifier
	NodeID   uint16 // node on which the owning process resides

	Granted   modes.Mode
	Requested modes.Mode
	Range     Range
	Flags     Flags
	State     State

	// HighBAST is the strongest mode a blocking AST has already been sent
	// for since the last grant; it suppresses redundant BASTs for
	// successively weaker conflicting requests until a grant resets it.
	HighBAST modes.Mode

	// LVB is the caller-supplied lock value block. On a request/conversion
	// it is the value to (possibly) write into the resource; after a grant
	// that reads from the resource it holds the value read back.
	LVB []byte

	Demoted     bool // set when this lock was demoted to NL to break a conversion deadlock
	ValNotValid bool // the resource's LVB is known stale (set after a master failed with no PR/PW/EX survivor)
	AltMode     bool // this lock was granted in its ALTPR/ALTCW fallback mode

	RequestedAt time.Time
	GrantedAt   time.Time

	OnAST Callback
}

// New allocates an LKB in StateNew for a request of mode m over rng. lvb is
// the caller-supplied lock value block to (possibly) write into the
// resource on grant, or nil if the caller has none to offer.
func New(id ID, resource, owner string, nodeID uint16, m modes.Mode, rng Range, flags Flags, lvb []byte, cb Callback) *LKB {
	return &LKB{
		ID:          id,
		Resource:    resource,
		Owner:       owner,
		NodeID:      nodeID,
		Granted:     modes.NL,
		Requested:   m,
		Range:       rng,
		Flags:       flags,
		LVB:         lvb,
		State:       StateNew,
		RequestedAt: time.Now(),
		OnAST:       cb,
	}
}

// Conflicts reports whether this LKB (held in its Granted mode) conflicts
// with a request for mode m over rng from a different owner.
func (l *LKB) Conflicts(owner string, m modes.Mode, rng Range) bool {
	if l.Owner == owner {
		return false
	}
	if !l.Range.Overlaps(rng) {
		return false
	}
	return !modes.Compatible(l.Granted, m)
}
