// Package waiters tracks, on a resource's master node, which remote nodes
// have an outstanding request against a resource and are waiting on a
// reply. It is the master-side complement to a non-master node's local
// request queue (internal/dlm/requestqueue): when the master sends a reply,
// the matching waiter entry is removed and the reply is routed back to the
// node that asked.
//
// Grounded on internal/protocol/nlm/blocking.BlockingQueue, adapted from a
// per-file-handle waiter list keyed by (resource, lock id) instead of
// (file handle, waiter pointer).
package waiters

import (
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/godlm/internal/dlm/lkb"
)

// ErrNotFound is returned by Remove/Cancel when no matching waiter exists.
type ErrNotFound struct {
	Resource string
	ID       lkb.ID
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("no waiter for lock %s on resource %q", e.ID, e.Resource)
}

// Entry records one outstanding request awaiting a master's reply.
type Entry struct {
	Resource  string
	ID        lkb.ID
	NodeID    uint16
	QueuedAt  time.Time
	Cancelled bool
}

// Table is a lockspace's waiters table.
type Table struct {
	mu      sync.RWMutex
	entries map[string]map[lkb.ID]*Entry // resource -> lock id -> entry
}

func New() *Table {
	return &Table{entries: make(map[string]map[lkb.ID]*Entry)}
}

// Add records a new outstanding request.
func (t *Table) Add(resource string, id lkb.ID, nodeID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.entries[resource]
	if !ok {
		m = make(map[lkb.ID]*Entry)
		t.entries[resource] = m
	}
	m[id] = &Entry{Resource: resource, ID: id, NodeID: nodeID, QueuedAt: time.Now()}
}

// Remove deletes the waiter entry once a reply has been sent for it.
func (t *Table) Remove(resource string, id lkb.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.entries[resource]
	if !ok {
		return &ErrNotFound{Resource: resource, ID: id}
	}
	if _, ok := m[id]; !ok {
		return &ErrNotFound{Resource: resource, ID: id}
	}
	delete(m, id)
	if len(m) == 0 {
		delete(t.entries, resource)
	}
	return nil
}

// Cancel marks a waiter as cancelled without removing it; the master still
// needs to send a reply (a cancel acknowledgement) before the entry is
// removed via Remove.
func (t *Table) Cancel(resource string, id lkb.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.entries[resource]
	if !ok {
		return &ErrNotFound{Resource: resource, ID: id}
	}
	e, ok := m[id]
	if !ok {
		return &ErrNotFound{Resource: resource, ID: id}
	}
	e.Cancelled = true
	return nil
}

// ForResource returns every outstanding waiter entry for a resource. The
// recovery coordinator's pre-purge step uses ForNode and PurgeResource
// instead.
func (t *Table) ForResource(resource string) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.entries[resource]
	out := make([]*Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

// ForNode returns every outstanding waiter entry pointed at requests from a
// given node, used to purge waiters for a node observed to have departed.
func (t *Table) ForNode(nodeID uint16) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Entry
	for _, m := range t.entries {
		for _, e := range m {
			if e.NodeID == nodeID {
				out = append(out, e)
			}
		}
	}
	return out
}

// PurgeResource removes every waiter entry for a resource, called by the
// recovery coordinator's pre-purge phase before it rebuilds the directory.
func (t *Table) PurgeResource(resource string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, resource)
}

// Count returns the total number of outstanding waiter entries.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.entries {
		n += len(m)
	}
	return n
}
