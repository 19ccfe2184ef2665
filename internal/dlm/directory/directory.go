// Package directory implements the cluster-wide resource directory: a
// hash-sharded map from resource name to the node id currently mastering
// it. Every node hosts one shard of the directory (determined by a hash of
// the resource name), and every node can look up the master for any
// resource by asking whichever node hosts that resource's directory shard.
package directory

import (
	"hash/fnv"
	"sync"
)

// Directory is one node's shard of the cluster-wide resource directory.
// Sharding by a hash of the resource name spreads directory load across
// the cluster, the same shard-by-hash approach dittofs's cache package
// uses to spread content-block lookups across shards.
type Directory struct {
	mu      sync.RWMutex
	shard   uint32
	shards  uint32
	entries map[string]uint16 // resource name -> master node id
}

// New creates the directory shard for this node, given the total shard
// count (normally the cluster member count) and this node's shard index.
func New(shardIndex, shardCount uint32) *Directory {
	return &Directory{shard: shardIndex, shards: shardCount, entries: make(map[string]uint16)}
}

// ShardFor returns the shard index that owns resource name under the given
// total shard count.
func ShardFor(name string, shardCount uint32) uint32 {
	if shardCount == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32() % shardCount
}

// Owns reports whether this directory shard is responsible for name.
func (d *Directory) Owns(name string) bool {
	return ShardFor(name, d.shards) == d.shard
}

// Lookup returns the master node for name and true, or (0, false) if this
// shard has no entry (the resource has never been mastered, or this node
// does not own this shard).
func (d *Directory) Lookup(name string) (uint16, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.entries[name]
	return n, ok
}

// Assign records that name is now mastered by node. Overwrites any prior
// entry — used both for first-master assignment and for recovery rebuild.
func (d *Directory) Assign(name string, node uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[name] = node
}

// Remove deletes the directory entry for name, called when a resource's
// last lock is released and its RSB is freed.
func (d *Directory) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, name)
}

// Rebuild replaces this shard's entries wholesale. Used during recovery:
// after a membership change, every node rebroadcasts the resource names it
// masters, and the directory shard owner rebuilds its map from what
// survived the membership change, dropping entries from departed masters.
func (d *Directory) Rebuild(entries map[string]uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = entries
}

// RemoveMastered removes every entry currently mastered by node. Called
// when node is observed to have left the cluster, so stale masters are
// purged even before a full rebuild completes.
func (d *Directory) RemoveMastered(node uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, master := range d.entries {
		if master == node {
			delete(d.entries, name)
		}
	}
}

// Len returns the number of resources this shard currently tracks.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Snapshot returns a copy of all entries in this shard, for dlmctl dumps.
func (d *Directory) Snapshot() map[string]uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]uint16, len(d.entries))
	for k, v := range d.entries {
		out[k] = v
	}
	return out
}
