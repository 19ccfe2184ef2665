package directory

import "testing"

func TestAssignLookup(t *testing.T) {
	d := New(0, 1)
	if _, ok := d.Lookup("r1"); ok {
		t.Fatal("expected no entry before assignment")
	}
	d.Assign("r1", 3)
	node, ok := d.Lookup("r1")
	if !ok || node != 3 {
		t.Fatalf("expected node 3, got %d, ok=%v", node, ok)
	}
}

func TestRemoveMastered(t *testing.T) {
	d := New(0, 1)
	d.Assign("r1", 1)
	d.Assign("r2", 2)
	d.Assign("r3", 1)
	d.RemoveMastered(1)
	if _, ok := d.Lookup("r1"); ok {
		t.Fatal("r1 should be removed")
	}
	if _, ok := d.Lookup("r3"); ok {
		t.Fatal("r3 should be removed")
	}
	if n, ok := d.Lookup("r2"); !ok || n != 2 {
		t.Fatal("r2 should survive")
	}
}

func TestRebuildReplacesWholesale(t *testing.T) {
	d := New(0, 1)
	d.Assign("stale", 9)
	d.Rebuild(map[string]uint16{"fresh": 2})
	if _, ok := d.Lookup("stale"); ok {
		t.Fatal("rebuild should drop stale entries")
	}
	if n, ok := d.Lookup("fresh"); !ok || n != 2 {
		t.Fatal("rebuild should install fresh entries")
	}
}

func TestShardForDeterministic(t *testing.T) {
	a := ShardFor("some-resource", 8)
	b := ShardFor("some-resource", 8)
	if a != b {
		t.Fatal("ShardFor must be deterministic")
	}
	if a >= 8 {
		t.Fatal("shard index out of range")
	}
}
