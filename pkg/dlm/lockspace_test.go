package dlm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/godlm/internal/dlm/lkb"
	"github.com/marmos91/godlm/internal/dlm/modes"
)

func newTestLockspace(t *testing.T, name string, nodeID uint16) *Lockspace {
	t.Helper()
	ls, err := New(Options{
		Name:            name,
		NodeID:          nodeID,
		ListenAddr:      "127.0.0.1:0",
		DirectoryShards: 1,
		ShardIndex:      0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close(2) })
	return ls
}

func TestRequestGrantsImmediatelyWhenCompatible(t *testing.T) {
	t.Parallel()
	ls := newTestLockspace(t, "single", 1)

	id, lvb, err := ls.RequestSync(context.Background(), "owner1", "res", modes.PR, lkb.WholeRange, lkb.Flags{}, nil)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Nil(t, lvb)
}

func TestConvertUnlockLocalRoundTrip(t *testing.T) {
	t.Parallel()
	ls := newTestLockspace(t, "single", 1)

	id, _, err := ls.RequestSync(context.Background(), "owner1", "res", modes.PR, lkb.WholeRange, lkb.Flags{}, nil)
	require.NoError(t, err)

	err = ls.Convert(context.Background(), "res", id, modes.EX, lkb.Flags{}, nil)
	require.NoError(t, err)

	err = ls.Unlock(context.Background(), "res", id)
	require.NoError(t, err)

	granted, converting, waiting := ls.Resource("res")
	assert.Empty(t, granted)
	assert.Empty(t, converting)
	assert.Empty(t, waiting)
}

func TestCancelPendingWait(t *testing.T) {
	t.Parallel()
	ls := newTestLockspace(t, "single", 1)

	holder, _, err := ls.RequestSync(context.Background(), "holder", "res", modes.EX, lkb.WholeRange, lkb.Flags{}, nil)
	require.NoError(t, err)

	waiterDone := make(chan lkb.AST, 1)
	waiterID, err := ls.Request(context.Background(), "waiter", "res", modes.EX, lkb.WholeRange, lkb.Flags{}, nil, func(a lkb.AST) {
		if a.Completion {
			waiterDone <- a
		}
	})
	require.NoError(t, err)

	err = ls.Cancel(context.Background(), "res", waiterID)
	require.NoError(t, err)

	select {
	case a := <-waiterDone:
		require.Error(t, a.Status.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel completion not delivered")
	}

	require.NoError(t, ls.Unlock(context.Background(), "res", holder))
}

// TestRemoteRequestForwardsToMaster wires two lockspaces over real TCP, each
// owning a distinct directory shard, and confirms a lock request issued on
// the non-owning node is forwarded to the other node's engine and granted
// there.
func TestRemoteRequestForwardsToMaster(t *testing.T) {
	t.Parallel()

	// A single directory shard owned by node 0 means node 0 masters every
	// resource and node 2 (any other shard index) must always forward.
	master, err := New(Options{
		Name:            "cluster",
		NodeID:          0,
		ListenAddr:      "127.0.0.1:0",
		DirectoryShards: 1,
		ShardIndex:      0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = master.Close(2) })

	origin, err := New(Options{
		Name:            "cluster",
		NodeID:          2,
		ListenAddr:      "127.0.0.1:0",
		DirectoryShards: 1,
		ShardIndex:      1,
		Peers:           map[uint16]string{0: master.transport.Addr().String()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = origin.Close(2) })
	master.transport.SetPeer(2, origin.transport.Addr().String())

	// Node 0 masters the resource locally first, so node 2's request must
	// be forwarded over the wire rather than claimed locally.
	masterID, _, err := master.RequestSync(context.Background(), "master-owner", "shared", modes.PR, lkb.WholeRange, lkb.Flags{}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), masterID.NodeID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remoteID, lvb, err := origin.RequestSync(ctx, "remote-owner", "shared", modes.CR, lkb.WholeRange, lkb.Flags{}, nil)
	require.NoError(t, err)
	assert.Nil(t, lvb)
	// The lock was granted by node 0's engine, so its id carries node 0.
	assert.Equal(t, uint16(0), remoteID.NodeID())

	granted, _, _ := master.Resource("shared")
	assert.Len(t, granted, 2)
}

func TestRemoteUnlockForwardsToMaster(t *testing.T) {
	t.Parallel()

	master, err := New(Options{
		Name:            "cluster2",
		NodeID:          0,
		ListenAddr:      "127.0.0.1:0",
		DirectoryShards: 1,
		ShardIndex:      0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = master.Close(2) })

	origin, err := New(Options{
		Name:            "cluster2",
		NodeID:          2,
		ListenAddr:      "127.0.0.1:0",
		DirectoryShards: 1,
		ShardIndex:      1,
		Peers:           map[uint16]string{0: master.transport.Addr().String()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = origin.Close(2) })
	master.transport.SetPeer(2, origin.transport.Addr().String())

	_, _, err = master.RequestSync(context.Background(), "master-owner", "shared2", modes.PR, lkb.WholeRange, lkb.Flags{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remoteID, _, err := origin.RequestSync(ctx, "remote-owner", "shared2", modes.CR, lkb.WholeRange, lkb.Flags{}, nil)
	require.NoError(t, err)

	require.NoError(t, origin.Unlock(ctx, "shared2", remoteID))

	granted, _, _ := master.Resource("shared2")
	assert.Len(t, granted, 1)
}

func TestResolveMasterClaimsUnmasteredResource(t *testing.T) {
	t.Parallel()
	ls := newTestLockspace(t, "solo", 1)

	_, known := ls.resolveMaster(context.Background(), "never-seen")
	assert.False(t, known)

	_, _, err := ls.RequestSync(context.Background(), "owner", "never-seen", modes.PR, lkb.WholeRange, lkb.Flags{}, nil)
	require.NoError(t, err)

	master, known := ls.resolveMaster(context.Background(), "never-seen")
	assert.True(t, known)
	assert.Equal(t, uint16(1), master)
}
