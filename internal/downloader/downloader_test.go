package downloader

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridfold/internal/capability"
	"gridfold/internal/grid"
	"gridfold/internal/snapshot"
	"gridfold/internal/snapshot/cache"
)

type fixture struct {
	grid  *grid.LocalGrid
	cache *cache.Cache
	pub   *snapshot.Publisher
	dl    *Downloader
}

func setup(t *testing.T) *fixture {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g, err := grid.NewLocalGrid(db, grid.Options{})
	require.NoError(t, err)

	c, err := cache.New(db, 0, zap.NewNop())
	require.NoError(t, err)

	id, err := snapshot.GenerateIdentity("alice")
	require.NoError(t, err)

	mat := snapshot.NewMaterializer(g, zap.NewNop())
	dl := New(mat, c, zap.NewNop(), Options{
		Workers:     2,
		MaxAttempts: 2,
		BaseBackoff: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dl.Run(ctx)

	return &fixture{grid: g, cache: c, pub: snapshot.NewPublisher(g, id), dl: dl}
}

func (f *fixture) publish(t *testing.T, name, content string, parents ...capability.Capability) *snapshot.Snapshot {
	t.Helper()
	snap, err := f.pub.Publish(context.Background(), name, []byte(content), false, parents)
	require.NoError(t, err)
	return snap
}

func collect(t *testing.T, f *fixture, n int) []*snapshot.Snapshot {
	t.Helper()
	out := make([]*snapshot.Snapshot, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case snap := <-f.dl.Ready():
			out = append(out, snap)
		case <-deadline:
			t.Fatalf("timed out waiting for %d snapshots, got %d", n, len(out))
		}
	}
	return out
}

func TestDownloadChainParentsFirst(t *testing.T) {
	f := setup(t)

	base := f.publish(t, "a.txt", "v1")
	mid := f.publish(t, "a.txt", "v2", base.Capability)
	tip := f.publish(t, "a.txt", "v3", mid.Capability)

	// Only the tip is discovered; the chain must be pulled in and
	// dispatched ancestors-first.
	f.dl.Enqueue(tip.Capability)

	got := collect(t, f, 3)
	order := map[capability.Capability]int{}
	for i, s := range got {
		order[s.Capability] = i
	}
	assert.Less(t, order[base.Capability], order[mid.Capability])
	assert.Less(t, order[mid.Capability], order[tip.Capability])

	for _, s := range []*snapshot.Snapshot{base, mid, tip} {
		assert.True(t, f.cache.Has(s.Capability))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.dl.WaitIdle(ctx))
}

func TestDownloadMergeSharedAncestry(t *testing.T) {
	f := setup(t)

	base := f.publish(t, "b.txt", "base")
	left := f.publish(t, "b.txt", "left", base.Capability)
	right := f.publish(t, "b.txt", "right", base.Capability)
	merge := f.publish(t, "b.txt", "merged", left.Capability, right.Capability)

	f.dl.Enqueue(merge.Capability)

	got := collect(t, f, 4)
	order := map[capability.Capability]int{}
	for i, s := range got {
		order[s.Capability] = i
	}
	assert.Less(t, order[base.Capability], order[left.Capability])
	assert.Less(t, order[base.Capability], order[right.Capability])
	assert.Less(t, order[left.Capability], order[merge.Capability])
	assert.Less(t, order[right.Capability], order[merge.Capability])
}

func TestDuplicateEnqueueIsCheap(t *testing.T) {
	f := setup(t)
	snap := f.publish(t, "c.txt", "v1")

	f.dl.Enqueue(snap.Capability)
	got := collect(t, f, 1)
	assert.Equal(t, snap.Capability, got[0].Capability)

	// Re-enqueueing something already complete re-dispatches it (the
	// applier classifies it Stale); nothing re-downloads.
	f.dl.Enqueue(snap.Capability)
	got = collect(t, f, 1)
	assert.Equal(t, snap.Capability, got[0].Capability)
}

func TestMalformedSnapshotIsDropped(t *testing.T) {
	f := setup(t)

	junk, err := f.grid.WriteBlob(context.Background(), []byte("not a snapshot"))
	require.NoError(t, err)

	f.dl.Enqueue(junk)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.dl.WaitIdle(ctx))

	assert.False(t, f.cache.Has(junk))
	select {
	case snap := <-f.dl.Ready():
		t.Fatalf("untrusted snapshot was dispatched: %s", snap.Capability)
	default:
	}
}

func TestDependentOfDroppedParentIsDropped(t *testing.T) {
	f := setup(t)

	junk, err := f.grid.WriteBlob(context.Background(), []byte("garbage"))
	require.NoError(t, err)
	child := f.publish(t, "d.txt", "v2", junk)

	f.dl.Enqueue(child.Capability)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.dl.WaitIdle(ctx))

	// The child is cached (it verified fine) but must never be
	// dispatched: its ancestry cannot be trusted or completed.
	select {
	case snap := <-f.dl.Ready():
		t.Fatalf("snapshot with untrusted ancestry was dispatched: %s", snap.Capability)
	default:
	}
}

func TestRediscoveredSuspendedSnapshotDispatchesOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// The parent's history lives in a grid this device cannot reach
	// yet; only the child's envelope has replicated.
	auxOpts := badger.DefaultOptions("").WithInMemory(true)
	auxOpts.Logger = nil
	auxDB, err := badger.Open(auxOpts)
	require.NoError(t, err)
	t.Cleanup(func() { auxDB.Close() })
	aux, err := grid.NewLocalGrid(auxDB, grid.Options{})
	require.NoError(t, err)

	carol, err := snapshot.GenerateIdentity("carol")
	require.NoError(t, err)
	parent, err := snapshot.NewPublisher(aux, carol).Publish(ctx, "e.txt", []byte("v1"), false, nil)
	require.NoError(t, err)

	child := f.publish(t, "e.txt", "v2", parent.Capability)

	f.dl.Enqueue(child.Capability)
	deadline := time.After(2 * time.Second)
	for !f.cache.Has(child.Capability) {
		select {
		case <-deadline:
			t.Fatal("child never cached")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// A later scan rediscovers the still-suspended child.
	f.dl.Enqueue(child.Capability)
	time.Sleep(50 * time.Millisecond)

	// The parent's blobs replicate; now the chain can finish.
	_, err = grid.CopyBlob(ctx, f.grid, aux, parent.Capability)
	require.NoError(t, err)
	_, err = grid.CopyBlob(ctx, f.grid, aux, parent.Metadata)
	require.NoError(t, err)
	f.dl.Enqueue(parent.Capability)

	got := collect(t, f, 2)
	assert.Equal(t, parent.Capability, got[0].Capability)
	assert.Equal(t, child.Capability, got[1].Capability)

	select {
	case s := <-f.dl.Ready():
		t.Fatalf("snapshot dispatched twice: %s", s.Capability)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMissingBlobRetriedThenAbandoned(t *testing.T) {
	f := setup(t)

	ghost := capability.ForBlob("1111111111111111111111111111111111111111111111111111111111111111")
	f.dl.Enqueue(ghost)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.dl.WaitIdle(ctx))

	assert.False(t, f.cache.Has(ghost))

	// Not terminal: a later discovery retries it.
	f.dl.Enqueue(ghost)
	require.NoError(t, f.dl.WaitIdle(ctx))
}
