package applier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridfold/internal/capability"
	"gridfold/internal/grid"
	"gridfold/internal/magicpath"
	"gridfold/internal/participants"
	"gridfold/internal/resolver"
	"gridfold/internal/snapshot"
	"gridfold/internal/snapshot/cache"
	"gridfold/internal/state"
)

type fixture struct {
	grid       *grid.LocalGrid
	applier    *Applier
	states     *state.Store
	collective *participants.Collective
	cache      *cache.Cache
	personal   capability.Capability
	pub        *snapshot.Publisher
	folderDir  string
}

func setup(t *testing.T) *fixture {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g, err := grid.NewLocalGrid(db, grid.Options{})
	require.NoError(t, err)

	ctx := context.Background()
	collectiveCap, err := g.CreateDirectory(ctx)
	require.NoError(t, err)
	personalCap, err := g.CreateDirectory(ctx)
	require.NoError(t, err)
	require.NoError(t, g.UpdateDirectory(ctx, collectiveCap, "me", personalCap.ReadOnly()))

	logger := zap.NewNop()
	collective := participants.NewCollective(g, collectiveCap, personalCap, logger)
	states := state.NewStore(db)

	c, err := cache.New(db, 0, logger)
	require.NoError(t, err)

	folderDir := t.TempDir()
	a, err := New(g, collective, states, resolver.New(c), folderDir, filepath.Join(t.TempDir(), "staging"), logger)
	require.NoError(t, err)

	id, err := snapshot.GenerateIdentity("bob")
	require.NoError(t, err)

	return &fixture{
		grid:       g,
		applier:    a,
		states:     states,
		collective: collective,
		cache:      c,
		personal:   personalCap,
		pub:        snapshot.NewPublisher(g, id),
		folderDir:  folderDir,
	}
}

// cached publishes a snapshot and puts it in the cache, the state every
// snapshot reaching the applier is in.
func (f *fixture) cached(t *testing.T, name, content string, deleted bool, parents ...capability.Capability) *snapshot.Snapshot {
	t.Helper()
	var data []byte
	if !deleted {
		data = []byte(content)
	}
	snap, err := f.pub.Publish(context.Background(), name, data, deleted, parents)
	require.NoError(t, err)
	require.NoError(t, f.cache.Put(snap))
	return snap
}

func (f *fixture) dmdEntry(t *testing.T, name string) capability.Capability {
	t.Helper()
	entries, err := f.grid.ListDirectory(context.Background(), f.personal)
	require.NoError(t, err)
	return entries[magicpath.Mangle(name)]
}

func TestApplyCreation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	snap, err := f.pub.Publish(ctx, "a.txt", []byte("hello"), false, nil)
	require.NoError(t, err)

	require.NoError(t, f.applier.Apply(ctx, resolver.Creation, snap))

	data, err := os.ReadFile(filepath.Join(f.folderDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	fs, err := f.states.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, snap.Capability.String(), fs.Current)
	assert.False(t, fs.PendingLink)
	assert.False(t, fs.HasConflict())

	assert.Equal(t, snap.Capability, f.dmdEntry(t, "a.txt"))
}

func TestApplyCreatesNestedDirectories(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	snap, err := f.pub.Publish(ctx, "docs/deep/nested.txt", []byte("x"), false, nil)
	require.NoError(t, err)
	require.NoError(t, f.applier.Apply(ctx, resolver.Creation, snap))

	_, err = os.Stat(filepath.Join(f.folderDir, "docs", "deep", "nested.txt"))
	assert.NoError(t, err)
}

func TestApplyOverwrite(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	v1, err := f.pub.Publish(ctx, "a.txt", []byte("v1"), false, nil)
	require.NoError(t, err)
	require.NoError(t, f.applier.Apply(ctx, resolver.Creation, v1))

	v2, err := f.pub.Publish(ctx, "a.txt", []byte("v2"), false,
		[]capability.Capability{v1.Capability})
	require.NoError(t, err)
	require.NoError(t, f.applier.Apply(ctx, resolver.Overwrite, v2))

	data, err := os.ReadFile(filepath.Join(f.folderDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.Equal(t, v2.Capability, f.dmdEntry(t, "a.txt"))
}

func TestApplyTombstoneDeletes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	v1, err := f.pub.Publish(ctx, "a.txt", []byte("v1"), false, nil)
	require.NoError(t, err)
	require.NoError(t, f.applier.Apply(ctx, resolver.Creation, v1))

	tomb, err := f.pub.Publish(ctx, "a.txt", nil, true,
		[]capability.Capability{v1.Capability})
	require.NoError(t, err)
	require.NoError(t, f.applier.Apply(ctx, resolver.Overwrite, tomb))

	_, err = os.Stat(filepath.Join(f.folderDir, "a.txt"))
	assert.True(t, os.IsNotExist(err))

	// The DMD still advances: deletion is a version, not a removal of
	// the entry.
	assert.Equal(t, tomb.Capability, f.dmdEntry(t, "a.txt"))
}

func TestApplyConflictLeavesFileAndDMDAlone(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	mine, err := f.pub.Publish(ctx, "a.txt", []byte("mine"), false, nil)
	require.NoError(t, err)
	require.NoError(t, f.applier.Apply(ctx, resolver.Creation, mine))

	theirs, err := f.pub.Publish(ctx, "a.txt", []byte("theirs"), false, nil)
	require.NoError(t, err)
	require.NoError(t, f.applier.Apply(ctx, resolver.Conflict, theirs))

	// Existing file untouched.
	data, err := os.ReadFile(filepath.Join(f.folderDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))

	// Marker holds the conflicting content.
	marker, err := os.ReadFile(filepath.Join(f.folderDir, "a.txt.conflict-bob"))
	require.NoError(t, err)
	assert.Equal(t, "theirs", string(marker))

	// DMD still points at our version.
	assert.Equal(t, mine.Capability, f.dmdEntry(t, "a.txt"))

	fs, err := f.states.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, mine.Capability.String(), fs.Current)
	assert.Equal(t, theirs.Capability.String(), fs.Conflict)
}

func TestApplyStaleIsNoOp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	v1, err := f.pub.Publish(ctx, "a.txt", []byte("v1"), false, nil)
	require.NoError(t, err)
	require.NoError(t, f.applier.Apply(ctx, resolver.Creation, v1))

	old, err := f.pub.Publish(ctx, "a.txt", []byte("old"), false, nil)
	require.NoError(t, err)
	require.NoError(t, f.applier.Apply(ctx, resolver.Stale, old))

	data, err := os.ReadFile(filepath.Join(f.folderDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.Equal(t, v1.Capability, f.dmdEntry(t, "a.txt"))
}

func TestOverwriteClearsObsoleteConflict(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	base := f.cached(t, "a.txt", "base", false)
	require.NoError(t, f.applier.Apply(ctx, resolver.Creation, base))

	theirs := f.cached(t, "a.txt", "theirs", false)
	require.NoError(t, f.applier.Apply(ctx, resolver.Conflict, theirs))

	// Someone else published the merge; fast-forwarding to it retires
	// the conflict and its markers.
	merge := f.cached(t, "a.txt", "merged", false, base.Capability, theirs.Capability)
	require.NoError(t, f.applier.Apply(ctx, resolver.Overwrite, merge))

	fs, err := f.states.Get("a.txt")
	require.NoError(t, err)
	assert.False(t, fs.HasConflict())

	markers, err := f.applier.Markers("a.txt")
	require.NoError(t, err)
	assert.Empty(t, markers)
}

func TestLinearOverwriteKeepsRecordedConflict(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	base := f.cached(t, "a.txt", "base", false)
	require.NoError(t, f.applier.Apply(ctx, resolver.Creation, base))

	theirs := f.cached(t, "a.txt", "theirs", false)
	require.NoError(t, f.applier.Apply(ctx, resolver.Conflict, theirs))

	// A third device fast-forwards our side only. The divergence with
	// theirs is still unresolved and must stay recorded.
	next := f.cached(t, "a.txt", "next", false, base.Capability)
	require.NoError(t, f.applier.Apply(ctx, resolver.Overwrite, next))

	fs, err := f.states.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, next.Capability.String(), fs.Current)
	assert.Equal(t, theirs.Capability.String(), fs.Conflict)

	markers, err := f.applier.Markers("a.txt")
	require.NoError(t, err)
	assert.Len(t, markers, 1)
}

func TestFailedOverwriteLeavesStateUntouched(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	v1, err := f.pub.Publish(ctx, "a.txt", []byte("v1"), false, nil)
	require.NoError(t, err)
	require.NoError(t, f.applier.Apply(ctx, resolver.Creation, v1))

	// Sabotage the rename target: a non-empty directory in the file's
	// place makes the move fail after staging succeeded.
	localPath := filepath.Join(f.folderDir, "a.txt")
	require.NoError(t, os.Remove(localPath))
	require.NoError(t, os.MkdirAll(filepath.Join(localPath, "inner"), 0755))

	v2, err := f.pub.Publish(ctx, "a.txt", []byte("v2"), false,
		[]capability.Capability{v1.Capability})
	require.NoError(t, err)
	require.Error(t, f.applier.Apply(ctx, resolver.Overwrite, v2))

	// The durable record still names the last snapshot the folder
	// actually held, so a later scan retries v2 instead of skipping it.
	fs, err := f.states.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, v1.Capability.String(), fs.Current)
}
