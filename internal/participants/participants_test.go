package participants

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridfold/internal/capability"
	"gridfold/internal/grid"
)

type fixture struct {
	grid       *grid.LocalGrid
	collective capability.Capability
	personal   capability.Capability
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
	collective, err := g.CreateDirectory(ctx)
	require.NoError(t, err)
	personal, err := g.CreateDirectory(ctx)
	require.NoError(t, err)
	require.NoError(t, g.UpdateDirectory(ctx, collective, "alice", personal.ReadOnly()))

	return &fixture{grid: g, collective: collective, personal: personal}
}

func TestList(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	peer, err := fx.grid.CreateDirectory(ctx)
	require.NoError(t, err)
	require.NoError(t, fx.grid.UpdateDirectory(ctx, fx.collective, "bob", peer.ReadOnly()))

	c := NewCollective(fx.grid, fx.collective.ReadOnly(), fx.personal, zap.NewNop())

	parts, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	byName := map[string]Participant{}
	for _, p := range parts {
		byName[p.Name] = p
	}
	assert.True(t, byName["alice"].IsSelf)
	assert.False(t, byName["bob"].IsSelf)
	assert.False(t, byName["bob"].DMD.IsWritable())
}

func TestFiles(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	c := NewCollective(fx.grid, fx.collective.ReadOnly(), fx.personal, zap.NewNop())

	snap, err := fx.grid.WriteBlob(ctx, []byte("snapshot"))
	require.NoError(t, err)

	require.NoError(t, c.UpdateSelf(ctx, "docs/notes.txt", snap))
	// Undecodable entry written by a buggy peer.
	require.NoError(t, fx.grid.UpdateDirectory(ctx, fx.personal, "bad@escape", snap))

	self := Participant{Name: "alice", DMD: fx.personal.ReadOnly(), IsSelf: true}
	files, err := c.Files(ctx, self)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, snap, files["docs/notes.txt"])
}

func TestUpdateSelfRequiresWritable(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	c := NewCollective(fx.grid, fx.collective.ReadOnly(), fx.personal.ReadOnly(), zap.NewNop())

	snap, err := fx.grid.WriteBlob(ctx, []byte("x"))
	require.NoError(t, err)
	assert.Error(t, c.UpdateSelf(ctx, "a.txt", snap))
}

func TestJoin(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	peer, err := fx.grid.CreateDirectory(ctx)
	require.NoError(t, err)

	t.Run("AdminOnly", func(t *testing.T) {
		c := NewCollective(fx.grid, fx.collective.ReadOnly(), fx.personal, zap.NewNop())
		assert.Error(t, c.Join(ctx, "bob", peer.ReadOnly()))
	})

	admin := NewCollective(fx.grid, fx.collective, fx.personal, zap.NewNop())

	t.Run("AddsReadOnlyEntry", func(t *testing.T) {
		require.NoError(t, admin.Join(ctx, "bob", peer))

		parts, err := admin.List(ctx)
		require.NoError(t, err)
		require.Len(t, parts, 2)
		for _, p := range parts {
			assert.False(t, p.DMD.IsWritable())
		}
	})

	t.Run("RejectsDuplicate", func(t *testing.T) {
		assert.Error(t, admin.Join(ctx, "bob", peer))
	})
}
