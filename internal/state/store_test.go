package state

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridfold/internal/errs"
)

func setupStore(t *testing.T) *Store {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestStoreRoundTrip(t *testing.T) {
	s := setupStore(t)

	require.NoError(t, s.Put(&FileState{Name: "a.txt", Current: "blob:aa"}))

	fs, err := s.Get("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "blob:aa", fs.Current)
	assert.False(t, fs.HasConflict())
	assert.False(t, fs.UpdatedAt.IsZero())

	t.Run("Missing", func(t *testing.T) {
		_, err := s.Get("nope.txt")
		require.Error(t, err)
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("NameRequired", func(t *testing.T) {
		assert.Error(t, s.Put(&FileState{Current: "blob:bb"}))
	})
}

func TestStoreFilters(t *testing.T) {
	s := setupStore(t)

	require.NoError(t, s.Put(&FileState{Name: "clean.txt", Current: "blob:aa"}))
	require.NoError(t, s.Put(&FileState{Name: "torn.txt", Current: "blob:bb", Conflict: "blob:cc"}))
	require.NoError(t, s.Put(&FileState{Name: "half.txt", Current: "blob:dd", PendingLink: true}))

	all, err := s.List()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	conflicted, err := s.Conflicted()
	require.NoError(t, err)
	require.Len(t, conflicted, 1)
	assert.Equal(t, "torn.txt", conflicted[0].Name)
	assert.Equal(t, "blob:cc", conflicted[0].Conflict)

	pending, err := s.PendingLinks()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "half.txt", pending[0].Name)

	// Clearing the flags drops the rows from both filters.
	conflicted[0].Conflict = ""
	require.NoError(t, s.Put(conflicted[0]))
	pending[0].PendingLink = false
	require.NoError(t, s.Put(pending[0]))

	conflicted, err = s.Conflicted()
	require.NoError(t, err)
	assert.Empty(t, conflicted)

	pending, err = s.PendingLinks()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
