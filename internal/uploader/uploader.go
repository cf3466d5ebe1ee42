// internal/uploader/uploader.go
package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"gridfold/internal/capability"
	"gridfold/internal/errs"
	"gridfold/internal/participants"
	"gridfold/internal/snapshot"
	"gridfold/internal/snapshot/cache"
	"gridfold/internal/state"
)

// Uploader turns local file changes into published snapshots: content
// into the grid, a signed envelope, a cache insert, and a Personal DMD
// link. It is the outbound half the download pipeline's merge
// publication also rides on.
type Uploader struct {
	pub        *snapshot.Publisher
	cache      *cache.Cache
	states     *state.Store
	collective *participants.Collective
	folderPath string
	logger     *zap.Logger
}

func New(
	pub *snapshot.Publisher,
	c *cache.Cache,
	states *state.Store,
	collective *participants.Collective,
	folderPath string,
	logger *zap.Logger,
) *Uploader {
	return &Uploader{
		pub:        pub,
		cache:      c,
		states:     states,
		collective: collective,
		folderPath: folderPath,
		logger:     logger,
	}
}

// SnapshotFile publishes the current on-disk content of name as a new
// snapshot whose parent is our current one. A missing file publishes a
// tombstone. Unchanged content is a no-op. Names with an outstanding
// conflict are refused: local edits while conflicted are the user
// working on a resolution, not a new version.
func (u *Uploader) SnapshotFile(ctx context.Context, name string) (*snapshot.Snapshot, error) {
	localPath := filepath.Join(u.folderPath, filepath.FromSlash(name))

	content, err := os.ReadFile(localPath)
	deleted := false
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %q: %w", localPath, err)
		}
		deleted = true
		content = nil
	}

	var parents []capability.Capability
	fs, err := u.states.Get(name)
	switch {
	case err == nil:
		if fs.HasConflict() {
			return nil, fmt.Errorf("%q has an unresolved conflict", name)
		}
		cur := fs.CurrentCapability()
		parents = []capability.Capability{cur}

		if same, snap := u.unchanged(cur, content, deleted); same {
			return snap, nil
		}
	case errs.IsNotFound(err):
		if deleted {
			// Never seen, nothing on disk: nothing to version.
			return nil, nil
		}
	default:
		return nil, err
	}

	return u.publish(ctx, name, content, deleted, parents)
}

// PublishMerge publishes a merge snapshot closing a conflict: both
// divergent snapshots become parents of the new one.
func (u *Uploader) PublishMerge(ctx context.Context, name string, content []byte, deleted bool, parents []capability.Capability) (*snapshot.Snapshot, error) {
	if len(parents) < 2 {
		return nil, fmt.Errorf("a merge snapshot needs at least two parents, got %d", len(parents))
	}
	return u.publish(ctx, name, content, deleted, parents)
}

func (u *Uploader) publish(ctx context.Context, name string, content []byte, deleted bool, parents []capability.Capability) (*snapshot.Snapshot, error) {
	snap, err := u.pub.Publish(ctx, name, content, deleted, parents)
	if err != nil {
		return nil, fmt.Errorf("publishing snapshot for %q: %w", name, err)
	}
	if err := u.cache.Put(snap); err != nil {
		return nil, err
	}

	fs := &state.FileState{Name: name}
	if existing, err := u.states.Get(name); err == nil {
		fs = existing
	}
	fs.Current = snap.Capability.String()
	fs.Conflict = ""
	fs.PendingLink = true
	if err := u.states.Put(fs); err != nil {
		return nil, err
	}

	if err := u.collective.UpdateSelf(ctx, name, snap.Capability); err != nil {
		u.logger.Warn("personal DMD update deferred",
			zap.String("name", name), zap.Error(err))
		return snap, nil
	}

	fs.PendingLink = false
	if err := u.states.Put(fs); err != nil {
		return nil, err
	}

	u.logger.Info("published snapshot",
		zap.String("name", name),
		zap.String("snapshot", snap.Capability.String()),
		zap.Int("parents", len(parents)),
		zap.Bool("delete", deleted),
	)
	return snap, nil
}

// unchanged reports whether content matches what the current snapshot
// already holds, using the content-derived blob capability.
func (u *Uploader) unchanged(cur capability.Capability, content []byte, deleted bool) (bool, *snapshot.Snapshot) {
	snap, err := u.cache.Get(cur)
	if err != nil {
		return false, nil
	}
	if deleted {
		return snap.IsDelete(), snap
	}
	if snap.IsDelete() {
		return false, nil
	}
	h := sha256.Sum256(content)
	return snap.Content == capability.ForBlob(hex.EncodeToString(h[:])), snap
}
