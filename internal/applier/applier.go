// internal/applier/applier.go
package applier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridfold/internal/capability"
	"gridfold/internal/grid"
	"gridfold/internal/participants"
	"gridfold/internal/resolver"
	"gridfold/internal/snapshot"
	"gridfold/internal/state"
)

// Applier mutates the local folder to reflect a classified remote
// snapshot. Content is always fetched into a staging area first and
// moved into place with a rename, so the folder never contains a
// partially written file; no grid fetch happens while the folder is
// mid-mutation.
type Applier struct {
	grid       grid.Grid
	collective *participants.Collective
	states     *state.Store
	resolve    *resolver.Resolver
	folderPath string
	staging    string
	logger     *zap.Logger
}

func New(
	g grid.Grid,
	collective *participants.Collective,
	states *state.Store,
	resolve *resolver.Resolver,
	folderPath, staging string,
	logger *zap.Logger,
) (*Applier, error) {
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &Applier{
		grid:       g,
		collective: collective,
		states:     states,
		resolve:    resolve,
		folderPath: folderPath,
		staging:    staging,
		logger:     logger,
	}, nil
}

// LocalPath returns where name lives inside the folder.
func (a *Applier) LocalPath(name string) string {
	return filepath.Join(a.folderPath, filepath.FromSlash(name))
}

// MarkerPath returns the conflict-marker path for name written by the
// given author. Its existence beside the file signals an unresolved
// conflict.
func (a *Applier) MarkerPath(name, author string) string {
	return a.LocalPath(name) + ".conflict-" + author
}

// Markers returns the existing conflict-marker paths for name.
func (a *Applier) Markers(name string) ([]string, error) {
	return filepath.Glob(a.LocalPath(name) + ".conflict-*")
}

// Apply performs the filesystem and bookkeeping mutation for one
// classified snapshot. The caller serializes calls per name.
func (a *Applier) Apply(ctx context.Context, cls resolver.Classification, remote *snapshot.Snapshot) error {
	switch cls {
	case resolver.Stale:
		return nil
	case resolver.Creation, resolver.Overwrite:
		return a.applyOverwrite(ctx, remote)
	case resolver.Conflict:
		return a.applyConflict(ctx, remote)
	default:
		return fmt.Errorf("unknown classification %v", cls)
	}
}

func (a *Applier) applyOverwrite(ctx context.Context, remote *snapshot.Snapshot) error {
	name := remote.Name
	localPath := a.LocalPath(name)

	// Fetch before touching anything local.
	var staged string
	if !remote.IsDelete() {
		var err error
		staged, err = a.stage(ctx, remote.Content)
		if err != nil {
			return err
		}
		defer os.Remove(staged)
	}

	fs, err := a.states.Get(name)
	if err != nil {
		fs = &state.FileState{Name: name}
	}

	// An outstanding conflict is retired only when the overwrite
	// descends from the conflicting side too, i.e. someone published
	// the merge. A linear edit past our current leaves it recorded.
	clearConflict := false
	if fs.HasConflict() {
		clearConflict, err = a.resolve.Descends(remote, fs.ConflictCapability())
		if err != nil {
			return err
		}
	}

	// Filesystem first: the durable record must never name a snapshot
	// the folder does not actually hold, or the scanner would treat the
	// capability as applied and stop retrying it.
	if remote.IsDelete() {
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting %q: %w", localPath, err)
		}
		a.logger.Info("applied deletion",
			zap.String("name", name),
			zap.String("snapshot", remote.Capability.String()),
		)
	} else {
		if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
			return fmt.Errorf("creating parent directory for %q: %w", localPath, err)
		}
		if err := os.Rename(staged, localPath); err != nil {
			return fmt.Errorf("moving %q into place: %w", name, err)
		}
		a.logger.Info("applied snapshot",
			zap.String("name", name),
			zap.String("snapshot", remote.Capability.String()),
			zap.Bool("merge", remote.IsMerge()),
		)
	}

	fs.Current = remote.Capability.String()
	if clearConflict {
		fs.Conflict = ""
	}
	fs.PendingLink = true
	if err := a.states.Put(fs); err != nil {
		return err
	}

	if clearConflict {
		if err := a.removeMarkers(name); err != nil {
			a.logger.Warn("could not remove stale conflict markers",
				zap.String("name", name), zap.Error(err))
		}
	}

	if err := a.collective.UpdateSelf(ctx, name, remote.Capability); err != nil {
		// Local state is consistent and marked pending; the link is
		// re-driven at next startup or sync.
		a.logger.Warn("personal DMD update deferred",
			zap.String("name", name), zap.Error(err))
		return nil
	}

	fs.PendingLink = false
	return a.states.Put(fs)
}

func (a *Applier) applyConflict(ctx context.Context, remote *snapshot.Snapshot) error {
	name := remote.Name
	marker := a.MarkerPath(name, remote.Author.Name)

	// A deletion can conflict too; the marker is then empty.
	var data []byte
	if !remote.IsDelete() {
		var err error
		data, err = a.grid.ReadBlob(ctx, remote.Content)
		if err != nil {
			return fmt.Errorf("downloading conflicting content for %q: %w", name, err)
		}
	}

	staged, err := a.stageBytes(data)
	if err != nil {
		return err
	}
	defer os.Remove(staged)

	if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
		return fmt.Errorf("creating parent directory for %q: %w", marker, err)
	}
	if err := os.Rename(staged, marker); err != nil {
		return fmt.Errorf("writing conflict marker for %q: %w", name, err)
	}

	fs, err := a.states.Get(name)
	if err != nil {
		fs = &state.FileState{Name: name}
	}
	fs.Conflict = remote.Capability.String()
	if err := a.states.Put(fs); err != nil {
		return err
	}

	// The existing file and our Personal DMD entry stay untouched: the
	// divergence is surfaced, not decided.
	a.logger.Warn("conflict detected",
		zap.String("name", name),
		zap.String("remote", remote.Capability.String()),
		zap.String("author", remote.Author.Name),
		zap.String("marker", marker),
	)
	return nil
}

// RecoverPending re-drives Personal DMD links that a previous process
// applied locally but never published.
func (a *Applier) RecoverPending(ctx context.Context) error {
	pending, err := a.states.PendingLinks()
	if err != nil {
		return err
	}
	for _, fs := range pending {
		if err := a.collective.UpdateSelf(ctx, fs.Name, fs.CurrentCapability()); err != nil {
			return err
		}
		fs.PendingLink = false
		if err := a.states.Put(fs); err != nil {
			return err
		}
		a.logger.Info("recovered pending DMD link", zap.String("name", fs.Name))
	}
	return nil
}

func (a *Applier) stage(ctx context.Context, content capability.Capability) (string, error) {
	tmp := filepath.Join(a.staging, uuid.New().String())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("creating staged file: %w", err)
	}
	if err := grid.ReadBlobTo(ctx, a.grid, content, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("downloading content %s: %w", content, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func (a *Applier) stageBytes(data []byte) (string, error) {
	tmp := filepath.Join(a.staging, uuid.New().String())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("writing staged content: %w", err)
	}
	return tmp, nil
}

// ReplaceLocal overwrites (or deletes) the local file for name outside
// the normal classification flow, used when resolving a conflict in
// favor of the remote side. Same staging discipline as Apply.
func (a *Applier) ReplaceLocal(name string, data []byte, deleted bool) error {
	localPath := a.LocalPath(name)
	if deleted {
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting %q: %w", localPath, err)
		}
		return nil
	}
	staged, err := a.stageBytes(data)
	if err != nil {
		return err
	}
	defer os.Remove(staged)
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("creating parent directory for %q: %w", localPath, err)
	}
	if err := os.Rename(staged, localPath); err != nil {
		return fmt.Errorf("moving %q into place: %w", name, err)
	}
	return nil
}

// RemoveMarkers deletes every conflict marker for name.
func (a *Applier) RemoveMarkers(name string) error {
	return a.removeMarkers(name)
}

func (a *Applier) removeMarkers(name string) error {
	markers, err := a.Markers(name)
	if err != nil {
		return err
	}
	for _, m := range markers {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
