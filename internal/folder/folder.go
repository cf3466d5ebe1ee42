// internal/folder/folder.go
package folder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"gridfold/internal/applier"
	"gridfold/internal/capability"
	"gridfold/internal/config"
	"gridfold/internal/diff"
	"gridfold/internal/downloader"
	"gridfold/internal/errs"
	"gridfold/internal/grid"
	"gridfold/internal/logging"
	"gridfold/internal/participants"
	"gridfold/internal/resolver"
	"gridfold/internal/scanner"
	"gridfold/internal/snapshot"
	"gridfold/internal/snapshot/cache"
	"gridfold/internal/state"
	"gridfold/internal/uploader"
	"gridfold/internal/watcher"
)

// Resolution picks which side of a conflict the published merge keeps.
type Resolution int

const (
	KeepMine Resolution = iota
	KeepTheirs
)

// Folder wires the whole pipeline together: discovery scanner →
// download service → ancestry resolver → local applier, plus the
// outbound watcher → uploader path. All shared state (participant list,
// snapshot cache, file states) is held here and passed down explicitly;
// nothing is a package-level singleton, so each stage tests in
// isolation with synthetic graphs.
type Folder struct {
	grid       grid.Grid
	cache      *cache.Cache
	states     *state.Store
	collective *participants.Collective
	resolve    *resolver.Resolver
	apply      *applier.Applier
	downloads  *downloader.Downloader
	scan       *scanner.Scanner
	upload     *uploader.Uploader
	watch      *watcher.Watcher
	log        *logging.Logger
	logger     *zap.Logger

	// Per-name serialization: classify/apply cycles and local snapshot
	// creation for one name never interleave. Unrelated names proceed
	// concurrently.
	namesMu sync.Mutex
	names   map[string]*sync.Mutex

	handled atomic.Int64 // remote snapshots fully processed
}

// New assembles a folder from its configuration, an open grid client,
// and the local badger database.
func New(cfg *config.Config, g grid.Grid, db *badger.DB, id *snapshot.Identity, log *logging.Logger) (*Folder, error) {
	logger := log.Logger
	snapCache, err := cache.New(db, 0, logger)
	if err != nil {
		return nil, err
	}
	states := state.NewStore(db)

	collective := participants.NewCollective(
		g,
		capability.Capability(cfg.Collective),
		capability.Capability(cfg.Personal),
		logger,
	)

	mat := snapshot.NewMaterializer(g, logger)
	downloads := downloader.New(mat, snapCache, logger, downloader.Options{})
	scan := scanner.New(collective, snapCache, states, downloads, cfg.PollInterval(), logger)

	staging := cfg.Folder.Staging
	if staging == "" {
		staging = filepath.Join(cfg.Folder.Path, ".staging")
	}
	res := resolver.New(snapCache)
	apply, err := applier.New(g, collective, states, res, cfg.Folder.Path, staging, logger)
	if err != nil {
		return nil, err
	}

	pub := snapshot.NewPublisher(g, id)
	upload := uploader.New(pub, snapCache, states, collective, cfg.Folder.Path, logger)

	return &Folder{
		grid:       g,
		cache:      snapCache,
		states:     states,
		collective: collective,
		resolve:    res,
		apply:      apply,
		downloads:  downloads,
		scan:       scan,
		upload:     upload,
		watch:      watcher.New(cfg.Folder.Path, 0, logger),
		log:        log,
		logger:     logger,
	}, nil
}

func (f *Folder) nameLock(name string) *sync.Mutex {
	f.namesMu.Lock()
	defer f.namesMu.Unlock()
	if f.names == nil {
		f.names = make(map[string]*sync.Mutex)
	}
	mu, ok := f.names[name]
	if !ok {
		mu = &sync.Mutex{}
		f.names[name] = mu
	}
	return mu
}

// Run drives the folder until ctx is cancelled: periodic discovery,
// continuous downloads, remote application, and local change capture.
func (f *Folder) Run(ctx context.Context) error {
	if err := f.apply.RecoverPending(ctx); err != nil {
		f.logger.Warn("could not recover pending DMD links", zap.Error(err))
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				f.logger.Error("service stopped", zap.String("service", name), zap.Error(err))
			}
		}()
	}

	run("scanner", f.scan.Run)
	run("downloader", f.downloads.Run)
	run("watcher", f.watch.Run)
	run("remote-updates", f.consumeReady)
	run("local-updates", f.consumeLocal)

	wg.Wait()
	return ctx.Err()
}

// consumeReady applies resolution-eligible snapshots strictly in the
// order the download service completes them. That ordering is the
// deterministic tie-break when several snapshots for one name arrive in
// the same cycle: first completed, first classified.
func (f *Folder) consumeReady(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-f.downloads.Ready():
			err := f.handleRemote(ctx, snap)
			f.handled.Add(1)
			if err != nil {
				if errs.HasKind(err, errs.KindIncompleteHistory) {
					// Invariant violation in dependency ordering; never
					// swallowed quietly.
					f.logger.Error("incomplete history during classification",
						zap.String("snapshot", snap.Capability.String()),
						zap.Error(err),
					)
				} else {
					f.logger.Error("applying remote snapshot failed",
						zap.String("snapshot", snap.Capability.String()),
						zap.Error(err),
					)
				}
			}
		}
	}
}

func (f *Folder) consumeLocal(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rel := <-f.watch.Events():
			if err := f.SnapshotLocal(ctx, rel); err != nil {
				f.logger.Warn("local snapshot failed",
					zap.String("name", rel), zap.Error(err))
			}
		}
	}
}

func (f *Folder) handleRemote(ctx context.Context, remote *snapshot.Snapshot) error {
	mu := f.nameLock(remote.Name)
	mu.Lock()
	defer mu.Unlock()

	var local *snapshot.Snapshot
	fs, err := f.states.Get(remote.Name)
	switch {
	case err == nil:
		if fs.Conflict == remote.Capability.String() {
			return nil // already marked
		}
		if fs.Current != "" {
			local, err = f.cache.Get(fs.CurrentCapability())
			if err != nil {
				return fmt.Errorf("our current snapshot for %q is not cached: %w", remote.Name, err)
			}
		}
	case errs.IsNotFound(err):
		// First sight of this name.
	default:
		return err
	}

	cls, err := f.resolve.Classify(remote, local)
	if err != nil {
		return err
	}

	// While a name is conflicted, further divergent remotes are left
	// for the eventual resolution to supersede; fast-forwards (someone
	// else's merge) still apply.
	if cls == resolver.Conflict && fs != nil && fs.HasConflict() {
		f.log.WithName(remote.Name).Info("ignoring additional conflict on already-conflicted name",
			zap.String("snapshot", remote.Capability.String()))
		return nil
	}

	return f.apply.Apply(ctx, cls, remote)
}

// SnapshotLocal publishes the on-disk content of one name, serialized
// against remote application for the same name.
func (f *Folder) SnapshotLocal(ctx context.Context, name string) error {
	mu := f.nameLock(name)
	mu.Lock()
	defer mu.Unlock()

	_, err := f.upload.SnapshotFile(ctx, name)
	return err
}

// SyncOnce performs a single discovery/download/apply cycle and returns
// when the pipeline is quiet. Callers own ctx's deadline.
func (f *Folder) SyncOnce(ctx context.Context) error {
	if err := f.apply.RecoverPending(ctx); err != nil {
		return err
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.downloads.Run(cctx)
	go f.consumeReady(cctx)

	if err := f.scan.ScanOnce(ctx); err != nil {
		return err
	}
	if err := f.downloads.WaitIdle(ctx); err != nil {
		return err
	}

	// Everything downloaded; wait until every dispatched snapshot has
	// been classified and applied.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if f.handled.Load() == f.downloads.Dispatched() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Conflicts lists the names with an outstanding conflict.
func (f *Folder) Conflicts() ([]*state.FileState, error) {
	return f.states.Conflicted()
}

// ConflictDiff compares the local copy of a conflicted name against
// the remote version that diverged from it.
func (f *Folder) ConflictDiff(ctx context.Context, name string) (*diff.Result, error) {
	fs, err := f.states.Get(name)
	if err != nil {
		return nil, err
	}
	if !fs.HasConflict() {
		return nil, fmt.Errorf("%q has no outstanding conflict", name)
	}

	mine, err := os.ReadFile(f.apply.LocalPath(name))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading local content: %w", err)
	}

	theirs, err := f.cache.Get(fs.ConflictCapability())
	if err != nil {
		return nil, err
	}
	var remote []byte
	if !theirs.IsDelete() {
		remote, err = f.grid.ReadBlob(ctx, theirs.Content)
		if err != nil {
			return nil, fmt.Errorf("reading remote content: %w", err)
		}
	}

	return diff.NewEngine(3).Compare(mine, remote), nil
}

// States lists the durable per-name records.
func (f *Folder) States() ([]*state.FileState, error) {
	return f.states.List()
}

// Join admits a new participant; only works when our collective
// capability is writable.
func (f *Folder) Join(ctx context.Context, nickname string, dmd capability.Capability) error {
	return f.collective.Join(ctx, nickname, dmd)
}

// Resolve closes the conflict on name by publishing a merge snapshot
// whose parents are both sides of the divergence, then pointing our
// Personal DMD at it. Peers observing the merge fast-forward to it from
// either side.
func (f *Folder) Resolve(ctx context.Context, name string, choice Resolution) error {
	mu := f.nameLock(name)
	mu.Lock()
	defer mu.Unlock()

	fs, err := f.states.Get(name)
	if err != nil {
		return err
	}
	if !fs.HasConflict() {
		return fmt.Errorf("%q has no outstanding conflict", name)
	}

	theirs, err := f.cache.Get(fs.ConflictCapability())
	if err != nil {
		return err
	}

	var content []byte
	var deleted bool
	switch choice {
	case KeepMine:
		content, err = os.ReadFile(f.apply.LocalPath(name))
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("reading local content: %w", err)
			}
			deleted = true
		}
	case KeepTheirs:
		if theirs.IsDelete() {
			deleted = true
		} else {
			content, err = f.grid.ReadBlob(ctx, theirs.Content)
			if err != nil {
				return fmt.Errorf("reading remote content: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown resolution %d", choice)
	}

	merge, err := f.upload.PublishMerge(ctx, name, content, deleted,
		[]capability.Capability{fs.CurrentCapability(), fs.ConflictCapability()})
	if err != nil {
		return err
	}

	if choice == KeepTheirs {
		if err := f.apply.ReplaceLocal(name, content, deleted); err != nil {
			return err
		}
	}
	log := f.log.WithName(name)
	if err := f.apply.RemoveMarkers(name); err != nil {
		log.Warn("could not remove conflict markers", zap.Error(err))
	}

	log.Info("conflict resolved", zap.String("merge", merge.Capability.String()))
	return nil
}
