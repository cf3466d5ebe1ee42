// internal/scanner/scanner.go
package scanner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gridfold/internal/capability"
	"gridfold/internal/downloader"
	"gridfold/internal/errs"
	"gridfold/internal/participants"
	"gridfold/internal/snapshot/cache"
	"gridfold/internal/state"
)

// Scanner periodically walks the collective: every participant's DMD
// entry whose capability we have not already applied is enqueued for
// download, and so is every missing parent of anything already cached.
// Discovery is at-least-once; the downloader treats duplicates as
// no-ops.
type Scanner struct {
	collective *participants.Collective
	cache      *cache.Cache
	states     *state.Store
	downloads  *downloader.Downloader
	interval   time.Duration
	logger     *zap.Logger

	wake chan struct{}
}

func New(
	collective *participants.Collective,
	c *cache.Cache,
	states *state.Store,
	downloads *downloader.Downloader,
	interval time.Duration,
	logger *zap.Logger,
) *Scanner {
	return &Scanner{
		collective: collective,
		cache:      c,
		states:     states,
		downloads:  downloads,
		interval:   interval,
		logger:     logger,
		wake:       make(chan struct{}, 1),
	}
}

// Wake triggers a scan ahead of the next tick. Coalesces: waking a
// scanner that already has a scan pending is a no-op.
func (s *Scanner) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run scans immediately, then on every tick or wake, until ctx is
// cancelled. Transient failures are logged and left for the next cycle.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.ScanOnce(ctx); err != nil {
			if errs.IsTransient(err) {
				s.logger.Info("scan failed, grid unavailable", zap.Error(err))
			} else {
				s.logger.Error("scan failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// ScanOnce performs a single discovery pass.
func (s *Scanner) ScanOnce(ctx context.Context) error {
	parts, err := s.collective.List(ctx)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, p := range parts {
		files, err := s.collective.Files(ctx, p)
		if err != nil {
			// One unreachable participant must not starve the rest.
			s.logger.Info("skipping unreachable participant",
				zap.String("participant", p.Name), zap.Error(err))
			continue
		}

		for name, cap := range files {
			if s.applied(name, cap) {
				continue
			}
			s.downloads.Enqueue(cap)
			enqueued++
		}
	}

	// Transitive history: any cached snapshot whose parents are not
	// cached yet needs those parents fetched before it can ever be
	// classified.
	missing, err := s.cache.MissingParents()
	if err != nil {
		return err
	}
	for _, cap := range missing {
		s.downloads.Enqueue(cap)
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Info("scan enqueued capabilities", zap.Int("count", enqueued))
	}
	return nil
}

// applied reports whether cap is already our current snapshot, or the
// recorded remote side of an outstanding conflict, for name. Everything
// else goes through download and classification, including capabilities
// already cached: classification of those is a cheap Stale.
func (s *Scanner) applied(name string, cap capability.Capability) bool {
	fs, err := s.states.Get(name)
	if err != nil {
		return false
	}
	if fs.Current == cap.String() {
		return true
	}
	if fs.Conflict == cap.String() {
		return true
	}
	return false
}
