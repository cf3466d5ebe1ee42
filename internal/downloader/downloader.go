// internal/downloader/downloader.go
package downloader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gridfold/internal/capability"
	"gridfold/internal/errs"
	"gridfold/internal/snapshot"
	"gridfold/internal/snapshot/cache"
)

// pending is a suspended snapshot: materialized and cached, but not yet
// eligible for classification because some of its ancestry is still
// being fetched. remaining counts parents whose own closure is not yet
// complete; at zero the snapshot is dispatched.
type pending struct {
	snap      *snapshot.Snapshot
	remaining int
}

type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int           // per capability, for transient failures
	BaseBackoff time.Duration // doubled per attempt
}

func (o *Options) defaults() {
	if o.Workers == 0 {
		o.Workers = 4
	}
	if o.QueueSize == 0 {
		o.QueueSize = 1024
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff == 0 {
		o.BaseBackoff = 200 * time.Millisecond
	}
}

// Downloader drains a queue of snapshot capabilities: materialize,
// cache, and once the snapshot's full ancestor closure is cached, hand
// it to the resolution pipeline via Ready. Unrelated snapshots proceed
// concurrently; a snapshot and its missing ancestry are ordered by the
// waiting-list discipline below.
//
// Terminal failures (bad signature, malformed metadata) drop the
// capability permanently: an attacker cannot force application of
// unverifiable data, and anything waiting on it is dropped too.
// Transient failures are retried with backoff and, past the attempt
// budget, abandoned until the next scan rediscovers them.
type Downloader struct {
	mat    *snapshot.Materializer
	cache  *cache.Cache
	opts   Options
	logger *zap.Logger

	queue chan capability.Capability
	ready chan *snapshot.Snapshot

	mu          sync.Mutex
	inflight    map[capability.Capability]struct{}
	dropped     map[capability.Capability]string
	waiting     map[capability.Capability][]*pending
	suspended   map[capability.Capability]struct{}
	complete    map[capability.Capability]bool
	outstanding int
	dispatched  atomic.Int64
}

func New(mat *snapshot.Materializer, c *cache.Cache, logger *zap.Logger, opts Options) *Downloader {
	opts.defaults()
	return &Downloader{
		mat:      mat,
		cache:    c,
		opts:     opts,
		logger:   logger,
		queue:    make(chan capability.Capability, opts.QueueSize),
		ready:    make(chan *snapshot.Snapshot, opts.QueueSize),
		inflight:  make(map[capability.Capability]struct{}),
		dropped:   make(map[capability.Capability]string),
		waiting:   make(map[capability.Capability][]*pending),
		suspended: make(map[capability.Capability]struct{}),
		complete:  make(map[capability.Capability]bool),
	}
}

// Ready delivers snapshots whose ancestor closure is fully cached, in
// completion order.
func (d *Downloader) Ready() <-chan *snapshot.Snapshot {
	return d.ready
}

// Enqueue adds a capability to the download queue. Duplicates of
// anything already queued, in progress, or terminally dropped are cheap
// no-ops; rediscovery across scans is expected.
func (d *Downloader) Enqueue(cap capability.Capability) {
	d.mu.Lock()
	if _, bad := d.dropped[cap]; bad {
		d.mu.Unlock()
		return
	}
	if _, dup := d.inflight[cap]; dup {
		d.mu.Unlock()
		return
	}
	d.inflight[cap] = struct{}{}
	d.outstanding++
	d.mu.Unlock()

	select {
	case d.queue <- cap:
	default:
		// Queue full: back off and let the next scan rediscover it.
		d.mu.Lock()
		delete(d.inflight, cap)
		d.outstanding--
		d.mu.Unlock()
		d.logger.Warn("download queue full, deferring capability",
			zap.String("capability", cap.String()))
	}
}

// Run processes the queue until ctx is cancelled. In-flight work is
// abandoned on shutdown; nothing partially fetched is ever dispatched.
func (d *Downloader) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case cap := <-d.queue:
					d.process(ctx, cap)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Idle reports whether no capability is queued, in flight, or suspended
// waiting on ancestry.
func (d *Downloader) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outstanding == 0 && len(d.waiting) == 0
}

// WaitIdle blocks until the downloader is idle or ctx is cancelled.
func (d *Downloader) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Downloader) process(ctx context.Context, cap capability.Capability) {
	snap, err := d.obtain(ctx, cap)

	d.mu.Lock()
	delete(d.inflight, cap)
	d.outstanding--

	if err != nil {
		var toDrop []*snapshot.Snapshot
		if errs.IsTerminal(err) {
			d.logger.Warn("dropping untrusted snapshot",
				zap.String("capability", cap.String()),
				zap.Error(err),
			)
			toDrop = d.dropLocked(cap, err.Error())
		} else {
			d.logger.Info("download failed, will retry on next scan",
				zap.String("capability", cap.String()),
				zap.Error(err),
			)
		}
		d.mu.Unlock()
		for _, s := range toDrop {
			d.logger.Warn("dropping snapshot with untrusted ancestry",
				zap.String("capability", s.Capability.String()))
		}
		return
	}

	dispatch := d.settleLocked(snap)
	d.mu.Unlock()

	for _, s := range dispatch {
		d.dispatched.Add(1)
		select {
		case d.ready <- s:
		case <-ctx.Done():
			d.dispatched.Add(-1)
			return
		}
	}
}

// Dispatched counts snapshots handed to Ready so far; together with
// Idle it lets a one-shot sync know when the pipeline has drained.
func (d *Downloader) Dispatched() int64 {
	return d.dispatched.Load()
}

// obtain returns the verified snapshot for cap, from the cache when
// possible, otherwise by materializing it with retries for transient
// failures.
func (d *Downloader) obtain(ctx context.Context, cap capability.Capability) (*snapshot.Snapshot, error) {
	if d.cache.Has(cap) {
		return d.cache.Get(cap)
	}

	backoff := d.opts.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		snap, err := d.mat.Materialize(ctx, cap)
		if err == nil {
			if err := d.cache.Put(snap); err != nil {
				return nil, err
			}
			return snap, nil
		}
		if !errs.IsTransient(err) {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

// settleLocked decides what snap's arrival makes dispatchable. Called
// with d.mu held; returns snapshots to hand to the resolver pipeline.
//
// A snapshot is complete when it is cached and every parent is
// complete; only complete snapshots are dispatched, so the resolver
// always sees a fully cached ancestor closure.
func (d *Downloader) settleLocked(snap *snapshot.Snapshot) []*snapshot.Snapshot {
	if d.complete[snap.Capability] {
		// Already settled earlier; re-dispatch so a restarted applier
		// can reconsider it.
		return []*snapshot.Snapshot{snap}
	}
	if _, dup := d.suspended[snap.Capability]; dup {
		// Rediscovered by a later scan while still waiting on its
		// ancestry; one pending entry is enough.
		return nil
	}

	remaining := 0
	for _, parent := range snap.Parents {
		if reason, bad := d.dropped[parent]; bad {
			d.dropped[snap.Capability] = "ancestry: " + reason
			return nil
		}
		if d.completeLocked(parent) {
			continue
		}
		remaining++
	}

	if remaining == 0 {
		return d.finalizeLocked(snap)
	}

	p := &pending{snap: snap, remaining: remaining}
	d.suspended[snap.Capability] = struct{}{}
	for _, parent := range snap.Parents {
		if d.completeLocked(parent) {
			continue
		}
		d.waiting[parent] = append(d.waiting[parent], p)
		if !d.cache.Has(parent) {
			d.enqueueLocked(parent)
		}
	}
	return nil
}

// finalizeLocked marks snap complete and cascades to anything waiting
// on it.
func (d *Downloader) finalizeLocked(snap *snapshot.Snapshot) []*snapshot.Snapshot {
	if d.complete[snap.Capability] {
		return nil
	}
	d.complete[snap.Capability] = true
	delete(d.suspended, snap.Capability)
	dispatch := []*snapshot.Snapshot{snap}

	waiters := d.waiting[snap.Capability]
	delete(d.waiting, snap.Capability)
	for _, p := range waiters {
		// A waiter can be dropped through another parent while
		// suspended here.
		if _, bad := d.dropped[p.snap.Capability]; bad {
			continue
		}
		p.remaining--
		if p.remaining == 0 {
			dispatch = append(dispatch, d.finalizeLocked(p.snap)...)
		}
	}
	return dispatch
}

// completeLocked reports whether cap and its whole ancestry are cached,
// memoized across calls. Used to settle snapshots whose parents were
// cached in an earlier run of the process.
func (d *Downloader) completeLocked(cap capability.Capability) bool {
	if done, ok := d.complete[cap]; ok {
		return done
	}
	if !d.cache.Has(cap) {
		return false
	}
	snap, err := d.cache.Get(cap)
	if err != nil {
		return false
	}
	for _, parent := range snap.Parents {
		if !d.completeLocked(parent) {
			return false
		}
	}
	d.complete[cap] = true
	return true
}

// dropLocked records a terminal failure for cap and recursively drops
// every suspended snapshot whose ancestry passes through it.
func (d *Downloader) dropLocked(cap capability.Capability, reason string) []*snapshot.Snapshot {
	d.dropped[cap] = reason

	waiters := d.waiting[cap]
	delete(d.waiting, cap)

	var droppedSnaps []*snapshot.Snapshot
	for _, p := range waiters {
		delete(d.suspended, p.snap.Capability)
		droppedSnaps = append(droppedSnaps, p.snap)
		droppedSnaps = append(droppedSnaps, d.dropLocked(p.snap.Capability, "ancestry: "+reason)...)
	}
	return droppedSnaps
}

// enqueueLocked is Enqueue for callers already holding d.mu.
func (d *Downloader) enqueueLocked(cap capability.Capability) {
	if _, bad := d.dropped[cap]; bad {
		return
	}
	if _, dup := d.inflight[cap]; dup {
		return
	}
	select {
	case d.queue <- cap:
		d.inflight[cap] = struct{}{}
		d.outstanding++
	default:
		d.logger.Warn("download queue full, deferring parent fetch",
			zap.String("capability", cap.String()))
	}
}
