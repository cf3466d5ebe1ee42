// internal/resolver/resolver.go
package resolver

import (
	"fmt"

	"gridfold/internal/capability"
	"gridfold/internal/errs"
	"gridfold/internal/snapshot"
	"gridfold/internal/snapshot/cache"
)

// Classification is the decision made for one remote snapshot against
// our current snapshot for the same name.
type Classification int

const (
	// Creation: we hold nothing for this name yet.
	Creation Classification = iota
	// Overwrite: the remote is a strict descendant of our current
	// snapshot; applying it is a fast-forward.
	Overwrite
	// Stale: the remote is our current snapshot or one of its
	// ancestors; nothing to do.
	Stale
	// Conflict: neither snapshot is an ancestor of the other.
	Conflict
)

func (c Classification) String() string {
	switch c {
	case Creation:
		return "creation"
	case Overwrite:
		return "overwrite"
	case Stale:
		return "stale"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

// Resolver classifies remote snapshots by walking the parent DAG held
// in the cache. The download service guarantees the full ancestor
// closure of any snapshot it hands over is cache-resident, so a miss
// mid-traversal is an invariant violation, not a recoverable state.
type Resolver struct {
	cache *cache.Cache
}

func New(c *cache.Cache) *Resolver {
	return &Resolver{cache: c}
}

// Classify decides how remote relates to local. A nil local means we
// hold nothing for the name. Deterministic: the same pair over the
// same cache contents always yields the same answer.
func (r *Resolver) Classify(remote *snapshot.Snapshot, local *snapshot.Snapshot) (Classification, error) {
	if local == nil {
		return Creation, nil
	}
	if remote.Capability == local.Capability {
		return Stale, nil
	}

	descends, err := r.reachable(remote, local.Capability)
	if err != nil {
		return Conflict, err
	}
	if descends {
		return Overwrite, nil
	}

	precedes, err := r.reachable(local, remote.Capability)
	if err != nil {
		return Conflict, err
	}
	if precedes {
		return Stale, nil
	}

	return Conflict, nil
}

// Descends reports whether ancestor is snap itself or among its
// ancestors. Used to decide whether a fast-forward retires a recorded
// conflict: it does only when it descends from the conflicting side.
func (r *Resolver) Descends(snap *snapshot.Snapshot, ancestor capability.Capability) (bool, error) {
	if snap.Capability == ancestor {
		return true, nil
	}
	return r.reachable(snap, ancestor)
}

// reachable walks backward from start through parent links and reports
// whether target is among its ancestors. Breadth-first with a visited
// set: merge histories share ancestors, and the visited set is what
// bounds the work, not any cycle concern (content addressing already
// rules cycles out).
func (r *Resolver) reachable(start *snapshot.Snapshot, target capability.Capability) (bool, error) {
	visited := map[capability.Capability]struct{}{start.Capability: {}}
	queue := append([]capability.Capability(nil), start.Parents...)

	for len(queue) > 0 {
		cap := queue[0]
		queue = queue[1:]

		if cap == target {
			return true, nil
		}
		if _, seen := visited[cap]; seen {
			continue
		}
		visited[cap] = struct{}{}

		snap, err := r.cache.Get(cap)
		if err != nil {
			if errs.IsNotFound(err) {
				return false, errs.IncompleteHistory(fmt.Sprintf(
					"ancestor %s of %s missing from cache", cap, start.Capability))
			}
			return false, err
		}
		queue = append(queue, snap.Parents...)
	}
	return false, nil
}
