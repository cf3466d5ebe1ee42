// internal/snapshot/cache/cache.go
package cache

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"gridfold/internal/capability"
	"gridfold/internal/errs"
	"gridfold/internal/snapshot"
	"gridfold/internal/storage"
)

// Cache is the content-addressed store of verified snapshots:
// capability → materialized snapshot. Entries are only ever written
// after signature verification, are never evicted, and survive process
// restarts. Because keys are content-derived, a second put under the
// same key is a no-op: all writers produce identical values.
type Cache struct {
	store *storage.BadgerStore
	front *lru.Cache[string, *snapshot.Snapshot]
	mu    sync.Mutex // serializes put's check-then-write
	log   *zap.Logger
}

// record is the persisted form. Unlike the grid envelope it includes
// the capability, since badger keys are not carried in values.
type record struct {
	Capability string          `json:"capability"`
	Name       string          `json:"name"`
	Content    string          `json:"content,omitempty"`
	Metadata   string          `json:"metadata"`
	Parents    []string        `json:"parents"`
	Author     snapshot.Author `json:"author"`
	Signature  []byte          `json:"signature"`
}

func toRecord(s *snapshot.Snapshot) record {
	parents := make([]string, len(s.Parents))
	for i, p := range s.Parents {
		parents[i] = p.String()
	}
	return record{
		Capability: s.Capability.String(),
		Name:       s.Name,
		Content:    s.Content.String(),
		Metadata:   s.Metadata.String(),
		Parents:    parents,
		Author:     s.Author,
		Signature:  s.Signature,
	}
}

func fromRecord(r record) *snapshot.Snapshot {
	parents := make([]capability.Capability, len(r.Parents))
	for i, p := range r.Parents {
		parents[i] = capability.Capability(p)
	}
	return &snapshot.Snapshot{
		Capability: capability.Capability(r.Capability),
		Name:       r.Name,
		Content:    capability.Capability(r.Content),
		Metadata:   capability.Capability(r.Metadata),
		Parents:    parents,
		Author:     r.Author,
		Signature:  r.Signature,
	}
}

func New(db *badger.DB, frontSize int, log *zap.Logger) (*Cache, error) {
	if frontSize == 0 {
		frontSize = 1024
	}
	front, err := lru.New[string, *snapshot.Snapshot](frontSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache front: %w", err)
	}
	return &Cache{
		store: storage.NewBadgerStore(db, "snapcache"),
		front: front,
		log:   log,
	}, nil
}

func (c *Cache) Has(cap capability.Capability) bool {
	if c.front.Contains(cap.String()) {
		return true
	}
	found, err := c.store.Has(cap.String())
	if err != nil {
		c.log.Error("cache existence check failed",
			zap.String("capability", cap.String()), zap.Error(err))
		return false
	}
	return found
}

func (c *Cache) Get(cap capability.Capability) (*snapshot.Snapshot, error) {
	if s, ok := c.front.Get(cap.String()); ok {
		return s, nil
	}

	var r record
	if err := c.store.Get(cap.String(), &r); err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.NotFound(fmt.Sprintf("snapshot %s not cached", cap))
		}
		return nil, fmt.Errorf("reading cached snapshot: %w", err)
	}

	s := fromRecord(r)
	c.front.Add(cap.String(), s)
	return s, nil
}

// Put inserts a verified snapshot. Inserting under an existing
// capability leaves the cache observably unchanged.
func (c *Cache) Put(s *snapshot.Snapshot) error {
	if s.Capability.IsZero() {
		return fmt.Errorf("snapshot has no capability")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	written, err := c.store.PutIfAbsent(s.Capability.String(), toRecord(s))
	if err != nil {
		return fmt.Errorf("caching snapshot: %w", err)
	}
	if written {
		c.front.Add(s.Capability.String(), s)
	}
	return nil
}

// MissingParents returns, for every cached snapshot, the parent
// capabilities that are not themselves cached. This is the transitive
// half of discovery: fetching these (and re-running after they land)
// eventually pulls in the full causal history, not just the tips.
func (c *Cache) MissingParents() ([]capability.Capability, error) {
	present := make(map[string]struct{})
	var parents []string
	err := c.store.Each(func(id string, raw []byte) error {
		present[id] = struct{}{}
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		parents = append(parents, r.Parents...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var missing []capability.Capability
	for _, p := range parents {
		if _, ok := present[p]; ok {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		missing = append(missing, capability.Capability(p))
	}
	return missing, nil
}
