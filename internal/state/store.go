// internal/state/store.go
package state

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"gridfold/internal/capability"
	"gridfold/internal/errs"
	"gridfold/internal/storage"
)

// FileState is the durable record of what we believe the current
// version of one name is, and whether a conflict is outstanding for it.
// It is rebuildable from the grid, so losing it costs time, not data.
type FileState struct {
	Name    string `json:"name"`
	Current string `json:"current"` // capability of our current snapshot

	// Conflict holds the remote side of an unresolved divergence, or ""
	// when the name is clean. While set, Current is left untouched.
	Conflict string `json:"conflict,omitempty"`

	// PendingLink is true between applying a snapshot locally and
	// linking it into our Personal DMD. Rows still pending at startup
	// are re-driven, so a crash between the two steps heals itself.
	PendingLink bool `json:"pending_link"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (f *FileState) CurrentCapability() capability.Capability {
	return capability.Capability(f.Current)
}

func (f *FileState) ConflictCapability() capability.Capability {
	return capability.Capability(f.Conflict)
}

func (f *FileState) HasConflict() bool { return f.Conflict != "" }

// Store persists FileState records in badger under a "filestate" prefix.
type Store struct {
	store *storage.BadgerStore
}

func NewStore(db *badger.DB) *Store {
	return &Store{store: storage.NewBadgerStore(db, "filestate")}
}

func (s *Store) Get(name string) (*FileState, error) {
	var fs FileState
	if err := s.store.Get(name, &fs); err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.NotFound(fmt.Sprintf("no state for %q", name))
		}
		return nil, fmt.Errorf("reading file state: %w", err)
	}
	return &fs, nil
}

func (s *Store) Put(fs *FileState) error {
	if fs.Name == "" {
		return fmt.Errorf("file state name is required")
	}
	fs.UpdatedAt = time.Now()
	return s.store.Put(fs.Name, fs)
}

func (s *Store) List() ([]*FileState, error) {
	var states []FileState
	if err := s.store.List(&states); err != nil {
		return nil, fmt.Errorf("listing file states: %w", err)
	}
	out := make([]*FileState, len(states))
	for i := range states {
		out[i] = &states[i]
	}
	return out, nil
}

// Conflicted returns every name with an outstanding conflict.
func (s *Store) Conflicted() ([]*FileState, error) {
	states, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*FileState
	for _, fs := range states {
		if fs.HasConflict() {
			out = append(out, fs)
		}
	}
	return out, nil
}

// PendingLinks returns names applied locally but not yet linked into
// our Personal DMD.
func (s *Store) PendingLinks() ([]*FileState, error) {
	states, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*FileState
	for _, fs := range states {
		if fs.PendingLink {
			out = append(out, fs)
		}
	}
	return out, nil
}
