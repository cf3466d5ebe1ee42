// internal/grid/grid.go
package grid

import (
	"context"

	"gridfold/internal/capability"
)

// Grid is the capability-addressed storage shared by all participants.
// Immutable blobs are content-addressed; directories are mutable maps
// from name to capability, updatable only through a writable capability.
//
// It is the sole communication medium between participants: there are
// no direct peer connections anywhere in this system.
type Grid interface {
	// ReadBlob returns the bytes of an immutable blob.
	ReadBlob(ctx context.Context, cap capability.Capability) ([]byte, error)

	// WriteBlob stores data and returns its content-derived capability.
	// Writing the same bytes twice yields the same capability.
	WriteBlob(ctx context.Context, data []byte) (capability.Capability, error)

	// CreateDirectory makes a new empty mutable directory and returns
	// its writable capability.
	CreateDirectory(ctx context.Context) (capability.Capability, error)

	// ListDirectory returns the entries of a directory. Read-only and
	// writable capabilities for the same directory both work.
	ListDirectory(ctx context.Context, cap capability.Capability) (map[string]capability.Capability, error)

	// UpdateDirectory links target under name inside the directory,
	// replacing any existing entry. Requires a writable capability.
	UpdateDirectory(ctx context.Context, cap capability.Capability, name string, target capability.Capability) error
}
