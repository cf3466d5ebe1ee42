// internal/participants/participants.go
package participants

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gridfold/internal/capability"
	"gridfold/internal/errs"
	"gridfold/internal/grid"
	"gridfold/internal/magicpath"
)

// Participant is one member of the collective: a nickname and the
// capability of their Personal DMD. IsSelf is true for the entry whose
// DMD matches our own writable one.
type Participant struct {
	Name   string
	DMD    capability.Capability
	IsSelf bool
}

// Collective reads the shared participant listing and each
// participant's flat name→snapshot mapping, and writes entries into
// our own Personal DMD. It is a read-through projection over the grid;
// it caches nothing itself.
type Collective struct {
	grid       grid.Grid
	collective capability.Capability
	personal   capability.Capability // our writable DMD
	logger     *zap.Logger
}

func NewCollective(g grid.Grid, collective, personal capability.Capability, logger *zap.Logger) *Collective {
	return &Collective{
		grid:       g,
		collective: collective,
		personal:   personal,
		logger:     logger,
	}
}

// List returns every participant in the collective. Ordering follows
// the grid's directory listing; callers must not rely on it.
func (c *Collective) List(ctx context.Context) ([]Participant, error) {
	entries, err := c.grid.ListDirectory(ctx, c.collective)
	if err != nil {
		return nil, errs.DirectoryUnavailable("listing collective", err)
	}

	parts := make([]Participant, 0, len(entries))
	for name, dmd := range entries {
		parts = append(parts, Participant{
			Name:   name,
			DMD:    dmd,
			IsSelf: dmd.ReadOnly() == c.personal.ReadOnly(),
		})
	}
	return parts, nil
}

// Files returns a participant's current snapshot capability per
// relative path, unmangling the flat DMD names.
func (c *Collective) Files(ctx context.Context, p Participant) (map[string]capability.Capability, error) {
	entries, err := c.grid.ListDirectory(ctx, p.DMD)
	if err != nil {
		return nil, errs.DirectoryUnavailable(fmt.Sprintf("listing DMD of %q", p.Name), err)
	}

	files := make(map[string]capability.Capability, len(entries))
	for mangled, snapCap := range entries {
		relpath, err := magicpath.Unmangle(mangled)
		if err != nil {
			// A peer wrote a name we cannot decode; skip it rather than
			// fail the whole scan.
			c.logger.Warn("skipping undecodable DMD entry",
				zap.String("participant", p.Name),
				zap.String("entry", mangled),
				zap.Error(err),
			)
			continue
		}
		files[relpath] = snapCap
	}
	return files, nil
}

// UpdateSelf points our own DMD entry for relpath at snapCap. This is
// the single write-back the download pipeline performs against the
// grid: it is how other participants learn what we consider current.
func (c *Collective) UpdateSelf(ctx context.Context, relpath string, snapCap capability.Capability) error {
	if !c.personal.IsWritable() {
		return fmt.Errorf("personal DMD capability %q is not writable", c.personal.ReadOnly())
	}
	mangled := magicpath.Mangle(relpath)
	if err := c.grid.UpdateDirectory(ctx, c.personal, mangled, snapCap); err != nil {
		return fmt.Errorf("updating personal DMD entry %q: %w", relpath, err)
	}
	return nil
}

// Join links a participant's DMD into the collective under nickname.
// Requires the collective capability to be writable (the inviting
// device is the collective's administrator).
func (c *Collective) Join(ctx context.Context, nickname string, dmd capability.Capability) error {
	if !c.collective.IsWritable() {
		return fmt.Errorf("collective capability is not writable")
	}
	if nickname == "" {
		return fmt.Errorf("participant nickname is required")
	}
	existing, err := c.grid.ListDirectory(ctx, c.collective)
	if err != nil {
		return errs.DirectoryUnavailable("listing collective", err)
	}
	if _, taken := existing[nickname]; taken {
		return fmt.Errorf("participant %q already exists", nickname)
	}
	return c.grid.UpdateDirectory(ctx, c.collective, nickname, dmd.ReadOnly())
}
