// internal/snapshot/materializer.go
package snapshot

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"gridfold/internal/capability"
	"gridfold/internal/errs"
	"gridfold/internal/grid"
)

// Materializer fetches snapshot envelopes from the grid, parses them,
// and verifies the author signature. It never recurses into parents or
// content; dependency ordering is the download service's job.
type Materializer struct {
	grid   grid.Grid
	logger *zap.Logger
}

func NewMaterializer(g grid.Grid, logger *zap.Logger) *Materializer {
	return &Materializer{grid: g, logger: logger}
}

// Materialize fetches and verifies the snapshot at cap. A snapshot that
// fails structural validation or signature verification is never
// returned; calling twice with the same capability yields structurally
// identical results.
func (m *Materializer) Materialize(ctx context.Context, cap capability.Capability) (*Snapshot, error) {
	if err := cap.Validate(); err != nil {
		return nil, errs.MalformedSnapshot("bad capability", err)
	}

	data, err := m.grid.ReadBlob(ctx, cap)
	if err != nil {
		if errs.IsNotFound(err) {
			// The object graph is partially available; a blob missing
			// now may be replicated later.
			return nil, errs.DirectoryUnavailable(fmt.Sprintf("snapshot %s not yet available", cap), err)
		}
		return nil, err
	}

	wire, err := decodeWire(data)
	if err != nil {
		return nil, errs.MalformedSnapshot(fmt.Sprintf("snapshot %s", cap), err)
	}

	snap, err := fromWire(cap, wire)
	if err != nil {
		return nil, errs.MalformedSnapshot(fmt.Sprintf("snapshot %s", cap), err)
	}

	if !snap.Verify() {
		m.logger.Warn("snapshot signature rejected",
			zap.String("capability", cap.String()),
			zap.String("author", snap.Author.Name),
		)
		return nil, errs.SignatureInvalid(fmt.Sprintf("snapshot %s signed by %q", cap, snap.Author.Name))
	}

	// The signature binds the metadata capability, not the envelope's
	// parents list. Fetch the signed metadata and require agreement, or
	// anyone could rewrap a valid signature with fabricated ancestry.
	metaBytes, err := m.grid.ReadBlob(ctx, snap.Metadata)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.DirectoryUnavailable(fmt.Sprintf("metadata of snapshot %s not yet available", cap), err)
		}
		return nil, err
	}
	var meta metadataBlob
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, errs.MalformedSnapshot(fmt.Sprintf("metadata of snapshot %s", cap), err)
	}
	if !snap.matchesMetadata(&meta) {
		m.logger.Warn("snapshot envelope disagrees with signed metadata",
			zap.String("capability", cap.String()),
			zap.String("author", snap.Author.Name),
		)
		return nil, errs.SignatureInvalid(fmt.Sprintf("snapshot %s envelope does not match its signed metadata", cap))
	}

	return snap, nil
}

func fromWire(cap capability.Capability, w *wireSnapshot) (*Snapshot, error) {
	if w.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	if len(w.Author.VerifyKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("author verify key has wrong length %d", len(w.Author.VerifyKey))
	}
	if len(w.Signature) == 0 {
		return nil, fmt.Errorf("missing author signature")
	}
	if w.Metadata == "" {
		return nil, fmt.Errorf("missing metadata capability")
	}

	metadata := capability.Capability(w.Metadata)
	if err := metadata.Validate(); err != nil {
		return nil, fmt.Errorf("metadata capability: %w", err)
	}

	content := capability.Capability(w.Content)
	if !content.IsZero() {
		if err := content.Validate(); err != nil {
			return nil, fmt.Errorf("content capability: %w", err)
		}
	}

	if w.Parents == nil {
		return nil, fmt.Errorf("missing parents list")
	}
	parents := make([]capability.Capability, len(w.Parents))
	seen := make(map[string]struct{}, len(w.Parents))
	for i, p := range w.Parents {
		pc := capability.Capability(p)
		if err := pc.Validate(); err != nil {
			return nil, fmt.Errorf("parent %d: %w", i, err)
		}
		if pc == cap {
			return nil, fmt.Errorf("snapshot lists itself as parent")
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("duplicate parent %s", p)
		}
		seen[p] = struct{}{}
		parents[i] = pc
	}

	return &Snapshot{
		Capability: cap,
		Name:       w.Name,
		Content:    content,
		Metadata:   metadata,
		Parents:    parents,
		Author:     w.Author,
		Signature:  w.Signature,
	}, nil
}
