// internal/snapshot/publisher.go
package snapshot

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"gridfold/internal/capability"
	"gridfold/internal/grid"
)

// Publisher creates new signed snapshots in the grid: the content blob
// (unless the snapshot is a deletion), the metadata blob, then the
// signed envelope. The returned snapshot carries the capability the
// grid assigned to the envelope.
type Publisher struct {
	grid grid.Grid
	id   *Identity
}

func NewPublisher(g grid.Grid, id *Identity) *Publisher {
	return &Publisher{grid: g, id: id}
}

// Publish writes one new snapshot for name. A nil content slice (with
// deleted=true) publishes a tombstone. Parents are the capabilities of
// the snapshots this version supersedes: empty for a creation, one for
// a linear update, two for a merge resolving a conflict.
func (p *Publisher) Publish(ctx context.Context, name string, content []byte, deleted bool, parents []capability.Capability) (*Snapshot, error) {
	if name == "" {
		return nil, fmt.Errorf("snapshot name is required")
	}
	for i, parent := range parents {
		if err := parent.Validate(); err != nil {
			return nil, fmt.Errorf("parent %d: %w", i, err)
		}
	}

	contentCap := capability.Zero
	if !deleted {
		var err error
		contentCap, err = p.grid.WriteBlob(ctx, content)
		if err != nil {
			return nil, fmt.Errorf("writing content blob: %w", err)
		}
	}

	parentStrs := make([]string, len(parents))
	for i, parent := range parents {
		parentStrs[i] = parent.String()
	}
	metaBytes, err := json.Marshal(metadataBlob{
		Name:       name,
		Parents:    parentStrs,
		AuthorName: p.id.Name,
		CreatedAt:  time.Now().UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	metadataCap, err := p.grid.WriteBlob(ctx, metaBytes)
	if err != nil {
		return nil, fmt.Errorf("writing metadata blob: %w", err)
	}

	sig := ed25519.Sign(p.id.Key, signingMessage(contentCap, metadataCap, name))

	snap := &Snapshot{
		Name:      name,
		Content:   contentCap,
		Metadata:  metadataCap,
		Parents:   parents,
		Author:    p.id.Author(),
		Signature: sig,
	}
	if snap.Parents == nil {
		snap.Parents = []capability.Capability{}
	}

	envelope, err := encodeWire(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot envelope: %w", err)
	}
	snapCap, err := p.grid.WriteBlob(ctx, envelope)
	if err != nil {
		return nil, fmt.Errorf("writing snapshot envelope: %w", err)
	}

	snap.Capability = snapCap
	return snap, nil
}
