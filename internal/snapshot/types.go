// internal/snapshot/types.go
package snapshot

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"gridfold/internal/capability"
)

// Author identifies who signed a snapshot. VerifyKey is the ed25519
// public key the signature must verify against.
type Author struct {
	Name      string `json:"name"`
	VerifyKey []byte `json:"verify_key"`
}

// Snapshot is one immutable version of one file. Its Capability is
// assigned by the grid when the envelope blob is written and is never
// recomputed. Zero parents means a creation; one parent a linear
// update; two or more parents a merge resolving a prior conflict.
type Snapshot struct {
	Capability capability.Capability
	Name       string
	Content    capability.Capability // Zero means this version deletes the file
	Metadata   capability.Capability
	Parents    []capability.Capability
	Author     Author
	Signature  []byte
}

func (s *Snapshot) IsDelete() bool { return s.Content.IsZero() }

func (s *Snapshot) IsMerge() bool { return len(s.Parents) >= 2 }

// wireSnapshot is the JSON envelope stored in the grid. The snapshot's
// own capability is never part of the envelope: it is derived from it.
type wireSnapshot struct {
	Name      string   `json:"name"`
	Content   string   `json:"content,omitempty"`
	Metadata  string   `json:"metadata"`
	Parents   []string `json:"parents"`
	Author    Author   `json:"author"`
	Signature []byte   `json:"signature"`
}

// metadataBlob is auxiliary snapshot metadata written as its own blob;
// its capability is part of the signed tuple.
type metadataBlob struct {
	Name       string   `json:"name"`
	Parents    []string `json:"parents"`
	AuthorName string   `json:"author_name"`
	CreatedAt  int64    `json:"created_at"` // unix nanoseconds
}

func encodeWire(s *Snapshot) ([]byte, error) {
	parents := make([]string, len(s.Parents))
	for i, p := range s.Parents {
		parents[i] = p.String()
	}
	return json.Marshal(wireSnapshot{
		Name:      s.Name,
		Content:   s.Content.String(),
		Metadata:  s.Metadata.String(),
		Parents:   parents,
		Author:    s.Author,
		Signature: s.Signature,
	})
}

func decodeWire(data []byte) (*wireSnapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// signingMessage is the exact byte string the author signs: the content
// capability (empty for a deletion), the metadata capability, and the
// mangled name, in that order.
func signingMessage(content, metadata capability.Capability, name string) []byte {
	return []byte(fmt.Sprintf("gridfold-snapshot-v1\n%s\n%s\n%s", content, metadata, name))
}

// Verify checks the author signature over the snapshot's signed tuple.
func (s *Snapshot) Verify() bool {
	if len(s.Author.VerifyKey) != ed25519.PublicKeySize {
		return false
	}
	msg := signingMessage(s.Content, s.Metadata, s.Name)
	return ed25519.Verify(ed25519.PublicKey(s.Author.VerifyKey), msg, s.Signature)
}

// matchesMetadata reports whether the envelope fields the signature
// covers only through the metadata capability agree with the signed
// metadata blob. The parents list in the envelope is unsigned; the one
// in the metadata blob is authoritative, so a mismatch means the
// envelope was rewritten around someone else's signature.
func (s *Snapshot) matchesMetadata(meta *metadataBlob) bool {
	if meta.Name != s.Name || meta.AuthorName != s.Author.Name {
		return false
	}
	if len(meta.Parents) != len(s.Parents) {
		return false
	}
	for i, p := range meta.Parents {
		if capability.Capability(p) != s.Parents[i] {
			return false
		}
	}
	return true
}
