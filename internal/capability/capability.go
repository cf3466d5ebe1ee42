// internal/capability/capability.go
package capability

import (
	"fmt"
	"strings"
)

// Capability is an opaque address granting access to one object in the
// storage grid. The prefix encodes what the holder may do with it:
//
//	blob:<hash>    read an immutable content blob
//	dir:<id>       read a directory listing
//	dir:<id>:rw    read and update a directory listing
//
// Capabilities are assigned by the grid at write time and never change.
type Capability string

const (
	blobPrefix = "blob:"
	dirPrefix  = "dir:"
	rwSuffix   = ":rw"
)

// Zero is the absent capability. A Snapshot whose content capability is
// Zero represents a deletion.
const Zero = Capability("")

func ForBlob(hash string) Capability {
	return Capability(blobPrefix + hash)
}

func ForDir(id string, writable bool) Capability {
	if writable {
		return Capability(dirPrefix + id + rwSuffix)
	}
	return Capability(dirPrefix + id)
}

func (c Capability) String() string { return string(c) }

func (c Capability) IsZero() bool { return c == Zero }

func (c Capability) IsBlob() bool { return strings.HasPrefix(string(c), blobPrefix) }

func (c Capability) IsDir() bool { return strings.HasPrefix(string(c), dirPrefix) }

func (c Capability) IsWritable() bool { return strings.HasSuffix(string(c), rwSuffix) }

// ReadOnly returns the diminished form of a directory capability. Two
// capabilities refer to the same directory exactly when their read-only
// forms are equal. Blob capabilities are already read-only.
func (c Capability) ReadOnly() Capability {
	return Capability(strings.TrimSuffix(string(c), rwSuffix))
}

// ID returns the grid-internal object identifier without the prefix or
// write suffix.
func (c Capability) ID() string {
	s := string(c.ReadOnly())
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Validate rejects strings that cannot name a grid object.
func (c Capability) Validate() error {
	if c.IsZero() {
		return fmt.Errorf("empty capability")
	}
	if !c.IsBlob() && !c.IsDir() {
		return fmt.Errorf("unrecognized capability %q", string(c))
	}
	if c.ID() == "" {
		return fmt.Errorf("capability %q has no object id", string(c))
	}
	return nil
}
