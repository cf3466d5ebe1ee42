// internal/magicpath/magicpath.go
package magicpath

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// The namespace inside a Personal DMD is flat: a relative path like
// "docs/notes.txt" is stored under a single mangled name. '/' becomes
// "@_" and a literal '@' becomes "@@", so the encoding is reversible.

// Mangle encodes a slash-separated relative path into a flat DMD name.
// The path is NFC-normalized first so that two devices with different
// unicode representations of the same name agree on the entry.
func Mangle(relpath string) string {
	s := norm.NFC.String(relpath)
	s = strings.ReplaceAll(s, "@", "@@")
	s = strings.ReplaceAll(s, "/", "@_")
	return s
}

// Unmangle decodes a flat DMD name back into a relative path.
func Unmangle(mangled string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(mangled); i++ {
		c := mangled[i]
		if c != '@' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(mangled) {
			return "", fmt.Errorf("truncated escape in mangled name %q", mangled)
		}
		i++
		switch mangled[i] {
		case '@':
			b.WriteByte('@')
		case '_':
			b.WriteByte('/')
		default:
			return "", fmt.Errorf("invalid escape %q in mangled name %q", mangled[i-1:i+1], mangled)
		}
	}
	return b.String(), nil
}
