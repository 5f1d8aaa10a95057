// Package content provides immutable, hash-addressed wrappers around file
// content. Two handles are equal iff their SHA-256 digests match, so
// comparing editor buffers against disk snapshots never re-reads bytes.
package content

import (
	"crypto/sha256"
	"encoding/hex"
)

// Handle wraps a byte sequence captured at a single point in time. The
// bytes are never mutated after construction; Bytes returns a copy so
// callers cannot reach back into the handle.
type Handle struct {
	data []byte
	hash string
}

// empty is the shared handle for all zero-length content. FromBytes and
// FromString hand it out so equality checks against "no content" are
// cheap pointer-identical comparisons in the common case.
var empty = newHandle(nil)

func newHandle(data []byte) *Handle {
	h := sha256.Sum256(data)

	return &Handle{
		data: data,
		hash: hex.EncodeToString(h[:]),
	}
}

// FromBytes captures a snapshot of data. The input slice is copied, so
// the caller may reuse its buffer afterwards.
func FromBytes(data []byte) *Handle {
	if len(data) == 0 {
		return empty
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	return newHandle(buf)
}

// FromString captures a snapshot of text.
func FromString(text string) *Handle {
	if text == "" {
		return empty
	}

	return newHandle([]byte(text))
}

// Empty returns the shared zero-length handle.
func Empty() *Handle {
	return empty
}

// Bytes returns a copy of the wrapped content.
func (h *Handle) Bytes() []byte {
	if h == nil || len(h.data) == 0 {
		return nil
	}

	buf := make([]byte, len(h.data))
	copy(buf, h.data)

	return buf
}

// Text returns the content as a string.
func (h *Handle) Text() string {
	if h == nil {
		return ""
	}

	return string(h.data)
}

// Len returns the content length in bytes.
func (h *Handle) Len() int {
	if h == nil {
		return 0
	}

	return len(h.data)
}

// Hash returns the hex SHA-256 digest, computed once at construction.
func (h *Handle) Hash() string {
	if h == nil {
		return empty.hash
	}

	return h.hash
}

// Equal reports whether two handles wrap the same content. Equality is
// by digest, never by identity. A nil handle equals the empty handle.
func (h *Handle) Equal(other *Handle) bool {
	return h.Hash() == other.Hash()
}
