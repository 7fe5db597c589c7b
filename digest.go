// Package contentloader holds content digests shared by the cache, loader and server.
package contentloader

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes (256 bits).
const DigestSize = 32

// Digest is a BLAKE3 256-bit digest of a resource body.
type Digest [DigestSize]byte

// Sum computes the digest of the given bytes.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// String returns the hex-encoded digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShortString returns a shortened hex representation for logs.
func (d Digest) ShortString() string {
	return hex.EncodeToString(d[:8])
}

// ETag returns a strong entity tag for HTTP responses.
func (d Digest) ETag() string {
	return `"` + d.ShortString() + `"`
}
