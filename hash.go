// Package offlinecache holds the types shared by every layer of the offline
// worker: request keys, response snapshots and content digests.
package offlinecache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// digestPrefix is the algorithm prefix used in canonical digest strings.
const digestPrefix = "blake3:"

// Hash represents a BLAKE3 256-bit digest of a response body.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for logs.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Digest returns the canonical "blake3:<hex>" form stored in entry headers.
func (h Hash) Digest() string {
	return digestPrefix + h.String()
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(s))
	}
	var h Hash
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// ParseDigest parses a canonical "blake3:<hex>" digest.
// Plain hex without the prefix is accepted.
func ParseDigest(s string) (Hash, error) {
	if s == "" {
		return Hash{}, fmt.Errorf("empty digest")
	}
	algo, hexStr, ok := strings.Cut(s, ":")
	if !ok {
		return ParseHash(strings.ToLower(s))
	}
	if !strings.EqualFold(algo, "blake3") {
		return Hash{}, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	return ParseHash(strings.ToLower(hexStr))
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}
