// Package sha256 provides SHA-256 hashing for artifact naming and
// deduplication.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// shortLen is the digest prefix length used in artifact object names.
const shortLen = 12

// Hasher implements capture.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Short returns a truncated hex digest suitable for object names.
func (h *Hasher) Short(data []byte) string {
	sum, _ := h.Hash(data)
	return sum[:shortLen]
}
