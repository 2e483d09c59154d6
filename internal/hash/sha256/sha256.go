// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// keyDigestLength bounds the derived request id; long enough to make
// collisions across one queue's lifetime negligible.
const keyDigestLength = 15

const payloadDigestLength = 8

// Hasher implements crawler.Hasher using SHA-256.
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

// KeyDigest derives a short, URL-safe identifier from a uniqueKey. The same
// key always yields the same digest, which lets independent clients agree on
// request ids without coordination.
func KeyDigest(uniqueKey string) string {
	sum := sha256.Sum256([]byte(uniqueKey))
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	if len(encoded) > keyDigestLength {
		encoded = encoded[:keyDigestLength]
	}
	return encoded
}

// PayloadDigest returns a short digest of a request payload, used when
// extending a uniqueKey with method and body identity.
func PayloadDigest(payload []byte) string {
	if len(payload) == 0 {
		return "empty"
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:payloadDigestLength]
}
