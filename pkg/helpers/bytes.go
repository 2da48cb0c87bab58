// Package helpers provides small shared utilities: entropy for id
// generation, digest comparison, and fixed-point money formatting.
package helpers

import (
	"crypto/rand"
	"crypto/subtle"
)

// GenerateSecureRandom returns n cryptographically secure random bytes.
// Every module that needs entropy (ULID generation in particular) routes
// through here so there is one audited source.
func GenerateSecureRandom(n int) ([]byte, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return nil, err
	}
	return bytes, nil
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// where they differ through timing. Used for checksum digests exchanged
// between terminals.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
