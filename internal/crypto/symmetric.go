// Package crypto implements the cryptographic primitives of the custody
// core: symmetric custody keys, Ed25519 signing keys, ECDSA trust anchor
// verification, AES-256-GCM envelope encryption, and canonical JSON
// serialization for signatures.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// SymmetricKeySize is the size of symmetric keys in bytes (256 bits).
const SymmetricKeySize = 32

// GenerateSymmetricKey generates a random 256-bit key suitable for AES-256.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate symmetric key: %w", err)
	}
	return key, nil
}

// ConstantTimeEqual compares two byte slices in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites the slice with zeros. Callers use it to limit the
// lifetime of plaintext key material in memory.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
