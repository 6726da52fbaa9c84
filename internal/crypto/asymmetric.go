package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

const (
	// Ed25519PublicKeySize is the size of Ed25519 public keys in bytes.
	Ed25519PublicKeySize = ed25519.PublicKeySize
	// Ed25519PrivateKeySize is the size of Ed25519 private keys in bytes.
	Ed25519PrivateKeySize = ed25519.PrivateKeySize
	// Ed25519SignatureSize is the size of Ed25519 signatures in bytes.
	Ed25519SignatureSize = ed25519.SignatureSize
)

// GenerateSigningKeyPair generates a fresh Ed25519 key pair. The private key
// must be sealed before persistence.
func GenerateSigningKeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return pub, priv, nil
}

// PublicKeyFromPrivate derives the Ed25519 public key embedded in a 64-byte
// private key.
func PublicKeyFromPrivate(privateKey []byte) ([]byte, error) {
	if len(privateKey) != Ed25519PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", Ed25519PrivateKeySize, len(privateKey))
	}
	pub := make([]byte, Ed25519PublicKeySize)
	copy(pub, privateKey[Ed25519PublicKeySize:])
	return pub, nil
}

// Sign produces a detached Ed25519 signature over message.
func Sign(privateKey, message []byte) ([]byte, error) {
	if len(privateKey) != Ed25519PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", Ed25519PrivateKeySize, len(privateKey))
	}
	return ed25519.Sign(ed25519.PrivateKey(privateKey), message), nil
}

// Verify reports whether signature is a valid Ed25519 signature of message
// under publicKey. Malformed inputs verify as false rather than erroring:
// verification outcomes are results, not faults.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != Ed25519PublicKeySize || len(signature) != Ed25519SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}
