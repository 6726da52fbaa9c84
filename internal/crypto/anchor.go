package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
)

// Trust anchors are signed with ECDSA P-256 over SHA-256. The wire form of a
// signature is base64(r || s) with both halves padded to 32 bytes.

const anchorSignatureSize = 64

// GenerateAnchorKeyPair generates an ECDSA P-256 key pair. Used by tooling
// and tests; the service itself only verifies anchor signatures.
func GenerateAnchorKeyPair() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate anchor key: %w", err)
	}
	return key, nil
}

// SignAnchorPayload signs payload and returns the base64 wire signature.
func SignAnchorPayload(payload []byte, key *ecdsa.PrivateKey) (string, error) {
	hash := sha256.Sum256(payload)
	r, s, err := ecdsa.Sign(rand.Reader, key, hash[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}

	sig := make([]byte, anchorSignatureSize)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyAnchorSignature reports whether signature is a valid wire signature
// of payload under publicKey.
func VerifyAnchorSignature(payload []byte, signature string, publicKey *ecdsa.PublicKey) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != anchorSignatureSize {
		return false
	}

	hash := sha256.Sum256(payload)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(publicKey, hash[:], r, s)
}

// PublicKeyToPEM encodes an ECDSA public key in PKIX PEM form.
func PublicKeyToPEM(publicKey *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// PEMToPublicKey decodes a PKIX PEM public key and requires it to be ECDSA.
func PEMToPublicKey(pemData string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ECDSA public key")
	}
	return ecdsaPub, nil
}
