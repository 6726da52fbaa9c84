// Package custody implements the key custody store: registration, expiry and
// versioning, revocation, and privileged download of symmetric and Ed25519
// key material sealed at rest under the service master key.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"custodyd/internal/crypto"
	domainerrors "custodyd/internal/errors"
	"custodyd/internal/store"
)

// DownloadWarning accompanies every download response. Once material leaves
// the store it exists in the clear on the caller's side.
const DownloadWarning = "key material returned in plaintext; the caller now holds it outside the custody store"

// ValidationResult reports the outcome of a key validation. Invalid is an
// expected result, not an error; the flags say why.
type ValidationResult struct {
	Valid   bool `json:"valid"`
	Expired bool `json:"expired"`
	Revoked bool `json:"revoked"`
}

// Service is the key custody store.
type Service struct {
	store      *store.Store
	masterKey  []byte
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewService creates the custody service. masterKey is the derived 256-bit
// store encryption key; defaultTTL applies when a registration omits expiry.
func NewService(st *store.Store, masterKey []byte, defaultTTL time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      st,
		masterKey:  masterKey,
		defaultTTL: defaultTTL,
		logger:     logger.With(slog.String("service", "custody")),
	}
}

// Register creates a new custody key. When material is nil a fresh key is
// generated: a random 256-bit key for symmetric, an Ed25519 pair for
// asymmetric. Caller-supplied asymmetric material is the 64-byte Ed25519
// private key; the public half is derived from it. Material is sealed before
// persistence and the plaintext zeroized.
func (s *Service) Register(ctx context.Context, keyType store.KeyType, material []byte, expiresIn time.Duration) (*store.Key, error) {
	var plaintext, publicKey []byte
	var err error

	switch keyType {
	case store.KeyTypeSymmetric:
		if material == nil {
			plaintext, err = crypto.GenerateSymmetricKey()
			if err != nil {
				return nil, fmt.Errorf("failed to generate key: %w", err)
			}
		} else {
			if len(material) != crypto.SymmetricKeySize {
				return nil, fmt.Errorf("symmetric material must be %d bytes, got %d: %w",
					crypto.SymmetricKeySize, len(material), domainerrors.ErrInvalidKeyMaterial)
			}
			plaintext = material
		}
	case store.KeyTypeAsymmetric:
		if material == nil {
			publicKey, plaintext, err = crypto.GenerateSigningKeyPair()
			if err != nil {
				return nil, fmt.Errorf("failed to generate key pair: %w", err)
			}
		} else {
			publicKey, err = crypto.PublicKeyFromPrivate(material)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", err.Error(), domainerrors.ErrInvalidKeyMaterial)
			}
			plaintext = material
		}
	default:
		return nil, fmt.Errorf("unknown key type %q: %w", keyType, domainerrors.ErrMalformedInput)
	}
	defer crypto.Zeroize(plaintext)

	sealed, err := crypto.Seal(s.masterKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal key material: %w", err)
	}

	if expiresIn <= 0 {
		expiresIn = s.defaultTTL
	}

	now := time.Now().UTC()
	key := &store.Key{
		KeyID:          uuid.New().String(),
		Purpose:        store.PurposeCustody,
		KeyType:        keyType,
		PublicKey:      publicKey,
		MaterialSealed: sealed,
		Status:         store.StatusActive,
		Version:        1,
		CreatedAt:      now,
		ExpiresAt:      now.Add(expiresIn),
	}
	if err := s.store.InsertKey(ctx, key); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "key registered",
		slog.String("key_id", key.KeyID),
		slog.String("key_type", string(keyType)),
		slog.Time("expires_at", key.ExpiresAt))

	key.MaterialSealed = nil
	return key, nil
}

// Validate checks supplied material against a stored key. Symmetric keys
// compare material in constant time; asymmetric keys verify signature over
// message with the stored public key. Expired and revoked are reported as
// distinct flags alongside valid=false.
func (s *Service) Validate(ctx context.Context, keyID string, material, message, signature []byte) (ValidationResult, error) {
	key, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return ValidationResult{}, err
	}

	result := ValidationResult{
		Expired: key.IsExpired(time.Now().UTC()),
		Revoked: key.IsRevoked(),
	}
	if result.Expired || result.Revoked {
		return result, nil
	}

	switch key.KeyType {
	case store.KeyTypeSymmetric:
		stored, err := crypto.Open(s.masterKey, key.MaterialSealed)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("failed to unseal key material: %w", err)
		}
		result.Valid = crypto.ConstantTimeEqual(stored, material)
		crypto.Zeroize(stored)
	case store.KeyTypeAsymmetric:
		result.Valid = crypto.Verify(key.PublicKey, message, signature)
	}
	return result, nil
}

// Refresh extends a key's expiry by additional and bumps its version.
// Revoked keys cannot be refreshed.
func (s *Service) Refresh(ctx context.Context, keyID string, additional time.Duration) (time.Time, error) {
	locks := s.store.Locks()
	locks.Lock("key/" + keyID)
	defer locks.Unlock("key/" + keyID)

	key, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return time.Time{}, err
	}
	if key.IsRevoked() {
		return time.Time{}, fmt.Errorf("key %s: %w", keyID, domainerrors.ErrAlreadyRevoked)
	}

	newExpiry := key.ExpiresAt.Add(additional)
	if err := s.store.UpdateKeyExpiry(ctx, keyID, newExpiry); err != nil {
		return time.Time{}, err
	}

	s.logger.InfoContext(ctx, "key refreshed",
		slog.String("key_id", keyID),
		slog.Time("new_expiry", newExpiry))
	return newExpiry, nil
}

// Revoke marks a key revoked. Idempotent; the record is retained for audit.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	locks := s.store.Locks()
	locks.Lock("key/" + keyID)
	defer locks.Unlock("key/" + keyID)

	key, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if key.IsRevoked() {
		return nil
	}
	if err := s.store.RevokeKey(ctx, keyID); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "key revoked", slog.String("key_id", keyID))
	return nil
}

// Get returns a key's metadata without sealed material.
func (s *Service) Get(ctx context.Context, keyID string) (*store.Key, error) {
	key, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	key.MaterialSealed = nil
	return key, nil
}

// List returns metadata for every custody key. Material never appears in
// listings; download is the single privileged path to it.
func (s *Service) List(ctx context.Context) ([]*store.Key, error) {
	return s.store.ListKeys(ctx)
}

// Download unseals and returns a key's raw material. The caller owns the
// plaintext from here on; the accompanying warning says so explicitly.
func (s *Service) Download(ctx context.Context, keyID string) ([]byte, string, error) {
	key, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, "", err
	}

	material, err := crypto.Open(s.masterKey, key.MaterialSealed)
	if err != nil {
		return nil, "", fmt.Errorf("failed to unseal key material: %w", err)
	}

	s.logger.WarnContext(ctx, "key material downloaded", slog.String("key_id", keyID))
	return material, DownloadWarning, nil
}

// SigningKeyFor returns the plaintext Ed25519 private key the organization
// signs licenses and manifests with, provisioning one on first use. The
// caller must zeroize the returned material.
func (s *Service) SigningKeyFor(ctx context.Context, orgID string) ([]byte, error) {
	locks := s.store.Locks()
	locks.Lock("org-signing/" + orgID)
	defer locks.Unlock("org-signing/" + orgID)

	key, err := s.store.GetOrgSigningKey(ctx, orgID)
	if err != nil {
		if !errors.Is(err, domainerrors.ErrNotFound) {
			return nil, err
		}
		key, err = s.provisionSigningKey(ctx, orgID)
		if err != nil {
			return nil, err
		}
	}

	material, err := crypto.Open(s.masterKey, key.MaterialSealed)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal signing key: %w", err)
	}
	return material, nil
}

// VerificationKeysFor returns every Ed25519 public key ever provisioned for
// an organization, newest first. Validation tries them all so that licenses
// signed before a rotation still verify.
func (s *Service) VerificationKeysFor(ctx context.Context, orgID string) ([][]byte, error) {
	keys, err := s.store.ListOrgSigningKeys(ctx, orgID)
	if err != nil {
		return nil, err
	}
	publics := make([][]byte, 0, len(keys))
	for _, k := range keys {
		publics = append(publics, k.PublicKey)
	}
	return publics, nil
}

func (s *Service) provisionSigningKey(ctx context.Context, orgID string) (*store.Key, error) {
	publicKey, privateKey, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	defer crypto.Zeroize(privateKey)

	sealed, err := crypto.Seal(s.masterKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to seal signing key: %w", err)
	}

	now := time.Now().UTC()
	key := &store.Key{
		KeyID:          uuid.New().String(),
		OrgID:          orgID,
		Purpose:        store.PurposeOrgSigning,
		KeyType:        store.KeyTypeAsymmetric,
		PublicKey:      publicKey,
		MaterialSealed: sealed,
		Status:         store.StatusActive,
		Version:        1,
		CreatedAt:      now,
		// Signing keys outlive the licenses they sign; expiry is nominal.
		ExpiresAt: now.AddDate(10, 0, 0),
	}
	if err := s.store.InsertKey(ctx, key); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "org signing key provisioned",
		slog.String("org_id", orgID),
		slog.String("key_id", key.KeyID))
	return key, nil
}
