package custody

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyd/internal/crypto"
	domainerrors "custodyd/internal/errors"
	"custodyd/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, crypto.DeriveMasterKey("test-passphrase"), 24*time.Hour, logger)
}

func TestRegisterSymmetricRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, err := svc.Register(ctx, store.KeyTypeSymmetric, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, key.Version)
	assert.Equal(t, store.StatusActive, key.Status)
	assert.Nil(t, key.MaterialSealed, "sealed material never leaves the service")
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), key.ExpiresAt, time.Minute)

	material, warning, err := svc.Download(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Len(t, material, crypto.SymmetricKeySize)
	assert.Equal(t, DownloadWarning, warning)

	result, err := svc.Validate(ctx, key.KeyID, material, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.False(t, result.Expired)
	assert.False(t, result.Revoked)

	wrong := make([]byte, crypto.SymmetricKeySize)
	result, err = svc.Validate(ctx, key.KeyID, wrong, nil, nil)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestRegisterSymmetricSuppliedMaterial(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	material, err := crypto.GenerateSymmetricKey()
	require.NoError(t, err)
	supplied := make([]byte, len(material))
	copy(supplied, material)

	key, err := svc.Register(ctx, store.KeyTypeSymmetric, supplied, time.Hour)
	require.NoError(t, err)

	// Registration zeroizes the slice it was handed.
	assert.Equal(t, make([]byte, crypto.SymmetricKeySize), supplied)

	downloaded, _, err := svc.Download(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, material, downloaded)
}

func TestRegisterRejectsMalformedMaterial(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, store.KeyTypeSymmetric, []byte("short"), 0)
	assert.ErrorIs(t, err, domainerrors.ErrInvalidKeyMaterial)

	_, err = svc.Register(ctx, store.KeyTypeAsymmetric, []byte("not a key"), 0)
	assert.ErrorIs(t, err, domainerrors.ErrInvalidKeyMaterial)

	_, err = svc.Register(ctx, store.KeyType("unknown"), nil, 0)
	assert.ErrorIs(t, err, domainerrors.ErrMalformedInput)
}

func TestRegisterAsymmetricSignatureValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, err := svc.Register(ctx, store.KeyTypeAsymmetric, nil, time.Hour)
	require.NoError(t, err)
	require.Len(t, key.PublicKey, crypto.Ed25519PublicKeySize)

	privateKey, _, err := svc.Download(ctx, key.KeyID)
	require.NoError(t, err)

	message := []byte("challenge")
	sig, err := crypto.Sign(privateKey, message)
	require.NoError(t, err)

	result, err := svc.Validate(ctx, key.KeyID, nil, message, sig)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	result, err = svc.Validate(ctx, key.KeyID, nil, []byte("other message"), sig)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestRegisterAsymmetricSuppliedPrivateKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	publicKey, privateKey, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	supplied := make([]byte, len(privateKey))
	copy(supplied, privateKey)

	key, err := svc.Register(ctx, store.KeyTypeAsymmetric, supplied, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, publicKey, key.PublicKey)
}

func TestValidateExpiredKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, err := svc.Register(ctx, store.KeyTypeSymmetric, nil, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	result, err := svc.Validate(ctx, key.KeyID, nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, result.Expired)
	assert.False(t, result.Revoked)
}

func TestRefreshExtendsExpiry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, err := svc.Register(ctx, store.KeyTypeSymmetric, nil, time.Hour)
	require.NoError(t, err)

	newExpiry, err := svc.Refresh(ctx, key.KeyID, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, key.ExpiresAt.Add(time.Hour), newExpiry, time.Second)

	got, err := svc.Get(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	_, err = svc.Refresh(ctx, "missing", time.Hour)
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)
}

func TestRevocationIsIdempotentAndTerminal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	key, err := svc.Register(ctx, store.KeyTypeSymmetric, nil, time.Hour)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, key.KeyID))
	require.NoError(t, svc.Revoke(ctx, key.KeyID), "re-revoke is a no-op success")

	_, err = svc.Refresh(ctx, key.KeyID, time.Hour)
	assert.ErrorIs(t, err, domainerrors.ErrAlreadyRevoked)

	result, err := svc.Validate(ctx, key.KeyID, nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, result.Revoked)

	// Revocation bumps the version but never deletes the record.
	got, err := svc.Get(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestListExcludesMaterial(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, store.KeyTypeSymmetric, nil, time.Hour)
	require.NoError(t, err)
	_, err = svc.Register(ctx, store.KeyTypeAsymmetric, nil, time.Hour)
	require.NoError(t, err)

	keys, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.Nil(t, k.MaterialSealed)
	}
}

func TestSigningKeyProvisionedOncePerOrg(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.SigningKeyFor(ctx, "org1")
	require.NoError(t, err)
	second, err := svc.SigningKeyFor(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	publics, err := svc.VerificationKeysFor(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, publics, 1)

	derived, err := crypto.PublicKeyFromPrivate(first)
	require.NoError(t, err)
	assert.Equal(t, derived, publics[0])

	// Signing keys are internal and stay out of custody listings.
	keys, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
