package sitelicense

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyd/internal/config"
	"custodyd/internal/crypto"
	"custodyd/internal/custody"
	domainerrors "custodyd/internal/errors"
	"custodyd/internal/ledger"
	"custodyd/internal/store"
	"custodyd/internal/trust"
)

type fixture struct {
	store   *store.Store
	custody *custody.Service
	trust   *trust.Service
	ledger  *ledger.Service
	sites   *Service
}

func newFixture(t *testing.T, policy config.QuotaPolicy) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cs := custody.NewService(st, crypto.DeriveMasterKey("test-passphrase"), 24*time.Hour, logger)
	ts := trust.NewService(st, logger)
	ls := ledger.NewService(st, logger)
	return &fixture{
		store:   st,
		custody: cs,
		trust:   ts,
		ledger:  ls,
		sites:   NewService(st, cs, ts, ls, policy, logger),
	}
}

func (f *fixture) uploadAnchor(t *testing.T, orgID string, maxSites int) {
	t.Helper()
	key, err := crypto.GenerateAnchorKeyPair()
	require.NoError(t, err)

	payload, err := json.Marshal(trust.AnchorPayload{
		OrgID:      orgID,
		MaxSites:   maxSites,
		ValidUntil: time.Now().UTC().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	signature, err := crypto.SignAnchorPayload(payload, key)
	require.NoError(t, err)
	pemKey, err := crypto.PublicKeyToPEM(&key.PublicKey)
	require.NoError(t, err)

	_, err = f.trust.Upload(context.Background(), orgID, payload, signature, pemKey)
	require.NoError(t, err)
}

func TestCreateRequiresValidAnchor(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)

	_, err := f.sites.Create(context.Background(), "org1", "site_a", nil)
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)
}

func TestCreateSignsAndStoresLicense(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)
	ctx := context.Background()
	f.uploadAnchor(t, "org1", 3)

	license, err := f.sites.Create(ctx, "org1", "site_a", &Fingerprint{Address: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, license.Status)
	assert.NotEmpty(t, license.Signature)

	var payload Payload
	require.NoError(t, json.Unmarshal(license.Payload, &payload))
	assert.Equal(t, "site_license", payload.Type)
	assert.Equal(t, "org1", payload.OrgID)
	assert.Equal(t, "site_a", payload.SiteID)
	assert.NotEmpty(t, payload.AnchorSignature)

	// The signature verifies against the org's provisioned key.
	publics, err := f.custody.VerificationKeysFor(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, publics, 1)
	sig, err := base64.StdEncoding.DecodeString(license.Signature)
	require.NoError(t, err)
	assert.True(t, crypto.Verify(publics[0], license.Payload, sig))

	// Creation lands in the usage ledger.
	entries, _, err := f.ledger.Query(ctx, "org1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryTypeSiteCreated, entries[0].EntryType)
	assert.Equal(t, "site_a", entries[0].SiteID)
}

func TestCreateDuplicateSite(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)
	ctx := context.Background()
	f.uploadAnchor(t, "org1", 5)

	_, err := f.sites.Create(ctx, "org1", "site_a", nil)
	require.NoError(t, err)
	_, err = f.sites.Create(ctx, "org1", "site_a", nil)
	assert.ErrorIs(t, err, domainerrors.ErrDuplicateSite)
}

func TestConcurrentCreateSameSite(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)
	f.uploadAnchor(t, "org1", 10)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sites.Create(context.Background(), "org1", "contested", nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, duplicates int
	for err := range results {
		switch {
		case err == nil:
			successes++
		default:
			assert.ErrorIs(t, err, domainerrors.ErrDuplicateSite)
			duplicates++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, duplicates)
}

func TestQuotaBoundary(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)
	ctx := context.Background()
	f.uploadAnchor(t, "org1", 2)

	_, err := f.sites.Create(ctx, "org1", "site_a", nil)
	require.NoError(t, err)
	_, err = f.sites.Create(ctx, "org1", "site_b", nil)
	require.NoError(t, err)
	_, err = f.sites.Create(ctx, "org1", "site_c", nil)
	assert.ErrorIs(t, err, domainerrors.ErrQuotaExceeded)

	// Under the active policy revoking a site frees its quota slot.
	require.NoError(t, f.sites.Revoke(ctx, "site_a"))
	_, err = f.sites.Create(ctx, "org1", "site_c", nil)
	require.NoError(t, err)
}

func TestQuotaEverIssuedPolicy(t *testing.T) {
	f := newFixture(t, config.QuotaEverIssued)
	ctx := context.Background()
	f.uploadAnchor(t, "org1", 2)

	_, err := f.sites.Create(ctx, "org1", "site_a", nil)
	require.NoError(t, err)
	_, err = f.sites.Create(ctx, "org1", "site_b", nil)
	require.NoError(t, err)

	// Revocation does not return quota under the cumulative policy.
	require.NoError(t, f.sites.Revoke(ctx, "site_a"))
	_, err = f.sites.Create(ctx, "org1", "site_c", nil)
	assert.ErrorIs(t, err, domainerrors.ErrQuotaExceeded)
}

func TestRevokeIsIdempotentAndLogged(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)
	ctx := context.Background()
	f.uploadAnchor(t, "org1", 3)

	_, err := f.sites.Create(ctx, "org1", "site_a", nil)
	require.NoError(t, err)

	require.NoError(t, f.sites.Revoke(ctx, "site_a"))
	require.NoError(t, f.sites.Revoke(ctx, "site_a"))

	assert.ErrorIs(t, f.sites.Revoke(ctx, "missing"), domainerrors.ErrNotFound)

	// Exactly one revocation entry despite the repeated call.
	entries, _, err := f.ledger.Query(ctx, "org1", 10, 0)
	require.NoError(t, err)
	var revocations int
	for _, e := range entries {
		if e.EntryType == ledger.EntryTypeSiteRevoked {
			revocations++
		}
	}
	assert.Equal(t, 1, revocations)
}

func TestHeartbeatOnRevokedSite(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)
	ctx := context.Background()
	f.uploadAnchor(t, "org1", 3)

	_, err := f.sites.Create(ctx, "org1", "site_a", nil)
	require.NoError(t, err)
	require.NoError(t, f.sites.Revoke(ctx, "site_a"))

	require.NoError(t, f.sites.Heartbeat(ctx, "site_a", time.Now().UTC()))

	got, err := f.sites.Get(ctx, "site_a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRevoked, got.Status)
	assert.NotNil(t, got.LastSeen)
}

func TestValidateRoundTrip(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)
	ctx := context.Background()
	f.uploadAnchor(t, "org1", 3)

	license, err := f.sites.Create(ctx, "org1", "site_a", nil)
	require.NoError(t, err)

	result, err := f.sites.Validate(ctx, license.Payload, license.Signature, nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.False(t, result.Expired)
	assert.False(t, result.Revoked)
	assert.False(t, result.FingerprintMismatch)
}

func TestValidateDetectsTampering(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)
	ctx := context.Background()
	f.uploadAnchor(t, "org1", 3)

	license, err := f.sites.Create(ctx, "org1", "site_a", nil)
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(license.Payload, &payload))
	payload["site_id"] = "site_b"
	tampered, err := json.Marshal(payload)
	require.NoError(t, err)

	result, err := f.sites.Validate(ctx, tampered, license.Signature, nil)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestValidateRevokedLicense(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)
	ctx := context.Background()
	f.uploadAnchor(t, "org1", 3)

	license, err := f.sites.Create(ctx, "org1", "site_a", nil)
	require.NoError(t, err)
	require.NoError(t, f.sites.Revoke(ctx, "site_a"))

	result, err := f.sites.Validate(ctx, license.Payload, license.Signature, nil)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, result.Revoked)
}

func TestValidateFingerprintMismatchIsAFlagNotAFailure(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)
	ctx := context.Background()
	f.uploadAnchor(t, "org1", 3)

	license, err := f.sites.Create(ctx, "org1", "site_a", &Fingerprint{
		Address:   "10.0.0.1",
		DNSSuffix: "prod.example.com",
	})
	require.NoError(t, err)

	// Matching fingerprint: no flag.
	result, err := f.sites.Validate(ctx, license.Payload, license.Signature, &Fingerprint{Address: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.False(t, result.FingerprintMismatch)

	// Mismatching address: flagged, but the license stays valid.
	result, err = f.sites.Validate(ctx, license.Payload, license.Signature, &Fingerprint{Address: "192.168.1.1"})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.True(t, result.FingerprintMismatch)

	// Empty presented fingerprint never mismatches.
	result, err = f.sites.Validate(ctx, license.Payload, license.Signature, nil)
	require.NoError(t, err)
	assert.False(t, result.FingerprintMismatch)
}

func TestValidateSurvivesSigningKeyRotation(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)
	ctx := context.Background()
	f.uploadAnchor(t, "org1", 3)

	license, err := f.sites.Create(ctx, "org1", "site_a", nil)
	require.NoError(t, err)

	// Simulate a rotation by provisioning a second signing key; validation
	// still accepts licenses signed with the prior one.
	publicKey, privateKey, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	sealed, err := crypto.Seal(crypto.DeriveMasterKey("test-passphrase"), privateKey)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, f.store.InsertKey(ctx, &store.Key{
		KeyID:          "rotated",
		OrgID:          "org1",
		Purpose:        store.PurposeOrgSigning,
		KeyType:        store.KeyTypeAsymmetric,
		PublicKey:      publicKey,
		MaterialSealed: sealed,
		Status:         store.StatusActive,
		Version:        1,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}))

	result, err := f.sites.Validate(ctx, license.Payload, license.Signature, nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestValidateMalformedPayload(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)

	_, err := f.sites.Validate(context.Background(), json.RawMessage(`not json`), "sig", nil)
	assert.ErrorIs(t, err, domainerrors.ErrMalformedInput)

	_, err = f.sites.Validate(context.Background(), json.RawMessage(`{"site_id":"x"}`), "sig", nil)
	assert.ErrorIs(t, err, domainerrors.ErrMalformedInput)
}

func TestListFiltersAndPaginates(t *testing.T) {
	f := newFixture(t, config.QuotaActiveSites)
	ctx := context.Background()
	f.uploadAnchor(t, "org1", 10)
	f.uploadAnchor(t, "org2", 10)

	for _, site := range []string{"a1", "a2", "a3"} {
		_, err := f.sites.Create(ctx, "org1", site, nil)
		require.NoError(t, err)
	}
	_, err := f.sites.Create(ctx, "org2", "b1", nil)
	require.NoError(t, err)
	require.NoError(t, f.sites.Revoke(ctx, "a2"))

	active, total, err := f.sites.List(ctx, "org1", store.StatusActive, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, active, 2)

	all, total, err := f.sites.List(ctx, "", "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, all, 4)
}
