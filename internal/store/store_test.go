package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "custodyd/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testKey(orgID string, purpose KeyPurpose) *Key {
	now := time.Now().UTC()
	return &Key{
		KeyID:          uuid.New().String(),
		OrgID:          orgID,
		Purpose:        purpose,
		KeyType:        KeyTypeAsymmetric,
		PublicKey:      []byte("public"),
		MaterialSealed: []byte("sealed"),
		Status:         StatusActive,
		Version:        1,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
}

func testSite(orgID, siteID string) *SiteLicense {
	now := time.Now().UTC()
	return &SiteLicense{
		LicenseID: uuid.New().String(),
		OrgID:     orgID,
		SiteID:    siteID,
		Payload:   []byte(`{"site_id":"` + siteID + `"}`),
		Signature: "sig",
		Status:    StatusActive,
		IssuedAt:  now,
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
	}
}

func TestKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := testKey("", PurposeCustody)
	require.NoError(t, s.InsertKey(ctx, key))

	got, err := s.GetKey(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, got.KeyID)
	assert.Equal(t, []byte("sealed"), got.MaterialSealed)
	assert.Equal(t, 1, got.Version)

	_, err = s.GetKey(ctx, "missing")
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)
}

func TestUpdateKeyExpiryBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := testKey("", PurposeCustody)
	require.NoError(t, s.InsertKey(ctx, key))

	newExpiry := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	require.NoError(t, s.UpdateKeyExpiry(ctx, key.KeyID, newExpiry))

	got, err := s.GetKey(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.WithinDuration(t, newExpiry, got.ExpiresAt, time.Second)

	assert.ErrorIs(t, s.UpdateKeyExpiry(ctx, "missing", newExpiry), domainerrors.ErrNotFound)
}

func TestListKeysOmitsMaterial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertKey(ctx, testKey("", PurposeCustody)))
	require.NoError(t, s.InsertKey(ctx, testKey("org1", PurposeOrgSigning)))

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1, "org signing keys are internal and not listed")
	assert.Nil(t, keys[0].MaterialSealed)
}

func TestOrgSigningKeyLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testKey("org1", PurposeOrgSigning)
	require.NoError(t, s.InsertKey(ctx, first))
	second := testKey("org1", PurposeOrgSigning)
	require.NoError(t, s.InsertKey(ctx, second))

	got, err := s.GetOrgSigningKey(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, got.KeyID, "newest active key wins")

	all, err := s.ListOrgSigningKeys(ctx, "org1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetOrgSigningKey(ctx, "org2")
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)
}

func TestDuplicateSiteRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSite(ctx, testSite("org1", "site_a")))
	err := s.InsertSite(ctx, testSite("org1", "site_a"))
	assert.ErrorIs(t, err, domainerrors.ErrDuplicateSite)

	// Same site id under another org is fine.
	require.NoError(t, s.InsertSite(ctx, testSite("org2", "site_a")))
}

func TestConcurrentDuplicateSiteCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.InsertSite(ctx, testSite("org1", "contested"))
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

func TestListSitesStableOrderAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"site_c", "site_a", "site_b"} {
		site := testSite("org1", id)
		site.CreatedAt = base // identical creation time forces the tie-break
		_ = i
		require.NoError(t, s.InsertSite(ctx, site))
	}

	sites, total, err := s.ListSites(ctx, "org1", "", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, sites, 2)
	assert.Equal(t, "site_a", sites[0].SiteID)
	assert.Equal(t, "site_b", sites[1].SiteID)

	rest, _, err := s.ListSites(ctx, "org1", "", 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "site_c", rest[0].SiteID)
}

func TestRevokeSiteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSite(ctx, testSite("org1", "site_a")))
	require.NoError(t, s.RevokeSite(ctx, "site_a"))
	require.NoError(t, s.RevokeSite(ctx, "site_a"), "re-revoke is a no-op success")

	got, err := s.GetSite(ctx, "site_a")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got.Status)

	assert.ErrorIs(t, s.RevokeSite(ctx, "missing"), domainerrors.ErrNotFound)
}

func TestHeartbeatOnRevokedSiteDoesNotReactivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSite(ctx, testSite("org1", "site_a")))
	require.NoError(t, s.RevokeSite(ctx, "site_a"))

	seen := time.Now().UTC()
	require.NoError(t, s.UpdateSiteHeartbeat(ctx, "site_a", seen))

	got, err := s.GetSite(ctx, "site_a")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got.Status)
	require.NotNil(t, got.LastSeen)
	assert.WithinDuration(t, seen, *got.LastSeen, time.Second)
}

func TestAnchorReplaceKeepsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &TrustAnchor{
		AnchorID:     uuid.New().String(),
		OrgID:        "org1",
		MaxSites:     2,
		Payload:      []byte(`{"v":1}`),
		Signature:    "sig1",
		PublicKeyPEM: "pem1",
		ValidUntil:   time.Now().UTC().Add(time.Hour),
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.InsertAnchor(ctx, first))

	// A second live anchor for the same org is rejected.
	dup := *first
	dup.ID = 0
	dup.AnchorID = uuid.New().String()
	assert.ErrorIs(t, s.InsertAnchor(ctx, &dup), domainerrors.ErrAnchorExists)

	replacement := *first
	replacement.ID = 0
	replacement.AnchorID = uuid.New().String()
	replacement.MaxSites = 5
	require.NoError(t, s.ReplaceAnchor(ctx, "org1", &replacement))

	active, err := s.ActiveAnchor(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, 5, active.MaxSites)

	history, err := s.AnchorHistory(ctx, "org1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestLedgerInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Advisory timestamps deliberately run backwards; insertion order wins.
	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertLedgerEntry(ctx, &LedgerEntry{
			EntryID:   uuid.New().String(),
			OrgID:     "org1",
			EntryType: "usage",
			Payload:   []byte{byte('0' + i)},
			CreatedAt: base.Add(-time.Duration(i) * time.Hour),
		}))
	}

	entries, total, err := s.ListLedgerEntries(ctx, "org1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("0"), entries[0].Payload)
	assert.Equal(t, []byte("2"), entries[2].Payload)
}

func TestLedgerWindowQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	out := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{in, out} {
		require.NoError(t, s.InsertLedgerEntry(ctx, &LedgerEntry{
			EntryID:   uuid.New().String(),
			OrgID:     "org1",
			EntryType: "usage",
			CreatedAt: ts,
		}))
	}

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	entries, err := s.LedgerEntriesInWindow(ctx, "org1", start, end)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.WithinDuration(t, in, entries[0].CreatedAt, time.Second)
}

func testManifest(orgID, period string) *Manifest {
	return &Manifest{
		ManifestID: uuid.New().String(),
		OrgID:      orgID,
		Period:     period,
		Payload:    []byte(`{}`),
		Signature:  "sig",
		CreatedAt:  time.Now().UTC(),
	}
}

func TestManifestUniquePerPeriod(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertManifest(ctx, testManifest("org1", "2024-01")))
	assert.ErrorIs(t, s.InsertManifest(ctx, testManifest("org1", "2024-01")), domainerrors.ErrAlreadyGenerated)

	// Other periods and orgs are unaffected.
	require.NoError(t, s.InsertManifest(ctx, testManifest("org1", "2024-02")))
	require.NoError(t, s.InsertManifest(ctx, testManifest("org2", "2024-01")))
}

func TestManifestReplaceSupersedes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testManifest("org1", "2024-01")
	require.NoError(t, s.InsertManifest(ctx, first))

	replacement := testManifest("org1", "2024-01")
	require.NoError(t, s.ReplaceManifest(ctx, "org1", "2024-01", replacement))

	active, err := s.ActiveManifest(ctx, "org1", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, replacement.ManifestID, active.ManifestID)

	old, err := s.GetManifest(ctx, first.ManifestID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)

	live, err := s.ListManifests(ctx, "2024-01")
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestMarkManifestSent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testManifest("org1", "2024-01")
	require.NoError(t, s.InsertManifest(ctx, m))

	sentAt := time.Now().UTC()
	require.NoError(t, s.MarkManifestSent(ctx, m.ManifestID, "https://partner.example/ingest", sentAt))

	got, err := s.GetManifest(ctx, m.ManifestID)
	require.NoError(t, err)
	assert.True(t, got.Sent)
	assert.Equal(t, "https://partner.example/ingest", got.Endpoint)
	require.NotNil(t, got.SentAt)
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("same")
			counter++
			km.Unlock("same")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	km.Lock("a")
	defer km.Unlock("a")

	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked")
	}
}
