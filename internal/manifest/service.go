// Package manifest implements the manifest exporter. It aggregates an
// organization's ledger entries for a calendar period into a canonical,
// Ed25519-signed manifest and delivers it to the receiving system with
// at-least-once semantics.
package manifest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"custodyd/internal/crypto"
	"custodyd/internal/custody"
	domainerrors "custodyd/internal/errors"
	"custodyd/internal/ledger"
	"custodyd/internal/store"
)

const payloadType = "usage_manifest"

// Entry is a ledger entry as serialized into a manifest payload.
type Entry struct {
	EntryID    string          `json:"entry_id"`
	EntryType  string          `json:"entry_type"`
	SiteID     string          `json:"site_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Payload is the signed body of a manifest. The signature covers its
// canonical JSON serialization.
type Payload struct {
	Type        string    `json:"type"`
	ManifestID  string    `json:"manifest_id"`
	OrgID       string    `json:"org_id"`
	Period      string    `json:"period"`
	GeneratedAt time.Time `json:"generated_at"`
	ActiveSites int       `json:"active_sites"`
	Entries     []Entry   `json:"entries"`
}

// Document is the wire form delivered to the receiving system: the canonical
// payload bytes plus the detached signature.
type Document struct {
	ManifestID string          `json:"manifest_id"`
	OrgID      string          `json:"org_id"`
	Period     string          `json:"period"`
	Payload    json.RawMessage `json:"payload"`
	Signature  string          `json:"signature"`
}

// Service is the manifest exporter.
type Service struct {
	store   *store.Store
	custody *custody.Service
	ledger  *ledger.Service
	client  *http.Client
	logger  *slog.Logger
}

// NewService creates the manifest exporter. client is used for Send; its
// timeout bounds the delivery attempt.
func NewService(st *store.Store, cs *custody.Service, ls *ledger.Service, client *http.Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Service{
		store:   st,
		custody: cs,
		ledger:  ls,
		client:  client,
		logger:  logger.With(slog.String("service", "manifest")),
	}
}

// Generate builds, signs and persists the manifest for (org, period). A
// manifest already existing for the period is a conflict unless regenerate is
// set, in which case the prior one is superseded and retained as historical.
// A period with no ledger entries still yields a valid signed manifest.
func (s *Service) Generate(ctx context.Context, orgID, period string, regenerate bool) (*store.Manifest, error) {
	if orgID == "" {
		return nil, fmt.Errorf("org id is required: %w", domainerrors.ErrMalformedInput)
	}
	start, end, err := periodWindow(period)
	if err != nil {
		return nil, err
	}

	locks := s.store.Locks()
	lockKey := "manifest/" + orgID + "/" + period
	locks.Lock(lockKey)
	defer locks.Unlock(lockKey)

	entries, err := s.ledger.EntriesInWindow(ctx, orgID, start, end)
	if err != nil {
		return nil, err
	}
	activeSites, err := s.store.CountSites(ctx, orgID, true)
	if err != nil {
		return nil, err
	}

	payload := Payload{
		Type:        payloadType,
		ManifestID:  uuid.New().String(),
		OrgID:       orgID,
		Period:      period,
		GeneratedAt: time.Now().UTC(),
		ActiveSites: activeSites,
		Entries:     make([]Entry, 0, len(entries)),
	}
	for _, e := range entries {
		payload.Entries = append(payload.Entries, Entry{
			EntryID:    e.EntryID,
			EntryType:  e.EntryType,
			SiteID:     e.SiteID,
			Payload:    e.Payload,
			RecordedAt: e.CreatedAt,
		})
	}

	payloadBytes, signature, err := s.signPayload(ctx, orgID, payload)
	if err != nil {
		return nil, err
	}

	manifest := &store.Manifest{
		ManifestID: payload.ManifestID,
		OrgID:      orgID,
		Period:     period,
		Payload:    payloadBytes,
		Signature:  signature,
		CreatedAt:  payload.GeneratedAt,
	}

	if regenerate {
		_, err := s.store.ActiveManifest(ctx, orgID, period)
		switch {
		case err == nil:
			if err := s.store.ReplaceManifest(ctx, orgID, period, manifest); err != nil {
				return nil, err
			}
		case errors.Is(err, domainerrors.ErrNotFound):
			// Nothing live for the period yet; regenerate degrades to a
			// plain generate.
			if err := s.store.InsertManifest(ctx, manifest); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	} else if err := s.store.InsertManifest(ctx, manifest); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "manifest generated",
		slog.String("org_id", orgID),
		slog.String("period", period),
		slog.String("manifest_id", manifest.ManifestID),
		slog.Int("entries", len(entries)),
		slog.Bool("regenerate", regenerate))
	return manifest, nil
}

// Get returns a manifest by id.
func (s *Service) Get(ctx context.Context, manifestID string) (*store.Manifest, error) {
	return s.store.GetManifest(ctx, manifestID)
}

// List returns live manifests, optionally filtered by period.
func (s *Service) List(ctx context.Context, period string) ([]*store.Manifest, error) {
	return s.store.ListManifests(ctx, period)
}

// Download returns a manifest's raw signed payload bytes.
func (s *Service) Download(ctx context.Context, manifestID string) ([]byte, error) {
	manifest, err := s.store.GetManifest(ctx, manifestID)
	if err != nil {
		return nil, err
	}
	return manifest.Payload, nil
}

// Send delivers a manifest to endpoint and records the acknowledged
// delivery. The manifest id travels as the idempotency key so the receiving
// system can de-duplicate; a failed attempt leaves sent=false and is safe to
// retry. No entity lock is held across the network call.
func (s *Service) Send(ctx context.Context, manifestID, endpoint string) (*store.Manifest, error) {
	manifest, err := s.store.GetManifest(ctx, manifestID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(Document{
		ManifestID: manifest.ManifestID,
		OrgID:      manifest.OrgID,
		Period:     manifest.Period,
		Payload:    manifest.Payload,
		Signature:  manifest.Signature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", endpoint, domainerrors.ErrMalformedInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", manifest.ManifestID)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delivery to %s failed: %w: %s", endpoint, domainerrors.ErrTransportFailure, err.Error())
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("delivery to %s returned %d: %w", endpoint, resp.StatusCode, domainerrors.ErrTransportFailure)
	}

	// Re-acquire state only after the network call completed.
	locks := s.store.Locks()
	locks.Lock("manifest-id/" + manifestID)
	defer locks.Unlock("manifest-id/" + manifestID)

	sentAt := time.Now().UTC()
	if err := s.store.MarkManifestSent(ctx, manifestID, endpoint, sentAt); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "manifest sent",
		slog.String("manifest_id", manifestID),
		slog.String("endpoint", endpoint))
	return s.store.GetManifest(ctx, manifestID)
}

func (s *Service) signPayload(ctx context.Context, orgID string, payload Payload) ([]byte, string, error) {
	payloadBytes, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to serialize manifest payload: %w", err)
	}

	privateKey, err := s.custody.SigningKeyFor(ctx, orgID)
	if err != nil {
		return nil, "", err
	}
	defer crypto.Zeroize(privateKey)

	sig, err := crypto.Sign(privateKey, payloadBytes)
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign manifest payload: %w", err)
	}
	return payloadBytes, base64.StdEncoding.EncodeToString(sig), nil
}

// periodWindow resolves a YYYY-MM period token to its UTC calendar window.
func periodWindow(period string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01", period, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("period must be YYYY-MM: %w", domainerrors.ErrMalformedInput)
	}
	return start, start.AddDate(0, 1, 0), nil
}
