// Package sitelicense implements the site license engine: minting signed,
// fingerprint-bindable licenses under an organization's trust anchor,
// enforcing the anchor's quota and the active/revoked state machine, and
// validating presented licenses.
package sitelicense

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"custodyd/internal/config"
	"custodyd/internal/crypto"
	"custodyd/internal/custody"
	domainerrors "custodyd/internal/errors"
	"custodyd/internal/ledger"
	"custodyd/internal/store"
	"custodyd/internal/trust"
)

const payloadType = "site_license"

// Fingerprint softly binds a license to a deployment environment. All fields
// are optional; it is a binding hint, not an authentication factor.
type Fingerprint struct {
	Address       string `json:"address,omitempty"`
	DNSSuffix     string `json:"dns_suffix,omitempty"`
	DeploymentTag string `json:"deployment_tag,omitempty"`
}

// IsEmpty reports whether no fingerprint field is set.
func (f *Fingerprint) IsEmpty() bool {
	return f == nil || (f.Address == "" && f.DNSSuffix == "" && f.DeploymentTag == "")
}

// Payload is the signed body of a site license. The Ed25519 signature covers
// its canonical JSON serialization.
type Payload struct {
	Type            string       `json:"type"`
	LicenseID       string       `json:"license_id"`
	SiteID          string       `json:"site_id"`
	OrgID           string       `json:"org_id"`
	AnchorSignature string       `json:"anchor_signature"`
	Fingerprint     *Fingerprint `json:"fingerprint,omitempty"`
	FeaturePacks    []string     `json:"feature_packs,omitempty"`
	IssuedAt        time.Time    `json:"issued_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
}

// ValidationResult reports license validation as independent flags. A
// fingerprint mismatch does not clear Valid; callers apply their own policy.
type ValidationResult struct {
	Valid               bool `json:"valid"`
	Expired             bool `json:"expired"`
	Revoked             bool `json:"revoked"`
	FingerprintMismatch bool `json:"fingerprint_mismatch"`
}

// Service is the site license engine.
type Service struct {
	store       *store.Store
	custody     *custody.Service
	trust       *trust.Service
	ledger      *ledger.Service
	quotaPolicy config.QuotaPolicy
	logger      *slog.Logger
}

// NewService creates the site license engine.
func NewService(st *store.Store, cs *custody.Service, ts *trust.Service, ls *ledger.Service, quotaPolicy config.QuotaPolicy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		custody:     cs,
		trust:       ts,
		ledger:      ls,
		quotaPolicy: quotaPolicy,
		logger:      logger.With(slog.String("service", "sitelicense")),
	}
}

// Create mints a site license for org. The org must hold a valid, non-expired
// trust anchor; its quota bounds the site count per the configured policy.
// The license payload is signed with the org's Ed25519 signing key, which is
// provisioned on first use. Two racing creates for the same site id resolve
// to one success and one DuplicateSite.
func (s *Service) Create(ctx context.Context, orgID, siteID string, fingerprint *Fingerprint) (*store.SiteLicense, error) {
	if orgID == "" || siteID == "" {
		return nil, fmt.Errorf("org id and site id are required: %w", domainerrors.ErrMalformedInput)
	}

	// The org lock serializes the quota check with the insert; the unique
	// index on (org_id, site_id) is the backstop for duplicates.
	locks := s.store.Locks()
	locks.Lock("org/" + orgID)
	defer locks.Unlock("org/" + orgID)

	anchor, err := s.trust.RequireValid(ctx, orgID)
	if err != nil {
		return nil, err
	}

	activeOnly := s.quotaPolicy == config.QuotaActiveSites
	count, err := s.store.CountSites(ctx, orgID, activeOnly)
	if err != nil {
		return nil, err
	}
	if count >= anchor.MaxSites {
		return nil, fmt.Errorf("org %s has %d of %d sites: %w",
			orgID, count, anchor.MaxSites, domainerrors.ErrQuotaExceeded)
	}

	now := time.Now().UTC()
	payload := Payload{
		Type:            payloadType,
		LicenseID:       uuid.New().String(),
		SiteID:          siteID,
		OrgID:           orgID,
		AnchorSignature: anchor.Signature,
		Fingerprint:     fingerprint,
		FeaturePacks:    trust.FeaturePacks(anchor),
		IssuedAt:        now,
		ExpiresAt:       anchor.ValidUntil,
	}
	payloadBytes, signature, err := s.signPayload(ctx, orgID, payload)
	if err != nil {
		return nil, err
	}

	var fingerprintBytes []byte
	if !fingerprint.IsEmpty() {
		fingerprintBytes, err = json.Marshal(fingerprint)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize fingerprint: %w", err)
		}
	}

	license := &store.SiteLicense{
		LicenseID:   payload.LicenseID,
		OrgID:       orgID,
		SiteID:      siteID,
		Fingerprint: fingerprintBytes,
		Payload:     payloadBytes,
		Signature:   signature,
		Status:      store.StatusActive,
		IssuedAt:    now,
		ExpiresAt:   payload.ExpiresAt,
		CreatedAt:   now,
	}
	if err := s.store.InsertSite(ctx, license); err != nil {
		return nil, err
	}

	if _, err := s.ledger.RecordLifecycle(ctx, orgID, ledger.EntryTypeSiteCreated, siteID); err != nil {
		s.logger.WarnContext(ctx, "failed to record site creation in ledger",
			slog.String("site_id", siteID), slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "site license created",
		slog.String("org_id", orgID),
		slog.String("site_id", siteID),
		slog.String("license_id", license.LicenseID))
	return license, nil
}

// Get returns a site license by site id.
func (s *Service) Get(ctx context.Context, siteID string) (*store.SiteLicense, error) {
	return s.store.GetSite(ctx, siteID)
}

// List returns site licenses filtered by org and status with deterministic
// limit/offset pagination, plus the unpaginated total.
func (s *Service) List(ctx context.Context, orgID string, status store.EntityStatus, limit, offset int) ([]*store.SiteLicense, int, error) {
	return s.store.ListSites(ctx, orgID, status, limit, offset)
}

// Revoke transitions a site license to revoked. Idempotent; revoked is
// terminal. The first transition is recorded in the usage ledger.
func (s *Service) Revoke(ctx context.Context, siteID string) error {
	locks := s.store.Locks()
	locks.Lock("site/" + siteID)
	defer locks.Unlock("site/" + siteID)

	license, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		return err
	}
	if license.Status == store.StatusRevoked {
		return nil
	}
	if err := s.store.RevokeSite(ctx, siteID); err != nil {
		return err
	}

	if _, err := s.ledger.RecordLifecycle(ctx, license.OrgID, ledger.EntryTypeSiteRevoked, siteID); err != nil {
		s.logger.WarnContext(ctx, "failed to record site revocation in ledger",
			slog.String("site_id", siteID), slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "site license revoked",
		slog.String("org_id", license.OrgID),
		slog.String("site_id", siteID))
	return nil
}

// Heartbeat records a site's last-seen timestamp. A heartbeat on a revoked
// site is accepted without reactivating it.
func (s *Service) Heartbeat(ctx context.Context, siteID string, seenAt time.Time) error {
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	return s.store.UpdateSiteHeartbeat(ctx, siteID, seenAt)
}

// Validate checks a presented license payload and signature. The signature
// is verified against the issuing org's current and all prior verification
// keys so that anchor rotation does not invalidate licenses mid-lifetime.
// Validity is recomputed on every call, never cached.
func (s *Service) Validate(ctx context.Context, rawPayload json.RawMessage, signature string, presented *Fingerprint) (ValidationResult, error) {
	var payload Payload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return ValidationResult{}, fmt.Errorf("license payload: %w", domainerrors.ErrMalformedInput)
	}
	if payload.OrgID == "" {
		return ValidationResult{}, fmt.Errorf("license payload missing org_id: %w", domainerrors.ErrMalformedInput)
	}

	result := ValidationResult{}

	canonical, err := crypto.CanonicalJSON(rawPayload)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("license payload: %w", domainerrors.ErrMalformedInput)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err == nil {
		keys, kerr := s.custody.VerificationKeysFor(ctx, payload.OrgID)
		if kerr != nil {
			return ValidationResult{}, kerr
		}
		for _, publicKey := range keys {
			if crypto.Verify(publicKey, canonical, sig) {
				result.Valid = true
				break
			}
		}
	}

	if !payload.ExpiresAt.IsZero() && time.Now().UTC().After(payload.ExpiresAt) {
		result.Expired = true
		result.Valid = false
	}

	stored, err := s.store.GetSite(ctx, payload.SiteID)
	switch {
	case err == nil:
		if stored.Status == store.StatusRevoked {
			result.Revoked = true
			result.Valid = false
		}
		result.FingerprintMismatch = fingerprintMismatch(stored.Fingerprint, presented)
	case errors.Is(err, domainerrors.ErrNotFound):
		// Unregistered licenses are validated from the payload alone.
	default:
		return ValidationResult{}, err
	}

	return result, nil
}

func (s *Service) signPayload(ctx context.Context, orgID string, payload Payload) ([]byte, string, error) {
	payloadBytes, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to serialize license payload: %w", err)
	}

	privateKey, err := s.custody.SigningKeyFor(ctx, orgID)
	if err != nil {
		return nil, "", err
	}
	defer crypto.Zeroize(privateKey)

	sig, err := crypto.Sign(privateKey, payloadBytes)
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign license payload: %w", err)
	}
	return payloadBytes, base64.StdEncoding.EncodeToString(sig), nil
}

// fingerprintMismatch compares the stored and presented fingerprints field by
// field. Only fields set on both sides count; an empty side never mismatches.
func fingerprintMismatch(storedRaw []byte, presented *Fingerprint) bool {
	if len(storedRaw) == 0 || presented.IsEmpty() {
		return false
	}
	var stored Fingerprint
	if err := json.Unmarshal(storedRaw, &stored); err != nil {
		return false
	}
	if stored.IsEmpty() {
		return false
	}
	if stored.Address != "" && presented.Address != "" && stored.Address != presented.Address {
		return true
	}
	if stored.DNSSuffix != "" && presented.DNSSuffix != "" && stored.DNSSuffix != presented.DNSSuffix {
		return true
	}
	if stored.DeploymentTag != "" && presented.DeploymentTag != "" && stored.DeploymentTag != presented.DeploymentTag {
		return true
	}
	return false
}
