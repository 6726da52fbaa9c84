// Package trust implements the trust chain manager. It verifies and stores
// organization-level master trust anchors and enforces the quotas they
// delegate to the site license engine.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"custodyd/internal/crypto"
	domainerrors "custodyd/internal/errors"
	"custodyd/internal/store"
)

// AnchorPayload is the canonical body a master trust anchor signs. The
// signature covers the exact submitted payload bytes, not this struct's
// serialization.
type AnchorPayload struct {
	OrgID        string    `json:"org_id"`
	MaxSites     int       `json:"max_sites"`
	ValidUntil   time.Time `json:"valid_until"`
	FeaturePacks []string  `json:"feature_packs,omitempty"`
}

// Service is the trust chain manager.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// NewService creates the trust service.
func NewService(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With(slog.String("service", "trust")),
	}
}

// Upload verifies and stores a new master trust anchor for an organization.
// The signature must verify over the exact payload bytes with the supplied
// ECDSA public key. Uploading over an existing live anchor is a conflict;
// rotation goes through Refresh.
func (s *Service) Upload(ctx context.Context, orgID string, payload []byte, signature, publicKeyPEM string) (*store.TrustAnchor, error) {
	anchor, err := s.verifyAnchor(orgID, payload, signature, publicKeyPEM)
	if err != nil {
		return nil, err
	}

	locks := s.store.Locks()
	locks.Lock("anchor/" + orgID)
	defer locks.Unlock("anchor/" + orgID)

	if err := s.store.InsertAnchor(ctx, anchor); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "trust anchor uploaded",
		slog.String("org_id", orgID),
		slog.String("anchor_id", anchor.AnchorID),
		slog.Int("max_sites", anchor.MaxSites))
	return anchor, nil
}

// Refresh replaces an organization's live anchor. The new signature is
// verified against the new embedded public key so that anchors can rotate
// keys. The superseded anchor row is retained for audit.
func (s *Service) Refresh(ctx context.Context, orgID string, payload []byte, signature, publicKeyPEM string) (*store.TrustAnchor, error) {
	replacement, err := s.verifyAnchor(orgID, payload, signature, publicKeyPEM)
	if err != nil {
		return nil, err
	}

	locks := s.store.Locks()
	locks.Lock("anchor/" + orgID)
	defer locks.Unlock("anchor/" + orgID)

	if _, err := s.store.ActiveAnchor(ctx, orgID); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceAnchor(ctx, orgID, replacement); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "trust anchor refreshed",
		slog.String("org_id", orgID),
		slog.String("anchor_id", replacement.AnchorID))
	return replacement, nil
}

// Get returns the organization's live anchor.
func (s *Service) Get(ctx context.Context, orgID string) (*store.TrustAnchor, error) {
	return s.store.ActiveAnchor(ctx, orgID)
}

// History returns every anchor recorded for an organization, newest first.
func (s *Service) History(ctx context.Context, orgID string) ([]*store.TrustAnchor, error) {
	return s.store.AnchorHistory(ctx, orgID)
}

// RequireValid returns the organization's live anchor only if it is within
// its validity window and its stored signature still verifies. Site license
// minting goes through this gate.
func (s *Service) RequireValid(ctx context.Context, orgID string) (*store.TrustAnchor, error) {
	anchor, err := s.store.ActiveAnchor(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if anchor.IsExpired(time.Now().UTC()) {
		return nil, fmt.Errorf("no valid trust anchor for org %s (expired %s): %w",
			orgID, anchor.ValidUntil.Format(time.RFC3339), domainerrors.ErrNotFound)
	}

	publicKey, err := crypto.PEMToPublicKey(anchor.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("stored anchor key for org %s: %w", orgID, err)
	}
	if !crypto.VerifyAnchorSignature(anchor.Payload, anchor.Signature, publicKey) {
		return nil, fmt.Errorf("stored anchor for org %s: %w", orgID, domainerrors.ErrInvalidSignature)
	}
	return anchor, nil
}

// FeaturePacks splits an anchor's stored feature pack list.
func FeaturePacks(anchor *store.TrustAnchor) []string {
	if anchor.FeaturePacks == "" {
		return nil
	}
	return strings.Split(anchor.FeaturePacks, ",")
}

func (s *Service) verifyAnchor(orgID string, payload []byte, signature, publicKeyPEM string) (*store.TrustAnchor, error) {
	publicKey, err := crypto.PEMToPublicKey(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), domainerrors.ErrMalformedInput)
	}
	if !crypto.VerifyAnchorSignature(payload, signature, publicKey) {
		return nil, fmt.Errorf("anchor signature for org %s: %w", orgID, domainerrors.ErrInvalidSignature)
	}

	var body AnchorPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("anchor payload: %w", domainerrors.ErrMalformedInput)
	}
	if body.OrgID != orgID {
		return nil, fmt.Errorf("anchor payload org %q does not match %q: %w",
			body.OrgID, orgID, domainerrors.ErrMalformedInput)
	}
	if body.MaxSites <= 0 {
		return nil, fmt.Errorf("anchor max_sites must be positive: %w", domainerrors.ErrMalformedInput)
	}
	if body.ValidUntil.IsZero() {
		return nil, fmt.Errorf("anchor valid_until is required: %w", domainerrors.ErrMalformedInput)
	}

	return &store.TrustAnchor{
		AnchorID:     uuid.New().String(),
		OrgID:        orgID,
		MaxSites:     body.MaxSites,
		Payload:      payload,
		Signature:    signature,
		PublicKeyPEM: publicKeyPEM,
		ValidUntil:   body.ValidUntil.UTC(),
		FeaturePacks: strings.Join(body.FeaturePacks, ","),
		CreatedAt:    time.Now().UTC(),
	}, nil
}
