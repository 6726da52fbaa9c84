// Package ledger implements the append-only usage ledger. Entries are never
// updated or deleted; corrections are compensating entries, and ordering is
// insertion order rather than the advisory timestamp.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	domainerrors "custodyd/internal/errors"
	"custodyd/internal/store"
)

// Entry types the site license engine records alongside caller usage events.
const (
	EntryTypeUsage       = "usage"
	EntryTypeSiteCreated = "site_created"
	EntryTypeSiteRevoked = "site_revoked"
)

// Service is the usage ledger.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// NewService creates the ledger service.
func NewService(st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		logger: logger.With(slog.String("service", "ledger")),
	}
}

// Record appends a usage event for an organization. The payload is opaque to
// the ledger; the timestamp is advisory and does not define ordering.
func (s *Service) Record(ctx context.Context, orgID string, payload json.RawMessage) (*store.LedgerEntry, error) {
	return s.record(ctx, orgID, EntryTypeUsage, "", payload)
}

// RecordLifecycle appends a site lifecycle event. The site license engine
// calls this on create and revoke so that billing sees lifecycle alongside
// usage.
func (s *Service) RecordLifecycle(ctx context.Context, orgID, entryType, siteID string) (*store.LedgerEntry, error) {
	return s.record(ctx, orgID, entryType, siteID, nil)
}

func (s *Service) record(ctx context.Context, orgID, entryType, siteID string, payload json.RawMessage) (*store.LedgerEntry, error) {
	if orgID == "" {
		return nil, fmt.Errorf("org id is required: %w", domainerrors.ErrMalformedInput)
	}

	entry := &store.LedgerEntry{
		EntryID:   uuid.New().String(),
		OrgID:     orgID,
		EntryType: entryType,
		SiteID:    siteID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "ledger entry recorded",
		slog.String("org_id", orgID),
		slog.String("entry_type", entryType),
		slog.String("entry_id", entry.EntryID))
	return entry, nil
}

// Query returns entries in insertion order, optionally filtered by org,
// with limit/offset pagination. Returns the page and the unpaginated total.
func (s *Service) Query(ctx context.Context, orgID string, limit, offset int) ([]*store.LedgerEntry, int, error) {
	return s.store.ListLedgerEntries(ctx, orgID, limit, offset)
}

// EntriesInWindow returns an org's entries whose advisory timestamp falls in
// [start, end). The manifest exporter aggregates calendar periods with it.
func (s *Service) EntriesInWindow(ctx context.Context, orgID string, start, end time.Time) ([]*store.LedgerEntry, error) {
	return s.store.LedgerEntriesInWindow(ctx, orgID, start, end)
}
