package store

import (
	"context"
	"fmt"
	"time"
)

// InsertLedgerEntry appends an entry to the usage ledger. The ledger has no
// update or delete path; corrections are compensating entries.
func (s *Store) InsertLedgerEntry(ctx context.Context, entry *LedgerEntry) error {
	if _, err := s.db.NewInsert().Model(entry).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// ListLedgerEntries returns entries in insertion order, optionally filtered
// by org.
func (s *Store) ListLedgerEntries(ctx context.Context, orgID string, limit, offset int) ([]*LedgerEntry, int, error) {
	countQ := s.db.NewSelect().Model((*LedgerEntry)(nil))
	if orgID != "" {
		countQ = countQ.Where("org_id = ?", orgID)
	}
	total, err := countQ.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	var entries []*LedgerEntry
	q := s.db.NewSelect().Model(&entries)
	if orgID != "" {
		q = q.Where("org_id = ?", orgID)
	}
	err = q.Order("id ASC").Limit(limit).Offset(offset).Scan(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, total, nil
}

// LedgerEntriesInWindow returns an org's entries whose advisory timestamp
// falls within [start, end), in insertion order. The manifest exporter uses
// this to aggregate a calendar period.
func (s *Store) LedgerEntriesInWindow(ctx context.Context, orgID string, start, end time.Time) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	err := s.db.NewSelect().Model(&entries).
		Where("org_id = ?", orgID).
		Where("created_at >= ?", start).
		Where("created_at < ?", end).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger window: %w", err)
	}
	return entries, nil
}
