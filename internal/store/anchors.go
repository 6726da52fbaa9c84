package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	domainerrors "custodyd/internal/errors"
)

// InsertAnchor persists a new trust anchor as the org's live anchor. A
// second live anchor for the same org violates the partial unique index and
// surfaces as ErrAnchorExists so the caller knows to use refresh.
func (s *Store) InsertAnchor(ctx context.Context, anchor *TrustAnchor) error {
	if _, err := s.db.NewInsert().Model(anchor).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("anchor for org %s: %w", anchor.OrgID, domainerrors.ErrAnchorExists)
		}
		return fmt.Errorf("failed to insert anchor: %w", err)
	}
	return nil
}

// ActiveAnchor returns the live (non-superseded) anchor for an org.
func (s *Store) ActiveAnchor(ctx context.Context, orgID string) (*TrustAnchor, error) {
	anchor := new(TrustAnchor)
	err := s.db.NewSelect().Model(anchor).
		Where("org_id = ?", orgID).
		Where("superseded = ?", false).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("anchor for org %s: %w", orgID, domainerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get anchor: %w", err)
	}
	return anchor, nil
}

// ReplaceAnchor supersedes the org's live anchor and inserts the replacement
// in one transaction, retaining the prior row for audit.
func (s *Store) ReplaceAnchor(ctx context.Context, orgID string, replacement *TrustAnchor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NewUpdate().Model((*TrustAnchor)(nil)).
		Set("superseded = ?", true).
		Where("org_id = ?", orgID).
		Where("superseded = ?", false).
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to supersede anchor: %w", err)
	}

	if _, err := tx.NewInsert().Model(replacement).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert replacement anchor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit anchor replacement: %w", err)
	}
	return nil
}

// AnchorHistory returns every anchor recorded for an org, newest first.
func (s *Store) AnchorHistory(ctx context.Context, orgID string) ([]*TrustAnchor, error) {
	var anchors []*TrustAnchor
	err := s.db.NewSelect().Model(&anchors).
		Where("org_id = ?", orgID).
		Order("id DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list anchor history: %w", err)
	}
	return anchors, nil
}
