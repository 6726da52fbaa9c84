package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domainerrors "custodyd/internal/errors"
)

// InsertManifest persists a newly generated manifest. A second live manifest
// for the same (org, period) violates the partial unique index and surfaces
// as ErrAlreadyGenerated.
func (s *Store) InsertManifest(ctx context.Context, manifest *Manifest) error {
	if _, err := s.db.NewInsert().Model(manifest).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("manifest for org %s period %s: %w", manifest.OrgID, manifest.Period, domainerrors.ErrAlreadyGenerated)
		}
		return fmt.Errorf("failed to insert manifest: %w", err)
	}
	return nil
}

// GetManifest retrieves a manifest by its caller-facing id.
func (s *Store) GetManifest(ctx context.Context, manifestID string) (*Manifest, error) {
	manifest := new(Manifest)
	err := s.db.NewSelect().Model(manifest).Where("manifest_id = ?", manifestID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("manifest %s: %w", manifestID, domainerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}
	return manifest, nil
}

// ActiveManifest returns the live manifest for (org, period), if any.
func (s *Store) ActiveManifest(ctx context.Context, orgID, period string) (*Manifest, error) {
	manifest := new(Manifest)
	err := s.db.NewSelect().Model(manifest).
		Where("org_id = ?", orgID).
		Where("period = ?", period).
		Where("superseded = ?", false).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("manifest for org %s period %s: %w", orgID, period, domainerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get active manifest: %w", err)
	}
	return manifest, nil
}

// ReplaceManifest supersedes the live manifest for (org, period) and inserts
// the regenerated one in a single transaction. The superseded row stays as
// the historical record.
func (s *Store) ReplaceManifest(ctx context.Context, orgID, period string, replacement *Manifest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NewUpdate().Model((*Manifest)(nil)).
		Set("superseded = ?", true).
		Where("org_id = ?", orgID).
		Where("period = ?", period).
		Where("superseded = ?", false).
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to supersede manifest: %w", err)
	}

	if _, err := tx.NewInsert().Model(replacement).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert replacement manifest: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit manifest replacement: %w", err)
	}
	return nil
}

// ListManifests returns live manifests, optionally filtered by period,
// newest first.
func (s *Store) ListManifests(ctx context.Context, period string) ([]*Manifest, error) {
	var manifests []*Manifest
	q := s.db.NewSelect().Model(&manifests).Where("superseded = ?", false)
	if period != "" {
		q = q.Where("period = ?", period)
	}
	if err := q.Order("id DESC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	return manifests, nil
}

// MarkManifestSent records acknowledged delivery to endpoint.
func (s *Store) MarkManifestSent(ctx context.Context, manifestID, endpoint string, sentAt time.Time) error {
	res, err := s.db.NewUpdate().Model((*Manifest)(nil)).
		Set("sent = ?", true).
		Set("sent_at = ?", sentAt).
		Set("endpoint = ?", endpoint).
		Where("manifest_id = ?", manifestID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark manifest sent: %w", err)
	}
	return requireAffected(res, "manifest "+manifestID)
}
