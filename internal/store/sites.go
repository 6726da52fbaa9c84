package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	domainerrors "custodyd/internal/errors"
)

// InsertSite persists a new site license. A duplicate (org_id, site_id)
// violates the unique index and surfaces as ErrDuplicateSite, which is what
// makes two racing creates resolve to one success and one duplicate.
func (s *Store) InsertSite(ctx context.Context, site *SiteLicense) error {
	if _, err := s.db.NewInsert().Model(site).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("site %s in org %s: %w", site.SiteID, site.OrgID, domainerrors.ErrDuplicateSite)
		}
		return fmt.Errorf("failed to insert site license: %w", err)
	}
	return nil
}

// GetSite retrieves a site license by site id.
func (s *Store) GetSite(ctx context.Context, siteID string) (*SiteLicense, error) {
	site := new(SiteLicense)
	err := s.db.NewSelect().Model(site).
		Where("site_id = ?", siteID).
		Order("id ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("site %s: %w", siteID, domainerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get site license: %w", err)
	}
	return site, nil
}

// ListSites returns site licenses filtered by org and status, ordered by
// creation time ascending with site id as the tie-breaker so limit/offset
// pagination is deterministic.
func (s *Store) ListSites(ctx context.Context, orgID string, status EntityStatus, limit, offset int) ([]*SiteLicense, int, error) {
	filter := func(q *bun.SelectQuery) *bun.SelectQuery {
		if orgID != "" {
			q = q.Where("org_id = ?", orgID)
		}
		if status != "" {
			q = q.Where("status = ?", status)
		}
		return q
	}

	total, err := filter(s.db.NewSelect().Model((*SiteLicense)(nil))).Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count site licenses: %w", err)
	}

	var sites []*SiteLicense
	err = filter(s.db.NewSelect().Model(&sites)).
		Order("created_at ASC", "site_id ASC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list site licenses: %w", err)
	}
	return sites, total, nil
}

// CountSites counts an org's site licenses; activeOnly restricts the count
// to active status for the quota policy that frees quota on revocation.
func (s *Store) CountSites(ctx context.Context, orgID string, activeOnly bool) (int, error) {
	q := s.db.NewSelect().Model((*SiteLicense)(nil)).Where("org_id = ?", orgID)
	if activeOnly {
		q = q.Where("status = ?", StatusActive)
	}
	n, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count sites: %w", err)
	}
	return n, nil
}

// RevokeSite transitions a site license to revoked. Idempotent: revoking an
// already revoked license affects zero rows but is still a success as long
// as the license exists.
func (s *Store) RevokeSite(ctx context.Context, siteID string) error {
	res, err := s.db.NewUpdate().Model((*SiteLicense)(nil)).
		Set("status = ?", StatusRevoked).
		Where("site_id = ?", siteID).
		Where("status = ?", StatusActive).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to revoke site license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Either already revoked (fine) or unknown (not found).
		if _, err := s.GetSite(ctx, siteID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSiteHeartbeat records the last-seen timestamp. Revoked sites accept
// heartbeats without being reactivated.
func (s *Store) UpdateSiteHeartbeat(ctx context.Context, siteID string, seenAt time.Time) error {
	res, err := s.db.NewUpdate().Model((*SiteLicense)(nil)).
		Set("last_seen = ?", seenAt).
		Where("site_id = ?", siteID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return requireAffected(res, "site "+siteID)
}
