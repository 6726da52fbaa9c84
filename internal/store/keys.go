package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domainerrors "custodyd/internal/errors"
)

// InsertKey persists a new key record.
func (s *Store) InsertKey(ctx context.Context, key *Key) error {
	if _, err := s.db.NewInsert().Model(key).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert key: %w", err)
	}
	return nil
}

// GetKey retrieves a key by its caller-facing key id.
func (s *Store) GetKey(ctx context.Context, keyID string) (*Key, error) {
	key := new(Key)
	err := s.db.NewSelect().Model(key).Where("key_id = ?", keyID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("key %s: %w", keyID, domainerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return key, nil
}

// UpdateKeyExpiry extends a key's expiry and bumps its version.
func (s *Store) UpdateKeyExpiry(ctx context.Context, keyID string, newExpiry time.Time) error {
	res, err := s.db.NewUpdate().Model((*Key)(nil)).
		Set("expires_at = ?", newExpiry).
		Set("version = version + 1").
		Where("key_id = ?", keyID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update key expiry: %w", err)
	}
	return requireAffected(res, "key "+keyID)
}

// RevokeKey marks a key revoked and bumps its version. The record is kept
// for audit; revocation never deletes.
func (s *Store) RevokeKey(ctx context.Context, keyID string) error {
	res, err := s.db.NewUpdate().Model((*Key)(nil)).
		Set("status = ?", StatusRevoked).
		Set("version = version + 1").
		Where("key_id = ?", keyID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}
	return requireAffected(res, "key "+keyID)
}

// ListKeys returns metadata for all custody keys in creation order. Sealed
// material is cleared so it cannot leak through listings.
func (s *Store) ListKeys(ctx context.Context) ([]*Key, error) {
	var keys []*Key
	err := s.db.NewSelect().Model(&keys).
		Where("purpose = ?", PurposeCustody).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	for _, k := range keys {
		k.MaterialSealed = nil
	}
	return keys, nil
}

// GetOrgSigningKey returns the newest active signing key for an org.
func (s *Store) GetOrgSigningKey(ctx context.Context, orgID string) (*Key, error) {
	key := new(Key)
	err := s.db.NewSelect().Model(key).
		Where("org_id = ?", orgID).
		Where("purpose = ?", PurposeOrgSigning).
		Where("status = ?", StatusActive).
		Order("id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("signing key for org %s: %w", orgID, domainerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get org signing key: %w", err)
	}
	return key, nil
}

// ListOrgSigningKeys returns every signing key ever provisioned for an org,
// newest first. License validation tries them all so that licenses signed
// before a key rotation still verify.
func (s *Store) ListOrgSigningKeys(ctx context.Context, orgID string) ([]*Key, error) {
	var keys []*Key
	err := s.db.NewSelect().Model(&keys).
		Where("org_id = ?", orgID).
		Where("purpose = ?", PurposeOrgSigning).
		Order("id DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list org signing keys: %w", err)
	}
	return keys, nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domainerrors.ErrNotFound)
	}
	return nil
}
