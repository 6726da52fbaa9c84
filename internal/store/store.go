// Package store is the data access layer of the custody core. It persists
// every entity type in its own keyed table behind a Bun/SQLite database and
// maps storage-level conditions (no rows, unique violations) onto the domain
// error taxonomy. Signatures and sealed key material pass through as opaque
// byte fields.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Store wraps the Bun database handle and the per-entity mutation locks.
type Store struct {
	db    *bun.DB
	locks *KeyedMutex
}

// Open opens the SQLite database at dsn and runs schema migration.
func Open(ctx context.Context, dsn string) (*Store, error) {
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids busy errors
	// without giving up parallel request handling above the store.
	sqldb.SetMaxOpenConns(1)

	s := &Store{
		db:    bun.NewDB(sqldb, sqlitedialect.New()),
		locks: NewKeyedMutex(),
	}

	if err := s.migrate(ctx); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Locks returns the per-entity keyed mutex shared by the services.
func (s *Store) Locks() *KeyedMutex {
	return s.locks
}

// DB exposes the bun handle for tests.
func (s *Store) DB() *bun.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	models := []interface{}{
		(*Key)(nil),
		(*TrustAnchor)(nil),
		(*SiteLicense)(nil),
		(*LedgerEntry)(nil),
		(*Manifest)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}

	// Partial unique indexes back the idempotency invariants: one live
	// anchor per org, one site per (org, site id), one live manifest per
	// (org, period).
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_anchors_org_active ON trust_anchors (org_id) WHERE superseded = 0`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sites_org_site ON site_licenses (org_id, site_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_manifests_org_period ON manifests (org_id, period) WHERE superseded = 0`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_org ON usage_ledger (org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_keys_org_purpose ON keys (org_id, purpose)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
