package store

import (
	"time"

	"github.com/uptrace/bun"
)

// KeyType represents the type of a custody key.
type KeyType string

const (
	KeyTypeSymmetric  KeyType = "symmetric"
	KeyTypeAsymmetric KeyType = "asymmetric"
)

// EntityStatus is the shared active/revoked state machine of keys and site
// licenses. Revoked is terminal.
type EntityStatus string

const (
	StatusActive  EntityStatus = "active"
	StatusRevoked EntityStatus = "revoked"
)

// KeyPurpose distinguishes operator-registered keys from keys the service
// provisions internally.
type KeyPurpose string

const (
	// PurposeCustody marks keys registered through the key endpoints.
	PurposeCustody KeyPurpose = "custody"
	// PurposeOrgSigning marks per-organization license signing keys.
	PurposeOrgSigning KeyPurpose = "org_signing"
)

// Key maps the keys table. Material is sealed with the store master key
// before it gets here; the persistence layer never sees plaintext.
type Key struct {
	bun.BaseModel `bun:"table:keys"`

	ID             int64        `bun:"id,pk,autoincrement"`
	KeyID          string       `bun:"key_id,unique,notnull"`
	OrgID          string       `bun:"org_id"`
	Purpose        KeyPurpose   `bun:"purpose,notnull"`
	KeyType        KeyType      `bun:"key_type,notnull"`
	PublicKey      []byte       `bun:"public_key"`
	MaterialSealed []byte       `bun:"material_sealed,notnull"`
	Status         EntityStatus `bun:"status,notnull"`
	Version        int          `bun:"version,notnull"`
	CreatedAt      time.Time    `bun:"created_at,notnull"`
	ExpiresAt      time.Time    `bun:"expires_at,notnull"`
}

// IsExpired reports whether the key has expired at time now.
func (k *Key) IsExpired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}

// IsRevoked reports whether the key has been revoked.
func (k *Key) IsRevoked() bool {
	return k.Status == StatusRevoked
}

// TrustAnchor maps the trust_anchors table. Refreshing an anchor supersedes
// the old row rather than mutating it; superseded rows stay for audit.
type TrustAnchor struct {
	bun.BaseModel `bun:"table:trust_anchors"`

	ID           int64     `bun:"id,pk,autoincrement"`
	AnchorID     string    `bun:"anchor_id,unique,notnull"`
	OrgID        string    `bun:"org_id,notnull"`
	MaxSites     int       `bun:"max_sites,notnull"`
	Payload      []byte    `bun:"payload,notnull"`
	Signature    string    `bun:"signature,notnull"`
	PublicKeyPEM string    `bun:"public_key_pem,notnull"`
	ValidUntil   time.Time `bun:"valid_until,notnull"`
	FeaturePacks string    `bun:"feature_packs"`
	Superseded   bool      `bun:"superseded,notnull"`
	CreatedAt    time.Time `bun:"created_at,notnull"`
}

// IsExpired reports whether the anchor's validity window has passed.
func (a *TrustAnchor) IsExpired(now time.Time) bool {
	return now.After(a.ValidUntil)
}

// SiteLicense maps the site_licenses table.
type SiteLicense struct {
	bun.BaseModel `bun:"table:site_licenses"`

	ID          int64        `bun:"id,pk,autoincrement"`
	LicenseID   string       `bun:"license_id,unique,notnull"`
	OrgID       string       `bun:"org_id,notnull"`
	SiteID      string       `bun:"site_id,notnull"`
	Fingerprint []byte       `bun:"fingerprint"`
	Payload     []byte       `bun:"payload,notnull"`
	Signature   string       `bun:"signature,notnull"`
	Status      EntityStatus `bun:"status,notnull"`
	IssuedAt    time.Time    `bun:"issued_at,notnull"`
	ExpiresAt   time.Time    `bun:"expires_at,notnull"`
	LastSeen    *time.Time   `bun:"last_seen"`
	CreatedAt   time.Time    `bun:"created_at,notnull"`
}

// LedgerEntry maps the usage_ledger table. Insertion order is the row id;
// the timestamp is advisory.
type LedgerEntry struct {
	bun.BaseModel `bun:"table:usage_ledger"`

	ID        int64     `bun:"id,pk,autoincrement"`
	EntryID   string    `bun:"entry_id,unique,notnull"`
	OrgID     string    `bun:"org_id,notnull"`
	EntryType string    `bun:"entry_type,notnull"`
	SiteID    string    `bun:"site_id"`
	Payload   []byte    `bun:"payload"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// Manifest maps the manifests table. At most one non-superseded manifest
// exists per (org_id, period); regeneration supersedes, never duplicates.
type Manifest struct {
	bun.BaseModel `bun:"table:manifests"`

	ID         int64      `bun:"id,pk,autoincrement"`
	ManifestID string     `bun:"manifest_id,unique,notnull"`
	OrgID      string     `bun:"org_id,notnull"`
	Period     string     `bun:"period,notnull"`
	Payload    []byte     `bun:"payload,notnull"`
	Signature  string     `bun:"signature,notnull"`
	Sent       bool       `bun:"sent,notnull"`
	SentAt     *time.Time `bun:"sent_at"`
	Endpoint   string     `bun:"endpoint"`
	Superseded bool       `bun:"superseded,notnull"`
	CreatedAt  time.Time  `bun:"created_at,notnull"`
}
