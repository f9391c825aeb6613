package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrNotFound             = errors.New("credential_not_found")
	ErrEncryptionKeyMissing = errors.New("credential_encryption_key_missing")
	ErrInvalidEnvelope      = errors.New("credential_invalid_envelope")
)

// Record holds the OAuth grant for one (tenant, account) pair. Token columns
// store an encrypted envelope, never plaintext.
type Record struct {
	ID           snowflake.ID   `json:"id" gorm:"primaryKey"`
	TenantID     string         `json:"tenant_id" gorm:"type:text;not null;uniqueIndex:ux_credentials_tenant_account,priority:1"`
	AccountRef   string         `json:"account_ref" gorm:"type:text;not null;uniqueIndex:ux_credentials_tenant_account,priority:2"`
	AccessToken  datatypes.JSON `json:"-" gorm:"type:jsonb"`
	RefreshToken datatypes.JSON `json:"-" gorm:"type:jsonb"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Active       bool           `json:"active" gorm:"not null;default:true"`
	LastError    string         `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt    time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Record) TableName() string { return "account_credentials" }

// Expired reports whether the access token needs a refresh before use.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now.Add(30 * time.Second))
}

// Tokens is the decrypted view of a Record.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, tenantID, accountRef string) (*Record, error)
	Save(ctx context.Context, db *gorm.DB, record *Record) error
	ListActiveRefs(ctx context.Context, db *gorm.DB, tenantID string) ([]string, error)
}

type Service interface {
	// Get returns the record and its decrypted tokens.
	Get(ctx context.Context, tenantID, accountRef string) (*Record, Tokens, error)
	// Store encrypts and persists tokens, creating the record when absent.
	Store(ctx context.Context, tenantID, accountRef string, tokens Tokens) error
	// Deactivate marks the grant revoked; re-authorization happens out of band.
	Deactivate(ctx context.Context, tenantID, accountRef, reason string) error
	// ActiveRefs returns account refs whose grant is currently active.
	ActiveRefs(ctx context.Context, tenantID string) ([]string, error)
}
