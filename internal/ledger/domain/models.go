package domain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrDuplicateEvent = errors.New("duplicate_event")
	ErrInvalidEntry   = errors.New("invalid_ledger_entry")
)

// SharedWrite is the outcome of one shared-deposit propagation.
type SharedWrite struct {
	DepositID  int64   `json:"deposit_id"`
	AccountRef string  `json:"account_ref"`
	Quantity   float64 `json:"quantity"`
	Success    bool    `json:"success"`
	Error      string  `json:"error,omitempty"`
}

// Entry is one append-only idempotency ledger record. The fingerprint is
// unique; a second event carrying the same fingerprint is a no-op.
type Entry struct {
	ID           snowflake.ID       `json:"id" gorm:"primaryKey"`
	Fingerprint  string             `json:"fingerprint" gorm:"type:text;not null;uniqueIndex:ux_sync_ledger_fingerprint"`
	TenantID     string             `json:"tenant_id" gorm:"type:text;not null;index:ix_sync_ledger_tenant_product,priority:1"`
	ProductRef   string             `json:"product_ref" gorm:"type:text;not null;index:ix_sync_ledger_tenant_product,priority:2"`
	EventID      string             `json:"event_id" gorm:"type:text;not null"`
	Origin       string             `json:"origin" gorm:"type:text;not null"`
	Balances     map[string]float64 `json:"balances" gorm:"type:jsonb;serializer:json"`
	PerAccount   map[string]float64 `json:"per_account" gorm:"type:jsonb;serializer:json"`
	Sum          float64            `json:"sum" gorm:"not null;default:0"`
	SharedWrites []SharedWrite      `json:"shared_writes" gorm:"type:jsonb;serializer:json"`
	Success      bool               `json:"success" gorm:"not null;default:false"`
	Error        string             `json:"error,omitempty" gorm:"type:text"`
	CreatedAt    time.Time          `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Entry) TableName() string { return "sync_ledger" }

// Fingerprint builds the composite dedup key for an event. DepositID and
// quantity participate only when the event carries them, so a sale line and
// a stock adjustment for the same source id never collide.
func Fingerprint(productRef, eventID string, depositID int64, quantity *float64) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(productRef))
	b.WriteString("::")
	b.WriteString(strings.TrimSpace(eventID))
	if depositID != 0 {
		b.WriteString("::d")
		b.WriteString(strconv.FormatInt(depositID, 10))
	}
	if quantity != nil {
		b.WriteString("::q")
		b.WriteString(strconv.FormatFloat(*quantity, 'f', -1, 64))
	}
	return b.String()
}

// SweepEventID builds the synthetic event id used by the reconciliation
// sweep so its own runs dedup against each other.
func SweepEventID(productRef string, at time.Time) string {
	return fmt.Sprintf("sweep-%s-%d", strings.TrimSpace(productRef), at.Unix())
}

type Service interface {
	// Seen reports whether a fingerprint was already recorded.
	Seen(ctx context.Context, fingerprint string) (bool, error)
	// Record appends an entry; ErrDuplicateEvent when the fingerprint exists.
	Record(ctx context.Context, entry *Entry) error
	// LastForProduct returns the most recent entry for a product, or nil.
	LastForProduct(ctx context.Context, tenantID, productRef string) (*Entry, error)
	// RecordedSince reports whether any entry with the given origin was
	// recorded for the product after the cutoff.
	RecordedSince(ctx context.Context, tenantID, productRef, origin string, since time.Time) (bool, error)
}
