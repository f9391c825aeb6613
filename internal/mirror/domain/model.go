package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var ErrConservation = errors.New("stock_mirror_total_mismatch")

// Stock is the locally mirrored view of one product's stock across a
// tenant's accounts. Invariant: Total equals the sum of PerAccount values.
type Stock struct {
	ID         snowflake.ID       `json:"id" gorm:"primaryKey"`
	TenantID   string             `json:"tenant_id" gorm:"type:text;not null;uniqueIndex:ux_stock_mirror_tenant_product,priority:1"`
	ProductRef string             `json:"product_ref" gorm:"type:text;not null;uniqueIndex:ux_stock_mirror_tenant_product,priority:2"`
	Total      float64            `json:"total" gorm:"not null;default:0"`
	PerAccount map[string]float64 `json:"per_account" gorm:"type:jsonb;serializer:json"`
	UpdatedAt  time.Time          `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP;autoUpdateTime:false"`
}

func (Stock) TableName() string { return "stock_mirror" }

// Consistent verifies the conservation invariant.
func (s *Stock) Consistent() bool {
	var sum float64
	for _, qty := range s.PerAccount {
		sum += qty
	}
	return sum == s.Total
}

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, tenantID, productRef string) (*Stock, error)
	// Upsert writes the mirror entry, recomputing Total from PerAccount.
	Upsert(ctx context.Context, db *gorm.DB, genID *snowflake.Node, tenantID, productRef string, perAccount map[string]float64, at time.Time) (*Stock, error)
	// ListStale returns product refs not refreshed since the cutoff, plus
	// products never mirrored are expected to arrive via webhooks first.
	ListStale(ctx context.Context, db *gorm.DB, tenantID string, before time.Time, limit int) ([]Stock, error)
}
