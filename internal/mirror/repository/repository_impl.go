package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depotsync/internal/mirror/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, tenantID, productRef string) (*domain.Stock, error) {
	var stock domain.Stock
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND product_ref = ?", tenantID, productRef).
		Take(&stock).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &stock, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, genID *snowflake.Node, tenantID, productRef string, perAccount map[string]float64, at time.Time) (*domain.Stock, error) {
	var total float64
	for _, qty := range perAccount {
		total += qty
	}

	stock, err := r.Get(ctx, db, tenantID, productRef)
	if err != nil {
		return nil, err
	}
	if stock == nil {
		stock = &domain.Stock{
			ID:         genID.Generate(),
			TenantID:   tenantID,
			ProductRef: productRef,
		}
	}
	stock.Total = total
	stock.PerAccount = perAccount
	stock.UpdatedAt = at

	if !stock.Consistent() {
		return nil, domain.ErrConservation
	}
	if err := db.WithContext(ctx).Save(stock).Error; err != nil {
		return nil, err
	}
	return stock, nil
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, tenantID string, before time.Time, limit int) ([]domain.Stock, error) {
	var items []domain.Stock
	stmt := db.WithContext(ctx).
		Where("tenant_id = ? AND updated_at <= ?", tenantID, before).
		Order("updated_at ASC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
