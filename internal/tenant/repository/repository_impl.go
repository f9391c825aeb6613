package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/depotsync/internal/tenant/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, tenantID string) (*domain.SyncConfig, error) {
	var cfg domain.SyncConfig
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Take(&cfg).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &cfg, nil
}

func (r *repo) ListEnabled(ctx context.Context, db *gorm.DB) ([]domain.SyncConfig, error) {
	var items []domain.SyncConfig
	err := db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("tenant_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, cfg *domain.SyncConfig) error {
	if cfg == nil {
		return gorm.ErrInvalidData
	}
	cfg.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Save(cfg).Error
}

func (r *repo) IncrementCounter(ctx context.Context, db *gorm.DB, tenantID string, counter domain.Counter) error {
	column := ""
	switch counter {
	case domain.CounterWebhookRuns:
		column = "webhook_runs"
	case domain.CounterManualRuns:
		column = "manual_runs"
	case domain.CounterLostEvents:
		column = "lost_events"
	default:
		return gorm.ErrInvalidData
	}
	return db.WithContext(ctx).
		Model(&domain.SyncConfig{}).
		Where("tenant_id = ?", tenantID).
		UpdateColumn(column, gorm.Expr(column+" + 1")).Error
}

func (r *repo) TouchLastSync(ctx context.Context, db *gorm.DB, tenantID string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.SyncConfig{}).
		Where("tenant_id = ?", tenantID).
		UpdateColumn("last_sync_at", at).Error
}
