package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrNotFound         = errors.New("tenant_sync_config_not_found")
	ErrConfigIncomplete = errors.New("tenant_sync_config_incomplete")
	ErrConfigDisabled   = errors.New("tenant_sync_config_disabled")
)

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, tenantID string) (*SyncConfig, error)
	ListEnabled(ctx context.Context, db *gorm.DB) ([]SyncConfig, error)
	Save(ctx context.Context, db *gorm.DB, cfg *SyncConfig) error
	IncrementCounter(ctx context.Context, db *gorm.DB, tenantID string, counter Counter) error
	TouchLastSync(ctx context.Context, db *gorm.DB, tenantID string, at time.Time) error
}

type Service interface {
	Get(ctx context.Context, tenantID string) (*SyncConfig, error)
	ListEnabled(ctx context.Context) ([]SyncConfig, error)
	Save(ctx context.Context, cfg *SyncConfig) error
	IncrementCounter(ctx context.Context, tenantID string, counter Counter) error
	MarkSynced(ctx context.Context, tenantID string, at time.Time) error
}
