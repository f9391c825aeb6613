package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/depotsync/internal/credential/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, tenantID, accountRef string) (*domain.Record, error) {
	var record domain.Record
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND account_ref = ?", tenantID, accountRef).
		Take(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, record *domain.Record) error {
	if record == nil {
		return gorm.ErrInvalidData
	}
	record.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Save(record).Error
}

func (r *repo) ListActiveRefs(ctx context.Context, db *gorm.DB, tenantID string) ([]string, error) {
	var refs []string
	err := db.WithContext(ctx).
		Model(&domain.Record{}).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Pluck("account_ref", &refs).Error
	if err != nil {
		return nil, err
	}
	return refs, nil
}
