package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/depotsync/internal/ledger/domain"
	"github.com/smallbiznis/depotsync/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func New(p Params) ledgerdomain.Service {
	return &service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
	}
}

func (s *service) Seen(ctx context.Context, fingerprint string) (bool, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return false, ledgerdomain.ErrInvalidEntry
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ledgerdomain.Entry{}).
		Where("fingerprint = ?", fingerprint).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *service) Record(ctx context.Context, entry *ledgerdomain.Entry) error {
	if entry == nil || strings.TrimSpace(entry.Fingerprint) == "" || strings.TrimSpace(entry.TenantID) == "" {
		return ledgerdomain.ErrInvalidEntry
	}
	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Create(entry).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return ledgerdomain.ErrDuplicateEvent
		}
		return err
	}
	return nil
}

func (s *service) LastForProduct(ctx context.Context, tenantID, productRef string) (*ledgerdomain.Entry, error) {
	var entry ledgerdomain.Entry
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND product_ref = ?", tenantID, productRef).
		Order("created_at DESC").
		Take(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (s *service) RecordedSince(ctx context.Context, tenantID, productRef, origin string, since time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ledgerdomain.Entry{}).
		Where("tenant_id = ? AND product_ref = ? AND origin = ? AND created_at > ?", tenantID, productRef, origin, since).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
