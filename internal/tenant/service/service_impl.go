package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/depotsync/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Service {
	return &service{
		db:   p.DB,
		log:  p.Log.Named("tenant.service"),
		repo: p.Repo,
	}
}

func (s *service) Get(ctx context.Context, tenantID string) (*domain.SyncConfig, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrNotFound
	}
	cfg, err := s.repo.Get(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, domain.ErrNotFound
	}
	return cfg, nil
}

func (s *service) ListEnabled(ctx context.Context) ([]domain.SyncConfig, error) {
	return s.repo.ListEnabled(ctx, s.db)
}

func (s *service) Save(ctx context.Context, cfg *domain.SyncConfig) error {
	return s.repo.Save(ctx, s.db, cfg)
}

func (s *service) IncrementCounter(ctx context.Context, tenantID string, counter domain.Counter) error {
	return s.repo.IncrementCounter(ctx, s.db, tenantID, counter)
}

func (s *service) MarkSynced(ctx context.Context, tenantID string, at time.Time) error {
	return s.repo.TouchLastSync(ctx, s.db, tenantID, at)
}
