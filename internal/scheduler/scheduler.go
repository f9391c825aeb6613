package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depotsync/internal/aggregator"
	"github.com/smallbiznis/depotsync/internal/clock"
	ledgerdomain "github.com/smallbiznis/depotsync/internal/ledger/domain"
	mirrordomain "github.com/smallbiznis/depotsync/internal/mirror/domain"
	"github.com/smallbiznis/depotsync/internal/synchronizer"
	tenantdomain "github.com/smallbiznis/depotsync/internal/tenant/domain"
	"github.com/smallbiznis/depotsync/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OriginSweep labels ledger entries produced by the reconciliation sweep.
const OriginSweep = "sweep"

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Tenants    tenantdomain.Service
	Mirror     mirrordomain.Repository
	Ledger     ledgerdomain.Service
	Aggregator aggregator.Aggregator
	Sync       synchronizer.Synchronizer
	Metrics    *telemetry.Metrics
	Config     Config `optional:"true"`
}

// Scheduler periodically re-synchronizes products whose mirror went stale,
// as a safety net for missed or dropped webhooks.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	tenants    tenantdomain.Service
	mirror     mirrordomain.Repository
	ledger     ledgerdomain.Service
	aggregator aggregator.Aggregator
	sync       synchronizer.Synchronizer
	metrics    *telemetry.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Tenants == nil || p.Mirror == nil || p.Ledger == nil || p.Aggregator == nil || p.Sync == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		tenants:    p.Tenants,
		mirror:     p.Mirror,
		ledger:     p.Ledger,
		aggregator: p.Aggregator,
		sync:       p.Sync,
		metrics:    p.Metrics,
	}, nil
}

// RunForever ticks at the configured interval. A pass runs to completion
// before the next tick is consumed, so passes never overlap.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("reconciliation pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce sweeps every enabled tenant. One tenant's failure never stops the
// remaining tenants.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	tenants, err := s.tenants.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("listing enabled tenants: %w", err)
	}

	var runErr error
	for i := range tenants {
		cfg := tenants[i]
		if err := s.sweepTenant(ctx, &cfg); err != nil {
			s.metrics.RecordSweep("failed")
			s.log.Warn("tenant sweep failed",
				zap.String("tenant_id", cfg.TenantID),
				zap.Error(err),
			)
			runErr = errors.Join(runErr, fmt.Errorf("tenant %s: %w", cfg.TenantID, err))
			continue
		}
		s.metrics.RecordSweep("ok")
	}
	return runErr
}

func (s *Scheduler) sweepTenant(parent context.Context, cfg *tenantdomain.SyncConfig) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	if !cfg.Complete() {
		s.log.Debug("skipping tenant with incomplete configuration",
			zap.String("tenant_id", cfg.TenantID),
		)
		return nil
	}

	now := s.clock.Now()
	stale, err := s.mirror.ListStale(ctx, s.db, cfg.TenantID, now.Add(-cfg.StaleAfter(s.cfg.StaleAfter)), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing stale mirrors: %w", err)
	}

	var sweepErr error
	for _, stock := range stale {
		if ctx.Err() != nil {
			return errors.Join(sweepErr, ctx.Err())
		}
		if err := s.sweepProduct(ctx, cfg, stock.ProductRef); err != nil {
			sweepErr = errors.Join(sweepErr, fmt.Errorf("product %s: %w", stock.ProductRef, err))
		}
	}
	return sweepErr
}

func (s *Scheduler) sweepProduct(ctx context.Context, cfg *tenantdomain.SyncConfig, productRef string) error {
	now := s.clock.Now()

	// A recent sweep entry for this product means another pass already
	// handled it; re-running would just burn upstream quota.
	recent, err := s.ledger.RecordedSince(ctx, cfg.TenantID, productRef, OriginSweep, now.Add(-s.cfg.RecentWindow))
	if err != nil {
		return err
	}
	if recent {
		return nil
	}

	last, err := s.ledger.LastForProduct(ctx, cfg.TenantID, productRef)
	if err != nil {
		return err
	}

	agg, err := s.aggregator.Aggregate(ctx, cfg, productRef)
	if err != nil {
		return err
	}

	if last != nil && balancesEqual(last.Balances, agg.PerDeposit) {
		// Nothing moved since the last run. Refresh the mirror timestamp so
		// the product is not reconsidered until it goes stale again.
		if _, err := s.mirror.Upsert(ctx, s.db, s.genID, cfg.TenantID, productRef, agg.PerAccount, now); err != nil {
			return err
		}
		s.log.Debug("sweep found no balance change",
			zap.String("tenant_id", cfg.TenantID),
			zap.String("product_ref", productRef),
		)
		return nil
	}

	result, syncErr := s.sync.Synchronize(ctx, cfg.TenantID, productRef, OriginSweep)
	s.recordSweep(ctx, cfg.TenantID, productRef, result, syncErr)
	return syncErr
}

func (s *Scheduler) recordSweep(ctx context.Context, tenantID, productRef string, result *synchronizer.Result, syncErr error) {
	now := s.clock.Now()
	eventID := ledgerdomain.SweepEventID(productRef, now)
	entry := &ledgerdomain.Entry{
		ID:          s.genID.Generate(),
		Fingerprint: ledgerdomain.Fingerprint(productRef, eventID, 0, nil),
		TenantID:    tenantID,
		ProductRef:  productRef,
		EventID:     eventID,
		Origin:      OriginSweep,
	}
	if result != nil {
		entry.ProductRef = result.ProductRef
		entry.Sum = result.Sum
		entry.Balances = balancesByDeposit(result.PerDeposit)
		entry.PerAccount = result.PerAccount
		entry.SharedWrites = result.SharedWrites
		entry.Success = result.Success
	}
	if syncErr != nil {
		entry.Success = false
		entry.Error = syncErr.Error()
	}
	if err := s.ledger.Record(ctx, entry); err != nil && !errors.Is(err, ledgerdomain.ErrDuplicateEvent) {
		s.log.Error("sweep ledger record failed",
			zap.String("tenant_id", tenantID),
			zap.String("product_ref", productRef),
			zap.Error(err),
		)
	}
}

func balancesEqual(recorded map[string]float64, current map[int64]float64) bool {
	if len(recorded) != len(current) {
		return false
	}
	for id, qty := range current {
		got, ok := recorded[strconv.FormatInt(id, 10)]
		if !ok || got != qty {
			return false
		}
	}
	return true
}

func balancesByDeposit(perDeposit map[int64]float64) map[string]float64 {
	if len(perDeposit) == 0 {
		return nil
	}
	out := make(map[string]float64, len(perDeposit))
	for id, qty := range perDeposit {
		out[strconv.FormatInt(id, 10)] = qty
	}
	return out
}
