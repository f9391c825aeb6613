package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depotsync/internal/aggregator"
	"github.com/smallbiznis/depotsync/internal/clock"
	credentialdomain "github.com/smallbiznis/depotsync/internal/credential/domain"
	erpdomain "github.com/smallbiznis/depotsync/internal/erp/domain"
	ledgerdomain "github.com/smallbiznis/depotsync/internal/ledger/domain"
	mirrordomain "github.com/smallbiznis/depotsync/internal/mirror/domain"
	"github.com/smallbiznis/depotsync/internal/suppression"
	tenantdomain "github.com/smallbiznis/depotsync/internal/tenant/domain"
	"github.com/smallbiznis/depotsync/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrCompositeProduct marks a kit/bundle product whose stock derives from
// components. Automatic writes on such products are rejected permanently.
var ErrCompositeProduct = errors.New("composite_product_unsupported")

// Result is the outcome of one synchronization run. Success covers the
// aggregation; failed shared writes are reported in SharedWrites and Errors
// without failing the run.
type Result struct {
	Success      bool                       `json:"success"`
	ProductRef   string                     `json:"product_ref"`
	Sum          float64                    `json:"sum"`
	PerDeposit   map[int64]float64          `json:"per_deposit"`
	PerAccount   map[string]float64         `json:"per_account"`
	SharedWrites []ledgerdomain.SharedWrite `json:"shared_writes"`
	Errors       []string                   `json:"errors,omitempty"`
}

type Synchronizer interface {
	Synchronize(ctx context.Context, tenantID, productRef, origin string) (*Result, error)
}

type Params struct {
	fx.In

	Log         *zap.Logger
	DB          *gorm.DB
	Node        *snowflake.Node
	Clock       clock.Clock
	Tenants     tenantdomain.Service
	Credentials credentialdomain.Service
	Mirror      mirrordomain.Repository
	Aggregator  aggregator.Aggregator
	ERP         erpdomain.Client
	Suppressor  *suppression.Registry
	Metrics     *telemetry.Metrics
}

type synchronizer struct {
	log         *zap.Logger
	db          *gorm.DB
	node        *snowflake.Node
	clock       clock.Clock
	tenants     tenantdomain.Service
	credentials credentialdomain.Service
	mirror      mirrordomain.Repository
	aggregator  aggregator.Aggregator
	erp         erpdomain.Client
	suppressor  *suppression.Registry
	metrics     *telemetry.Metrics
}

func New(p Params) Synchronizer {
	return &synchronizer{
		log:         p.Log.Named("synchronizer"),
		db:          p.DB,
		node:        p.Node,
		clock:       p.Clock,
		tenants:     p.Tenants,
		credentials: p.Credentials,
		mirror:      p.Mirror,
		aggregator:  p.Aggregator,
		erp:         p.ERP,
		suppressor:  p.Suppressor,
		metrics:     p.Metrics,
	}
}

var Module = fx.Module("synchronizer", fx.Provide(New))

func (s *synchronizer) Synchronize(ctx context.Context, tenantID, productRef, origin string) (*Result, error) {
	started := s.clock.Now()
	result, err := s.run(ctx, tenantID, productRef, origin)
	status := "success"
	if err != nil {
		status = "failed"
	}
	s.metrics.RecordSyncRun(origin, status, s.clock.Now().Sub(started))
	return result, err
}

func (s *synchronizer) run(ctx context.Context, tenantID, productRef, origin string) (*Result, error) {
	cfg, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, tenantdomain.ErrNotFound
	}
	if !cfg.Enabled {
		return nil, tenantdomain.ErrConfigDisabled
	}
	if !cfg.Complete() {
		return nil, tenantdomain.ErrConfigIncomplete
	}

	// Cross-check the configuration's cached active flags against live
	// credential records so a stale flag never causes a write against a
	// deactivated account.
	liveCfg, err := s.withLiveAccounts(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(liveCfg.ActiveAccounts()) == 0 {
		return nil, tenantdomain.ErrConfigIncomplete
	}

	// Per-run cache of the product as resolved on each account.
	products := make(map[string]*erpdomain.Product)

	canonicalRef := s.resolveProductRef(ctx, liveCfg, productRef, products)

	agg, err := s.aggregator.Aggregate(ctx, liveCfg, canonicalRef)
	if err != nil {
		return nil, err
	}
	for ref, product := range agg.Products {
		products[ref] = product
	}

	if err := s.compositeGuard(tenantID, canonicalRef, products); err != nil {
		return nil, err
	}

	result := &Result{
		Success:    true,
		ProductRef: canonicalRef,
		Sum:        agg.Combined,
		PerDeposit: agg.PerDeposit,
		PerAccount: agg.PerAccount,
	}
	for _, aggErr := range agg.Errors {
		result.Errors = append(result.Errors, aggErr.Error())
	}

	if err := s.propagate(ctx, liveCfg, canonicalRef, result, products); err != nil {
		return nil, err
	}

	if _, err := s.mirror.Upsert(ctx, s.db, s.node, tenantID, canonicalRef, agg.PerAccount, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("mirror upsert: %w", err)
	}
	if err := s.tenants.MarkSynced(ctx, tenantID, s.clock.Now()); err != nil {
		s.log.Warn("failed to touch last-sync timestamp",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}

	s.log.Info("synchronization finished",
		zap.String("tenant_id", tenantID),
		zap.String("product_ref", canonicalRef),
		zap.String("origin", origin),
		zap.Float64("sum", result.Sum),
		zap.Int("shared_writes", len(result.SharedWrites)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// compositeGuard rejects the run when any account resolved the product as a
// kit. Kit stock derives from components; writing a balance to it is never
// valid.
func (s *synchronizer) compositeGuard(tenantID, productRef string, products map[string]*erpdomain.Product) error {
	for ref, product := range products {
		if product != nil && product.Composite() {
			s.log.Warn("composite product rejected, no stock writes performed",
				zap.String("tenant_id", tenantID),
				zap.String("product_ref", productRef),
				zap.String("account_ref", ref),
			)
			return fmt.Errorf("%w: %s on account %s", ErrCompositeProduct, productRef, ref)
		}
	}
	return nil
}

// propagate pushes the computed sum to every shared deposit in declaration
// order. One deposit's failure never blocks the others, but the product is
// resolved on every owning account before the first write: an account that
// failed its lookup during aggregation may only reveal a kit here, and that
// discovery must still abort the run.
func (s *synchronizer) propagate(ctx context.Context, cfg *tenantdomain.SyncConfig, productRef string, result *Result, products map[string]*erpdomain.Product) error {
	for _, deposit := range cfg.SharedDeposits() {
		account := cfg.AccountByRef(deposit.AccountRef)
		if account == nil || !account.Active {
			continue
		}
		// Lookup errors are recorded as per-deposit failures in the write
		// loop below.
		_, _ = s.productOn(ctx, cfg.TenantID, *account, productRef, products)
	}
	if err := s.compositeGuard(cfg.TenantID, productRef, products); err != nil {
		return err
	}

	for _, deposit := range cfg.SharedDeposits() {
		write := ledgerdomain.SharedWrite{
			DepositID:  deposit.ID,
			AccountRef: deposit.AccountRef,
			Quantity:   result.Sum,
		}

		account := cfg.AccountByRef(deposit.AccountRef)
		if account == nil || !account.Active {
			write.Error = fmt.Sprintf("deposit %d: owning account %q inactive or unmapped", deposit.ID, deposit.AccountRef)
			s.recordWriteFailure(result, write)
			continue
		}

		product, err := s.productOn(ctx, cfg.TenantID, *account, productRef, products)
		if err != nil {
			write.Error = fmt.Sprintf("deposit %d: product lookup: %v", deposit.ID, err)
			s.recordWriteFailure(result, write)
			continue
		}
		if product == nil {
			write.Error = fmt.Sprintf("deposit %d: product %q not found on account %s", deposit.ID, productRef, account.Ref)
			s.recordWriteFailure(result, write)
			continue
		}

		// Register before writing so the echo webhook is recognized even if
		// it arrives before the write call returns.
		s.suppressor.MarkWrite(cfg.TenantID, deposit.ID, productRef)

		err = s.erp.WriteStockMovement(ctx, erpdomain.Account{TenantID: cfg.TenantID, Ref: account.Ref}, erpdomain.Movement{
			ProductID: product.ID,
			DepositID: deposit.ID,
			Quantity:  result.Sum,
			Operation: erpdomain.OperationBalance,
		})
		if err != nil {
			write.Error = err.Error()
			s.recordWriteFailure(result, write)
			continue
		}

		write.Success = true
		result.SharedWrites = append(result.SharedWrites, write)
	}
	return nil
}

func (s *synchronizer) recordWriteFailure(result *Result, write ledgerdomain.SharedWrite) {
	result.SharedWrites = append(result.SharedWrites, write)
	result.Errors = append(result.Errors, write.Error)
	s.metrics.RecordSharedWriteFailure()
	s.log.Warn("shared deposit write failed",
		zap.Int64("deposit_id", write.DepositID),
		zap.String("account_ref", write.AccountRef),
		zap.String("error", write.Error),
	)
}

// productOn resolves the product on one account, memoized for the run.
func (s *synchronizer) productOn(ctx context.Context, tenantID string, account tenantdomain.Account, productRef string, products map[string]*erpdomain.Product) (*erpdomain.Product, error) {
	if product, ok := products[account.Ref]; ok {
		return product, nil
	}
	product, err := s.erp.GetProduct(ctx, erpdomain.Account{TenantID: tenantID, Ref: account.Ref}, productRef)
	if err != nil {
		return nil, err
	}
	products[account.Ref] = product
	return product, nil
}

// withLiveAccounts returns a copy of the configuration whose account active
// flags reflect current credential records.
func (s *synchronizer) withLiveAccounts(ctx context.Context, cfg *tenantdomain.SyncConfig) (*tenantdomain.SyncConfig, error) {
	refs, err := s.credentials.ActiveRefs(ctx, cfg.TenantID)
	if err != nil {
		return nil, fmt.Errorf("listing active credentials: %w", err)
	}
	live := make(map[string]bool, len(refs))
	for _, ref := range refs {
		live[strings.ToLower(strings.TrimSpace(ref))] = true
	}

	copied := *cfg
	copied.Accounts = make([]tenantdomain.Account, len(cfg.Accounts))
	copy(copied.Accounts, cfg.Accounts)
	for i := range copied.Accounts {
		if copied.Accounts[i].Active && !live[strings.ToLower(copied.Accounts[i].Ref)] {
			s.log.Warn("configuration marks account active but no live credential exists",
				zap.String("tenant_id", cfg.TenantID),
				zap.String("account_ref", copied.Accounts[i].Ref),
			)
			copied.Accounts[i].Active = false
		}
	}
	return &copied, nil
}

// resolveProductRef maps a purely numeric reference (an internal id) to the
// canonical SKU when any active account can resolve it.
func (s *synchronizer) resolveProductRef(ctx context.Context, cfg *tenantdomain.SyncConfig, productRef string, products map[string]*erpdomain.Product) string {
	if !isNumeric(productRef) {
		return productRef
	}
	for _, account := range cfg.ActiveAccounts() {
		product, err := s.erp.GetProduct(ctx, erpdomain.Account{TenantID: cfg.TenantID, Ref: account.Ref}, productRef)
		if err != nil {
			s.log.Warn("sku resolution lookup failed",
				zap.String("tenant_id", cfg.TenantID),
				zap.String("account_ref", account.Ref),
				zap.String("product_ref", productRef),
				zap.Error(err),
			)
			continue
		}
		if product != nil && strings.TrimSpace(product.SKU) != "" {
			products[account.Ref] = product
			s.log.Info("resolved numeric product reference to sku",
				zap.String("tenant_id", cfg.TenantID),
				zap.String("numeric_ref", productRef),
				zap.String("sku", product.SKU),
			)
			return product.SKU
		}
	}
	return productRef
}

func isNumeric(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
