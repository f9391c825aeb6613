package processor

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/depotsync/internal/dispatch"
	erpdomain "github.com/smallbiznis/depotsync/internal/erp/domain"
	"github.com/smallbiznis/depotsync/internal/event"
	ledgerdomain "github.com/smallbiznis/depotsync/internal/ledger/domain"
	"github.com/smallbiznis/depotsync/internal/suppression"
	"github.com/smallbiznis/depotsync/internal/synchronizer"
	tenantdomain "github.com/smallbiznis/depotsync/internal/tenant/domain"
	"github.com/smallbiznis/depotsync/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Ignore reasons surfaced in Outcome and metrics.
const (
	ReasonInvalid    = "invalid"
	ReasonInactive   = "inactive"
	ReasonDuplicate  = "duplicate"
	ReasonSuppressed = "suppressed"
	ReasonComposite  = "composite"
	ReasonReauth     = "reauthorization_required"
)

// Outcome describes what happened to one event.
type Outcome struct {
	Processed bool
	Ignored   bool
	Reason    string
	Result    *synchronizer.Result
}

type Processor interface {
	Process(ctx context.Context, evt event.Event) (Outcome, error)
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Node       *snowflake.Node
	Tenants    tenantdomain.Service
	Ledger     ledgerdomain.Service
	Suppressor *suppression.Registry
	Sync       synchronizer.Synchronizer
	Metrics    *telemetry.Metrics
}

type processor struct {
	log        *zap.Logger
	node       *snowflake.Node
	tenants    tenantdomain.Service
	ledger     ledgerdomain.Service
	suppressor *suppression.Registry
	sync       synchronizer.Synchronizer
	metrics    *telemetry.Metrics
}

func New(p Params) Processor {
	return &processor{
		log:        p.Log.Named("processor"),
		node:       p.Node,
		tenants:    p.Tenants,
		ledger:     p.Ledger,
		suppressor: p.Suppressor,
		sync:       p.Sync,
		metrics:    p.Metrics,
	}
}

// ProvideHandler adapts the processor into the dispatch handler.
func ProvideHandler(p Processor) dispatch.Handler {
	return func(ctx context.Context, evt event.Event) error {
		_, err := p.Process(ctx, evt)
		return err
	}
}

var Module = fx.Module("processor",
	fx.Provide(New),
	fx.Provide(ProvideHandler),
)

// Process consults the ledger, resolves tenant configuration, and routes the
// event to the synchronizer. Only transient failures escape with an error so
// the dispatch retry policy applies; everything else is absorbed here.
func (p *processor) Process(ctx context.Context, evt event.Event) (Outcome, error) {
	p.metrics.RecordEventReceived(string(evt.Kind))

	if !evt.Valid() {
		return p.ignore(evt, ReasonInvalid), nil
	}

	cfg, err := p.tenants.Get(ctx, evt.TenantID)
	if err != nil {
		// An unknown tenant is a permanent condition; retrying the event
		// cannot make its configuration appear.
		if errors.Is(err, tenantdomain.ErrNotFound) {
			return p.ignore(evt, ReasonInactive), nil
		}
		return Outcome{}, err
	}
	if cfg == nil || !cfg.Enabled {
		return p.ignore(evt, ReasonInactive), nil
	}

	fingerprint := ledgerdomain.Fingerprint(evt.ProductRef, evt.EventID, evt.DepositID, evt.Quantity)
	seen, err := p.ledger.Seen(ctx, fingerprint)
	if err != nil {
		return Outcome{}, err
	}
	if seen {
		return p.ignore(evt, ReasonDuplicate), nil
	}

	if evt.DepositID != 0 && p.suppressor.ConsumeEcho(evt.TenantID, evt.DepositID, evt.ProductRef) {
		p.log.Info("event recognized as echo of own write, discarding",
			zap.String("tenant_id", evt.TenantID),
			zap.String("product_ref", evt.ProductRef),
			zap.Int64("deposit_id", evt.DepositID),
		)
		return p.ignore(evt, ReasonSuppressed), nil
	}

	origin := originLabel(cfg, evt)

	result, syncErr := p.sync.Synchronize(ctx, evt.TenantID, evt.ProductRef, origin)
	p.record(ctx, evt, fingerprint, origin, result, syncErr)

	if syncErr == nil {
		if err := p.tenants.IncrementCounter(ctx, evt.TenantID, tenantdomain.CounterWebhookRuns); err != nil {
			p.log.Warn("counter update failed", zap.String("tenant_id", evt.TenantID), zap.Error(err))
		}
		return Outcome{Processed: true, Result: result}, nil
	}

	if err := p.tenants.IncrementCounter(ctx, evt.TenantID, tenantdomain.CounterLostEvents); err != nil {
		p.log.Warn("counter update failed", zap.String("tenant_id", evt.TenantID), zap.Error(err))
	}

	// Permanent failures are absorbed so the dispatch layer never retries
	// them; transient ones re-raise for the retry policy.
	switch {
	case errors.Is(syncErr, synchronizer.ErrCompositeProduct):
		return p.ignore(evt, ReasonComposite), nil
	case errors.Is(syncErr, tenantdomain.ErrConfigIncomplete), errors.Is(syncErr, tenantdomain.ErrConfigDisabled), errors.Is(syncErr, tenantdomain.ErrNotFound):
		return p.ignore(evt, ReasonInactive), nil
	case isReauthorizationRequired(syncErr):
		return p.ignore(evt, ReasonReauth), nil
	default:
		return Outcome{}, syncErr
	}
}

func (p *processor) ignore(evt event.Event, reason string) Outcome {
	p.metrics.RecordEventIgnored(reason)
	p.log.Debug("event ignored",
		zap.String("tenant_id", evt.TenantID),
		zap.String("event_id", evt.EventID),
		zap.String("reason", reason),
	)
	return Outcome{Ignored: true, Reason: reason}
}

// record persists the ledger entry regardless of synchronizer outcome. A
// duplicate fingerprint here means a concurrent run won the race; that is
// equivalent to a duplicate delivery and safe to swallow.
func (p *processor) record(ctx context.Context, evt event.Event, fingerprint, origin string, result *synchronizer.Result, syncErr error) {
	entry := &ledgerdomain.Entry{
		ID:          p.node.Generate(),
		Fingerprint: fingerprint,
		TenantID:    evt.TenantID,
		ProductRef:  evt.ProductRef,
		EventID:     evt.EventID,
		Origin:      origin,
	}
	if result != nil {
		entry.ProductRef = result.ProductRef
		entry.Sum = result.Sum
		entry.Balances = depositBalances(result.PerDeposit)
		entry.PerAccount = result.PerAccount
		entry.SharedWrites = result.SharedWrites
		entry.Success = result.Success
		entry.Error = strings.Join(result.Errors, "; ")
	}
	if syncErr != nil {
		entry.Success = false
		entry.Error = syncErr.Error()
	}

	if err := p.ledger.Record(ctx, entry); err != nil && !errors.Is(err, ledgerdomain.ErrDuplicateEvent) {
		p.log.Error("ledger record failed",
			zap.String("tenant_id", evt.TenantID),
			zap.String("fingerprint", fingerprint),
			zap.Error(err),
		)
	}
}

func originLabel(cfg *tenantdomain.SyncConfig, evt event.Event) string {
	ref := strings.TrimSpace(evt.AccountRef)
	if ref == "" {
		return "webhook"
	}
	if account := cfg.AccountByRef(ref); account != nil && account.Name != "" {
		return account.Name
	}
	return "unknown"
}

func isReauthorizationRequired(err error) bool {
	var reauth *erpdomain.ReauthorizationRequiredError
	return errors.As(err, &reauth)
}

func depositBalances(perDeposit map[int64]float64) map[string]float64 {
	if len(perDeposit) == 0 {
		return nil
	}
	out := make(map[string]float64, len(perDeposit))
	for id, qty := range perDeposit {
		out[strconv.FormatInt(id, 10)] = qty
	}
	return out
}
