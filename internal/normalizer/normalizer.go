package normalizer

import (
	"context"
	"strings"

	erpdomain "github.com/smallbiznis/depotsync/internal/erp/domain"
	"github.com/smallbiznis/depotsync/internal/event"
	tenantdomain "github.com/smallbiznis/depotsync/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Normalizer turns heterogeneous webhook payloads into canonical stock
// events. Unresolvable payloads produce an empty list, never an error.
type Normalizer interface {
	Normalize(ctx context.Context, payload []byte, tenantHint, accountHint string) ([]event.Event, error)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Tenants tenantdomain.Service
	ERP     erpdomain.Client
}

type normalizer struct {
	log     *zap.Logger
	tenants tenantdomain.Service
	erp     erpdomain.Client
}

func New(p Params) Normalizer {
	return &normalizer{
		log:     p.Log.Named("normalizer"),
		tenants: p.Tenants,
		erp:     p.ERP,
	}
}

var Module = fx.Module("normalizer", fx.Provide(New))

func (n *normalizer) Normalize(ctx context.Context, payload []byte, tenantHint, accountHint string) ([]event.Event, error) {
	raw, err := Decode(payload)
	if err != nil {
		return nil, err
	}

	tenantID := strings.TrimSpace(raw.TenantID)
	if tenantID == "" {
		tenantID = strings.TrimSpace(tenantHint)
	}
	accountRef := strings.TrimSpace(raw.AccountRef)
	if accountRef == "" {
		accountRef = strings.TrimSpace(accountHint)
	}

	if tenantID == "" {
		n.log.Warn("webhook payload carries no tenant hint, dropping",
			zap.String("kind", string(raw.Kind)),
		)
		return nil, nil
	}

	switch raw.Kind {
	case RawSaleCancelled:
		// Line items are no longer retrievable after a deletion upstream.
		n.log.Info("sale cancellation received, nothing to extract",
			zap.String("tenant_id", tenantID),
			zap.String("source_id", raw.SourceID),
		)
		return nil, nil
	case RawSaleCreated:
		return n.normalizeSale(ctx, raw, tenantID, accountRef)
	case RawStockAdjusted:
		return []event.Event{{
			TenantID:   tenantID,
			AccountRef: accountRef,
			ProductRef: raw.ProductRef,
			EventID:    raw.SourceID + "-product-" + raw.ProductRef,
			DepositID:  raw.DepositID,
			Quantity:   raw.Quantity,
			Kind:       event.KindStockAdjustment,
		}}, nil
	default:
		n.log.Warn("unrecognized webhook payload shape",
			zap.String("tenant_id", tenantID),
		)
		return nil, nil
	}
}

func (n *normalizer) normalizeSale(ctx context.Context, raw RawEvent, tenantID, accountRef string) ([]event.Event, error) {
	lines := raw.Lines
	if len(lines) == 0 && raw.SourceID != "" {
		lines = n.fetchOrderLines(ctx, raw, tenantID, accountRef)
	}
	if len(lines) == 0 {
		n.log.Info("sale webhook produced no extractable lines",
			zap.String("tenant_id", tenantID),
			zap.String("source_id", raw.SourceID),
		)
		return nil, nil
	}

	events := make([]event.Event, 0, len(lines))
	for _, line := range lines {
		quantity := line.Quantity
		events = append(events, event.Event{
			TenantID:   tenantID,
			AccountRef: accountRef,
			ProductRef: line.ProductRef,
			EventID:    raw.SourceID + "-product-" + line.ProductRef,
			DepositID:  line.DepositID,
			Quantity:   &quantity,
			Kind:       event.KindSale,
		})
	}
	return events, nil
}

// fetchOrderLines recovers line items for a webhook that named an order
// without its lines. Candidate accounts are tried in order: the payload's
// declared account, then a company-id match, then every active account.
func (n *normalizer) fetchOrderLines(ctx context.Context, raw RawEvent, tenantID, accountRef string) []RawLine {
	cfg, err := n.tenants.Get(ctx, tenantID)
	if err != nil || cfg == nil {
		n.log.Warn("cannot resolve order lines without tenant configuration",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return nil
	}

	for _, account := range n.candidateAccounts(cfg, raw, accountRef) {
		order, err := n.erp.GetOrderDetail(ctx, erpdomain.Account{TenantID: tenantID, Ref: account.Ref}, raw.SourceID)
		if err != nil {
			n.log.Warn("order detail lookup failed",
				zap.String("tenant_id", tenantID),
				zap.String("account_ref", account.Ref),
				zap.String("order_id", raw.SourceID),
				zap.Error(err),
			)
			continue
		}
		if order == nil {
			continue
		}
		lines := make([]RawLine, 0, len(order.Items))
		for _, item := range order.Items {
			if strings.TrimSpace(item.ProductRef) == "" {
				continue
			}
			lines = append(lines, RawLine{
				ProductRef: item.ProductRef,
				Quantity:   item.Quantity,
				DepositID:  item.DepositID,
			})
		}
		if len(lines) > 0 {
			return lines
		}
	}
	return nil
}

func (n *normalizer) candidateAccounts(cfg *tenantdomain.SyncConfig, raw RawEvent, accountRef string) []tenantdomain.Account {
	if accountRef != "" {
		if account := cfg.AccountByRef(accountRef); account != nil {
			return []tenantdomain.Account{*account}
		}
	}
	if account := cfg.AccountByCompanyID(raw.CompanyID); account != nil {
		return []tenantdomain.Account{*account}
	}
	return cfg.ActiveAccounts()
}
