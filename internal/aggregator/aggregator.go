package aggregator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	erpdomain "github.com/smallbiznis/depotsync/internal/erp/domain"
	tenantdomain "github.com/smallbiznis/depotsync/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Result is the multi-account view of one product's principal stock.
type Result struct {
	// Products maps account ref to the product as resolved on that account.
	// Absent keys mean the product does not exist there.
	Products map[string]*erpdomain.Product
	// PerDeposit maps principal deposit id to its available balance.
	PerDeposit map[int64]float64
	// PerAccount maps account ref to the sum of its principal balances.
	PerAccount map[string]float64
	// Combined is the canonical figure after applying the aggregation rule.
	Combined float64
	// Errors holds per-account failures. A failed account contributes zero;
	// the remaining accounts still aggregate.
	Errors []error
}

// Aggregator fans out across a tenant's active accounts and combines the
// principal deposit balances for one product.
type Aggregator interface {
	Aggregate(ctx context.Context, cfg *tenantdomain.SyncConfig, productRef string) (*Result, error)
}

type Params struct {
	fx.In

	Log *zap.Logger
	ERP erpdomain.Client
}

type aggregator struct {
	log *zap.Logger
	erp erpdomain.Client
}

func New(p Params) Aggregator {
	return &aggregator{
		log: p.Log.Named("aggregator"),
		erp: p.ERP,
	}
}

var Module = fx.Module("aggregator", fx.Provide(New))

func (a *aggregator) Aggregate(ctx context.Context, cfg *tenantdomain.SyncConfig, productRef string) (*Result, error) {
	accounts := cfg.ActiveAccounts()
	result := &Result{
		Products:   make(map[string]*erpdomain.Product, len(accounts)),
		PerDeposit: make(map[int64]float64),
		PerAccount: make(map[string]float64, len(accounts)),
	}
	if len(accounts) == 0 {
		return result, nil
	}

	principals := cfg.PrincipalDeposits()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, account := range accounts {
		wg.Add(1)
		go func(account tenantdomain.Account) {
			defer wg.Done()

			product, deposits, accountTotal, err := a.collectAccount(ctx, cfg.TenantID, account, productRef, principals)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("account %s: %w", account.Ref, err))
				return
			}
			if product != nil {
				result.Products[account.Ref] = product
			}
			for depositID, balance := range deposits {
				result.PerDeposit[depositID] = balance
			}
			result.PerAccount[account.Ref] = accountTotal
		}(account)
	}
	wg.Wait()

	result.Combined = Combine(cfg.Rule, result.PerDeposit)
	return result, nil
}

// collectAccount resolves the product on one account and reads each of the
// account's principal deposits. An unresolved product contributes zero
// balances without failing the account.
func (a *aggregator) collectAccount(ctx context.Context, tenantID string, account tenantdomain.Account, productRef string, principals []tenantdomain.Deposit) (*erpdomain.Product, map[int64]float64, float64, error) {
	erpAccount := erpdomain.Account{TenantID: tenantID, Ref: account.Ref}

	product, err := a.erp.GetProduct(ctx, erpAccount, productRef)
	if err != nil {
		return nil, nil, 0, err
	}
	if product == nil {
		a.log.Info("product not found on account, contributing zero",
			zap.String("tenant_id", tenantID),
			zap.String("account_ref", account.Ref),
			zap.String("product_ref", productRef),
		)
		return nil, nil, 0, nil
	}

	deposits := make(map[int64]float64)
	total := 0.0
	for _, deposit := range principals {
		if !strings.EqualFold(deposit.AccountRef, account.Ref) {
			continue
		}
		balance, err := a.erp.GetDepositBalance(ctx, erpAccount, productRef, product.ID, deposit.ID)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("deposit %d: %w", deposit.ID, err)
		}
		available := balance.Physical - balance.ReservedEffective
		deposits[deposit.ID] = available
		total += available
	}
	return product, deposits, total, nil
}

// Combine reduces principal deposit balances with the tenant's rule.
func Combine(rule tenantdomain.AggregationRule, balances map[int64]float64) float64 {
	if len(balances) == 0 {
		return 0
	}
	switch rule {
	case tenantdomain.RuleAvg:
		sum := 0.0
		for _, v := range balances {
			sum += v
		}
		return sum / float64(len(balances))
	case tenantdomain.RuleMax:
		first := true
		max := 0.0
		for _, v := range balances {
			if first || v > max {
				max = v
				first = false
			}
		}
		return max
	case tenantdomain.RuleMin:
		first := true
		min := 0.0
		for _, v := range balances {
			if first || v < min {
				min = v
				first = false
			}
		}
		return min
	default:
		sum := 0.0
		for _, v := range balances {
			sum += v
		}
		return sum
	}
}
