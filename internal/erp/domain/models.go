package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRateLimited is returned once the retry budget for HTTP 429 is spent.
	ErrRateLimited = errors.New("erp_rate_limited")
	// ErrUnauthorized is an upstream 401 that survived a forced token refresh.
	ErrUnauthorized = errors.New("erp_unauthorized")
	// ErrUpstream covers any other non-2xx upstream response.
	ErrUpstream = errors.New("erp_upstream_error")
)

// ReauthorizationRequiredError signals a revoked or invalid grant. The
// account was deactivated; the tenant must re-authorize via AuthURL. Never
// retried automatically.
type ReauthorizationRequiredError struct {
	TenantID   string
	AccountRef string
	AuthURL    string
}

func (e *ReauthorizationRequiredError) Error() string {
	return fmt.Sprintf("erp reauthorization required for account %s", e.AccountRef)
}

// Account identifies one connected platform account of a tenant.
type Account struct {
	TenantID string
	Ref      string
}

// Product is the upstream product view.
type Product struct {
	ID     int64  `json:"id"`
	SKU    string `json:"code"`
	Name   string `json:"name"`
	Format string `json:"format"`
}

// Composite reports whether the product is a kit/bundle whose stock derives
// from components. Automatic stock writes on kits are unsafe.
func (p Product) Composite() bool { return p.Format == "E" }

// DepositBalance is one deposit's balance for a product, after
// reserved-stock inference.
type DepositBalance struct {
	Physical          float64 `json:"physical"`
	Virtual           float64 `json:"virtual"`
	ReservedEffective float64 `json:"reserved_effective"`
}

// MovementOperation is the upstream stock-movement kind.
type MovementOperation string

const (
	// OperationBalance sets the deposit balance to the given quantity.
	OperationBalance MovementOperation = "B"
	// OperationEntry adds stock.
	OperationEntry MovementOperation = "E"
	// OperationExit removes stock.
	OperationExit MovementOperation = "S"
)

// Movement is one stock write against a deposit.
type Movement struct {
	ProductID int64
	DepositID int64
	Quantity  float64
	Operation MovementOperation
}

// OrderItem is one line of an upstream sales order.
type OrderItem struct {
	ProductRef string  `json:"code"`
	Quantity   float64 `json:"quantity"`
	DepositID  int64   `json:"deposit_id"`
}

// Order is the full upstream order detail.
type Order struct {
	ID    string      `json:"id"`
	Items []OrderItem `json:"items"`
}

// Client is the authenticated, rate-limited upstream platform adapter.
// Lookups return (nil, nil) when the upstream reports the entity absent.
type Client interface {
	GetProduct(ctx context.Context, account Account, ref string) (*Product, error)
	GetDepositBalance(ctx context.Context, account Account, productRef string, productID, depositID int64) (DepositBalance, error)
	WriteStockMovement(ctx context.Context, account Account, movement Movement) error
	GetOrderDetail(ctx context.Context, account Account, orderID string) (*Order, error)
}
