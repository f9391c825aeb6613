package event

import "strings"

// Kind classifies the origin of a stock event.
type Kind string

const (
	KindSale            Kind = "sale"
	KindStockAdjustment Kind = "stock_adjustment"
	KindSweep           Kind = "sweep"
	KindManual          Kind = "manual"
)

// Event is one normalized stock change for a single product.
type Event struct {
	TenantID   string   `json:"tenant_id"`
	AccountRef string   `json:"account_ref,omitempty"`
	ProductRef string   `json:"product_ref"`
	EventID    string   `json:"event_id"`
	DepositID  int64    `json:"deposit_id,omitempty"`
	Quantity   *float64 `json:"quantity,omitempty"`
	Kind       Kind     `json:"kind"`
}

// Valid reports whether the event carries the identifiers required for
// fingerprinting and routing.
func (e Event) Valid() bool {
	return strings.TrimSpace(e.TenantID) != "" &&
		strings.TrimSpace(e.ProductRef) != "" &&
		strings.TrimSpace(e.EventID) != ""
}
