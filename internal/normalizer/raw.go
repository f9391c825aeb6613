package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"
)

// RawKind tags the decoded webhook variant.
type RawKind string

const (
	RawSaleCreated   RawKind = "sale_created"
	RawSaleCancelled RawKind = "sale_cancelled"
	RawStockAdjusted RawKind = "stock_adjusted"
	RawUnrecognized  RawKind = "unrecognized"
)

// RawLine is one order line as delivered by the webhook.
type RawLine struct {
	ProductRef string
	Quantity   float64
	DepositID  int64
}

// RawEvent is the typed view of an opaque webhook payload, produced before
// any business logic runs.
type RawEvent struct {
	Kind       RawKind
	SourceID   string
	TenantID   string
	AccountRef string
	CompanyID  string
	Lines      []RawLine
	ProductRef string
	DepositID  int64
	Quantity   *float64
}

type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var v json.Number
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = flexString(v.String())
	return nil
}

type rawItem struct {
	Code      flexString `json:"code"`
	ProductID flexString `json:"product_id"`
	Quantity  float64    `json:"quantity"`
	DepositID int64      `json:"deposit_id"`
}

type rawOrder struct {
	ID    flexString `json:"id"`
	Items []rawItem  `json:"items"`
}

type rawProduct struct {
	Code flexString `json:"code"`
	ID   flexString `json:"id"`
}

type rawPayload struct {
	Event     string      `json:"event"`
	Type      string      `json:"type"`
	TenantID  flexString  `json:"tenant_id"`
	Account   flexString  `json:"account"`
	CompanyID flexString  `json:"company_id"`
	Order     *rawOrder   `json:"order"`
	OrderID   flexString  `json:"order_id"`
	Items     []rawItem   `json:"items"`
	Product   *rawProduct `json:"product"`
	DepositID int64       `json:"deposit_id"`
	Quantity  *float64    `json:"quantity"`
}

// Decode classifies an opaque payload into a RawEvent by trying a fixed,
// ordered list of known shapes: event-type hints first, then structural
// hints (order with items vs bare product reference). It never fails on
// unknown shapes; those come back Unrecognized.
func Decode(payload []byte) (RawEvent, error) {
	var p rawPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return RawEvent{Kind: RawUnrecognized}, err
	}

	raw := RawEvent{
		Kind:       RawUnrecognized,
		TenantID:   string(p.TenantID),
		AccountRef: string(p.Account),
		CompanyID:  string(p.CompanyID),
	}

	eventType := strings.ToLower(strings.TrimSpace(p.Event))
	if eventType == "" {
		eventType = strings.ToLower(strings.TrimSpace(p.Type))
	}

	switch {
	case isCancellation(eventType):
		raw.Kind = RawSaleCancelled
		raw.SourceID = orderID(p)
	case isSale(eventType) || p.Order != nil || len(p.Items) > 0:
		raw.Kind = RawSaleCreated
		raw.SourceID = orderID(p)
		raw.Lines = extractLines(p)
	case isAdjustment(eventType) || (p.Product != nil && p.DepositID != 0):
		ref := productRef(p)
		if ref == "" {
			break
		}
		raw.Kind = RawStockAdjusted
		raw.ProductRef = ref
		raw.DepositID = p.DepositID
		raw.Quantity = p.Quantity
		raw.SourceID = adjustmentID(p, ref)
	}
	return raw, nil
}

func isSale(eventType string) bool {
	return strings.Contains(eventType, "order") || strings.Contains(eventType, "sale")
}

func isCancellation(eventType string) bool {
	return strings.Contains(eventType, "cancel") || strings.Contains(eventType, "delete")
}

func isAdjustment(eventType string) bool {
	return strings.Contains(eventType, "stock") || strings.Contains(eventType, "adjust")
}

func orderID(p rawPayload) string {
	if p.Order != nil && p.Order.ID != "" {
		return string(p.Order.ID)
	}
	return string(p.OrderID)
}

func productRef(p rawPayload) string {
	if p.Product == nil {
		return ""
	}
	if p.Product.Code != "" {
		return string(p.Product.Code)
	}
	return string(p.Product.ID)
}

func adjustmentID(p rawPayload, ref string) string {
	return "adjustment-" + ref + "-" + strconv.FormatInt(p.DepositID, 10)
}

func extractLines(p rawPayload) []RawLine {
	items := p.Items
	if p.Order != nil && len(p.Order.Items) > 0 {
		items = p.Order.Items
	}
	return linesFromItems(items)
}

func linesFromItems(items []rawItem) []RawLine {
	lines := make([]RawLine, 0, len(items))
	for _, item := range items {
		ref := string(item.Code)
		if ref == "" {
			ref = string(item.ProductID)
		}
		if strings.TrimSpace(ref) == "" {
			continue
		}
		lines = append(lines, RawLine{
			ProductRef: ref,
			Quantity:   item.Quantity,
			DepositID:  item.DepositID,
		})
	}
	return lines
}
