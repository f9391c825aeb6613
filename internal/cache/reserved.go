package cache

import (
	"strconv"
	"strings"
	"time"
)

const defaultReservedTTL = 7 * 24 * time.Hour

// ReserveMethod records how an effective reserved quantity was obtained.
type ReserveMethod string

const (
	ReserveMethodReported ReserveMethod = "reported"
	ReserveMethodImplicit ReserveMethod = "implicit"
	ReserveMethodCached   ReserveMethod = "cached"
)

// ReservedEntry is the last known effective reservation for one
// (tenant, account, product, deposit) combination.
type ReservedEntry struct {
	Reserved float64
	Physical float64
	Virtual  float64
	Method   ReserveMethod
	SeenAt   time.Time
}

// ReservedStockCache compensates for the upstream platform reporting
// reserved=0 while a reservation is mid-settlement. Entries slide on write
// and expire after seven days.
type ReservedStockCache interface {
	Get(tenantID, accountRef, productRef string, depositID int64) (ReservedEntry, bool)
	Set(tenantID, accountRef, productRef string, depositID int64, entry ReservedEntry)
	Evict(tenantID, accountRef, productRef string, depositID int64)
}

type reservedStockCache struct {
	entries Cache[string, ReservedEntry]
	ttl     time.Duration
}

// NewReservedStockCache returns an in-memory reserved-stock cache.
func NewReservedStockCache() ReservedStockCache {
	return &reservedStockCache{
		entries: NewTTLCache[string, ReservedEntry](),
		ttl:     defaultReservedTTL,
	}
}

func (c *reservedStockCache) Get(tenantID, accountRef, productRef string, depositID int64) (ReservedEntry, bool) {
	return c.entries.Get(reservedKey(tenantID, accountRef, productRef, depositID))
}

func (c *reservedStockCache) Set(tenantID, accountRef, productRef string, depositID int64, entry ReservedEntry) {
	if entry.Reserved <= 0 {
		return
	}
	c.entries.Set(reservedKey(tenantID, accountRef, productRef, depositID), entry, c.ttl)
}

func (c *reservedStockCache) Evict(tenantID, accountRef, productRef string, depositID int64) {
	c.entries.Delete(reservedKey(tenantID, accountRef, productRef, depositID))
}

func reservedKey(tenantID, accountRef, productRef string, depositID int64) string {
	return cacheKey(tenantID, accountRef, productRef) + "|" + strconv.FormatInt(depositID, 10)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
