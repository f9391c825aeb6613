package erp

import (
	"testing"
	"time"

	"github.com/smallbiznis/depotsync/internal/cache"
	"github.com/smallbiznis/depotsync/internal/clock"
	"github.com/smallbiznis/depotsync/internal/erp/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newReservedClient(t *testing.T) (*client, cache.ReservedStockCache) {
	t.Helper()
	reserved := cache.NewReservedStockCache()
	return &client{
		log:      zap.NewNop(),
		reserved: reserved,
		clock:    clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
	}, reserved
}

func TestEffectiveReserved_ReportedWins(t *testing.T) {
	c, reserved := newReservedClient(t)
	account := domain.Account{TenantID: "t1", Ref: "acc-a"}

	got := c.effectiveReserved(account, "SKU-1", 10, 12, 9, 3)
	assert.Equal(t, 3.0, got)

	entry, ok := reserved.Get("t1", "acc-a", "SKU-1", 10)
	assert.True(t, ok)
	assert.Equal(t, cache.ReserveMethodReported, entry.Method)
	assert.Equal(t, 3.0, entry.Reserved)
}

func TestEffectiveReserved_ImplicitFromSpread(t *testing.T) {
	c, reserved := newReservedClient(t)
	account := domain.Account{TenantID: "t1", Ref: "acc-a"}

	// reported=0 but physical exceeds virtual: the spread is the reservation.
	got := c.effectiveReserved(account, "SKU-1", 10, 12, 9, 0)
	assert.Equal(t, 3.0, got)

	entry, ok := reserved.Get("t1", "acc-a", "SKU-1", 10)
	assert.True(t, ok)
	assert.Equal(t, cache.ReserveMethodImplicit, entry.Method)
}

func TestEffectiveReserved_CachedFloorSurvivesRecount(t *testing.T) {
	c, reserved := newReservedClient(t)
	account := domain.Account{TenantID: "t1", Ref: "acc-a"}

	reserved.Set("t1", "acc-a", "SKU-1", 10, cache.ReservedEntry{
		Reserved: 4,
		Physical: 10,
		Virtual:  10,
		Method:   cache.ReserveMethodReported,
	})

	// Upstream momentarily reports reserved=0 with unchanged balances. The
	// virtual balance did not drop, so nothing was consumed.
	got := c.effectiveReserved(account, "SKU-1", 10, 10, 10, 0)
	assert.Equal(t, 4.0, got)

	entry, ok := reserved.Get("t1", "acc-a", "SKU-1", 10)
	assert.True(t, ok)
	assert.Equal(t, cache.ReserveMethodCached, entry.Method)
}

func TestEffectiveReserved_ConsumptionShrinksFloor(t *testing.T) {
	c, reserved := newReservedClient(t)
	account := domain.Account{TenantID: "t1", Ref: "acc-a"}

	reserved.Set("t1", "acc-a", "SKU-1", 10, cache.ReservedEntry{
		Reserved: 4,
		Physical: 10,
		Virtual:  10,
	})

	// Virtual dropped by 3: three units of the reservation settled.
	got := c.effectiveReserved(account, "SKU-1", 10, 7, 7, 0)
	assert.Equal(t, 1.0, got)
}

func TestEffectiveReserved_FullConsumptionEvicts(t *testing.T) {
	c, reserved := newReservedClient(t)
	account := domain.Account{TenantID: "t1", Ref: "acc-a"}

	reserved.Set("t1", "acc-a", "SKU-1", 10, cache.ReservedEntry{
		Reserved: 4,
		Physical: 10,
		Virtual:  10,
	})

	got := c.effectiveReserved(account, "SKU-1", 10, 5, 5, 0)
	assert.Equal(t, 0.0, got)

	_, ok := reserved.Get("t1", "acc-a", "SKU-1", 10)
	assert.False(t, ok)
}

func TestEffectiveReserved_NoSignalNoCache(t *testing.T) {
	c, _ := newReservedClient(t)
	account := domain.Account{TenantID: "t1", Ref: "acc-a"}

	got := c.effectiveReserved(account, "SKU-1", 10, 10, 10, 0)
	assert.Equal(t, 0.0, got)
}
