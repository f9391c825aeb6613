package erp

import (
	"github.com/smallbiznis/depotsync/internal/cache"
	"github.com/smallbiznis/depotsync/internal/erp/domain"
	"go.uber.org/zap"
)

// effectiveReserved works around the upstream platform reporting reserved=0
// while a reservation is still settling. Reservation consumption is only
// recognized through a drop in virtual balance, never in physical balance,
// so a stock recount cannot falsely clear a reservation.
func (c *client) effectiveReserved(account domain.Account, productRef string, depositID int64, physical, virtual, reported float64) float64 {
	if reported > 0 {
		c.reserved.Set(account.TenantID, account.Ref, productRef, depositID, cache.ReservedEntry{
			Reserved: reported,
			Physical: physical,
			Virtual:  virtual,
			Method:   cache.ReserveMethodReported,
			SeenAt:   c.clock.Now(),
		})
		return reported
	}

	if implicit := physical - virtual; implicit > 0 {
		c.reserved.Set(account.TenantID, account.Ref, productRef, depositID, cache.ReservedEntry{
			Reserved: implicit,
			Physical: physical,
			Virtual:  virtual,
			Method:   cache.ReserveMethodImplicit,
			SeenAt:   c.clock.Now(),
		})
		return implicit
	}

	cached, ok := c.reserved.Get(account.TenantID, account.Ref, productRef, depositID)
	if !ok || cached.Reserved <= 0 {
		return 0
	}

	consumed := cached.Virtual - virtual
	if consumed < 0 {
		consumed = 0
	}
	remaining := cached.Reserved - consumed
	if remaining <= 0 {
		c.reserved.Evict(account.TenantID, account.Ref, productRef, depositID)
		return 0
	}

	c.log.Debug("recovered reserved quantity from cache",
		zap.String("account_ref", account.Ref),
		zap.String("product_ref", productRef),
		zap.Int64("deposit_id", depositID),
		zap.Float64("reserved", remaining),
	)
	c.reserved.Set(account.TenantID, account.Ref, productRef, depositID, cache.ReservedEntry{
		Reserved: remaining,
		Physical: physical,
		Virtual:  virtual,
		Method:   cache.ReserveMethodCached,
		SeenAt:   c.clock.Now(),
	})
	return remaining
}
