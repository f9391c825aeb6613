package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/depotsync/internal/config"
	"go.uber.org/fx"
)

// Gate serializes outbound calls behind a minimum inter-call interval. The
// upstream platform enforces one shared quota per integration, so the gate is
// process-global and not keyed per account.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	lastCall time.Time
}

func NewGate(interval time.Duration) *Gate {
	return &Gate{interval: interval}
}

// Acquire blocks until the caller may issue the next upstream call. Returns
// early with the context error if ctx is done while waiting.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	wait := g.interval - now.Sub(g.lastCall)
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	g.lastCall = time.Now()
	return nil
}

func ProvideGate(cfg config.Config) *Gate {
	return NewGate(cfg.ERP.MinCallInterval)
}

var Module = fx.Module("ratelimit", fx.Provide(ProvideGate))
