package dispatch

import (
	"context"

	"github.com/smallbiznis/depotsync/internal/event"
	"github.com/smallbiznis/depotsync/pkg/telemetry"
	"go.uber.org/zap"
)

// InlineDispatcher executes the handler in-process with no retry. It is the
// degraded path when the broker is unreachable: correctness is preserved by
// the ledger dedup, resilience is reduced, and every use is visible in logs
// and metrics.
type InlineDispatcher struct {
	log     *zap.Logger
	handler Handler
	metrics *telemetry.Metrics
}

func NewInlineDispatcher(log *zap.Logger, handler Handler, metrics *telemetry.Metrics) *InlineDispatcher {
	return &InlineDispatcher{
		log:     log.Named("dispatch.inline"),
		handler: handler,
		metrics: metrics,
	}
}

func (d *InlineDispatcher) Enqueue(ctx context.Context, evt event.Event) error {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("inline handler panicked",
					zap.String("tenant_id", evt.TenantID),
					zap.String("event_id", evt.EventID),
					zap.Any("panic", r),
				)
				d.metrics.RecordDispatch("inline", "panic")
			}
		}()

		if err := d.handler(context.WithoutCancel(ctx), evt); err != nil {
			d.log.Error("inline processing failed, event lost without retry",
				zap.String("tenant_id", evt.TenantID),
				zap.String("event_id", evt.EventID),
				zap.Error(err),
			)
			d.metrics.RecordDispatch("inline", "error")
			return
		}
		d.metrics.RecordDispatch("inline", "ok")
	}()
	return nil
}
