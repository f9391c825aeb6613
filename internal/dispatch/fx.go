package dispatch

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/depotsync/internal/config"
	"github.com/smallbiznis/depotsync/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("dispatch",
	fx.Provide(NewRedisClient),
	fx.Provide(ProvideDispatcher),
)

// NewRedisClient returns a redis client, or nil when no broker is configured.
func NewRedisClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Log       *zap.Logger
	Client    *redis.Client `optional:"true"`
	Handler   Handler
	Metrics   *telemetry.Metrics
}

// ProvideDispatcher selects the queue-backed dispatcher when the broker is
// reachable, otherwise the inline fallback. The choice is made once at
// startup; enqueue-time broker errors still degrade per call.
func ProvideDispatcher(p Params) Dispatcher {
	inline := NewInlineDispatcher(p.Log, p.Handler, p.Metrics)

	if p.Client == nil {
		p.Log.Warn("no broker configured, using inline dispatch")
		p.Metrics.RecordQueueFallback()
		return inline
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Client.Ping(ctx).Err(); err != nil {
		p.Log.Warn("broker unreachable at startup, using inline dispatch", zap.Error(err))
		p.Metrics.RecordQueueFallback()
		return inline
	}

	queue := NewQueueDispatcher(p.Log, p.Client, p.Handler, p.Metrics, inline)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			queue.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			queue.Stop()
			return nil
		},
	})
	return queue
}
