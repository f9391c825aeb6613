package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/depotsync/internal/config"
	"github.com/smallbiznis/depotsync/internal/dispatch"
	ledgerdomain "github.com/smallbiznis/depotsync/internal/ledger/domain"
	mirrordomain "github.com/smallbiznis/depotsync/internal/mirror/domain"
	"github.com/smallbiznis/depotsync/internal/normalizer"
	"github.com/smallbiznis/depotsync/internal/synchronizer"
	tenantdomain "github.com/smallbiznis/depotsync/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine     *gin.Engine
	log        *zap.Logger
	db         *gorm.DB
	genID      *snowflake.Node
	tenants    tenantdomain.Service
	mirror     mirrordomain.Repository
	ledger     ledgerdomain.Service
	normalizer normalizer.Normalizer
	dispatcher dispatch.Dispatcher
	sync       synchronizer.Synchronizer
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Log        *zap.Logger
	DB         *gorm.DB
	GenID      *snowflake.Node
	Tenants    tenantdomain.Service
	Mirror     mirrordomain.Repository
	Ledger     ledgerdomain.Service
	Normalizer normalizer.Normalizer
	Dispatcher dispatch.Dispatcher
	Sync       synchronizer.Synchronizer
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		log:        p.Log.Named("server"),
		db:         p.DB,
		genID:      p.GenID,
		tenants:    p.Tenants,
		mirror:     p.Mirror,
		ledger:     p.Ledger,
		normalizer: p.Normalizer,
		dispatcher: p.Dispatcher,
		sync:       p.Sync,
	}

	svc.registerRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.POST("/webhooks/erp", s.HandleWebhook)
	s.engine.POST("/sync/trigger", s.TriggerSync)

	tenants := s.engine.Group("/tenants")
	{
		tenants.GET("/:id/status", s.GetTenantStatus)
		tenants.GET("/:id/products/:ref/stock", s.GetProductStock)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
