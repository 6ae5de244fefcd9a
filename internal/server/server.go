// Package server exposes the processor's health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/shadowfiend/internal/config"
	obstracing "github.com/smallbiznis/shadowfiend/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(run),
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	DB     *gorm.DB      `optional:"true"`
	Redis  *redis.Client `optional:"true"`
}

func NewEngine(p Params) *gin.Engine {
	if !p.Config.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(AccessLog(p.Log))
	r.Use(obstracing.GinMiddleware())

	checks := map[string]Pinger{}
	if p.DB != nil {
		checks["database"] = gormPinger{db: p.DB}
	}
	if p.Redis != nil {
		checks["redis"] = PingerFunc(func(ctx context.Context) error { return p.Redis.Ping(ctx).Err() })
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", readyHandler(checks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http.server.failed", zap.String("addr", srv.Addr), zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
