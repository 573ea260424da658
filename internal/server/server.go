// Package server is the HTTP surface. Handlers validate, call the domain
// services, and map errors; no business logic lives here.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/reserva/internal/account/domain"
	"github.com/smallbiznis/reserva/internal/config"
	creditdomain "github.com/smallbiznis/reserva/internal/credit/domain"
	"github.com/smallbiznis/reserva/internal/observability"
	"github.com/smallbiznis/reserva/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	accounts   accountdomain.Service
	credits    creditdomain.Service
	webhookSvc *webhook.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Accounts   accountdomain.Service
	Credits    creditdomain.Service
	WebhookSvc *webhook.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		accounts:   p.Accounts,
		credits:    p.Credits,
		webhookSvc: p.WebhookSvc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	accounts := v1.Group("/accounts")
	accounts.POST("", s.createAccount)
	accounts.PUT("/:id/billing-mode", s.setBillingMode)
	accounts.POST("/:id/suspend", s.suspendAccount)

	credits := v1.Group("/credits")
	credits.POST("/reserve", s.reserveCredits)
	credits.POST("/consume", s.consumeCredits)
	credits.POST("/release", s.releaseCredits)
	credits.POST("/grant", s.grantCredits)
	credits.GET("/balance", s.getBalance)
	credits.GET("/ledger", s.listLedger)

	v1.POST("/reconcile", s.reconcileCredits)
	v1.POST("/webhooks/payments/:provider", s.ingestPaymentWebhook)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)
