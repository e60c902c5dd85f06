// Package server exposes the billing engine over HTTP: event ingestion,
// invoice lifecycle, wallets and coupons. Authentication is a fronting
// gateway's concern; callers identify their organization with the X-Org-ID
// header.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	couponservice "github.com/smallbiznis/meterflow/internal/coupon/service"
	"github.com/smallbiznis/meterflow/internal/config"
	eventservice "github.com/smallbiznis/meterflow/internal/event/service"
	invoiceservice "github.com/smallbiznis/meterflow/internal/invoice/service"
	"github.com/smallbiznis/meterflow/internal/ratelimit"
	subscriptionservice "github.com/smallbiznis/meterflow/internal/subscription/service"
	"github.com/smallbiznis/meterflow/internal/telemetry"
	walletservice "github.com/smallbiznis/meterflow/internal/wallet/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

type EngineParams struct {
	fx.In

	Log     *zap.Logger
	Metrics *telemetry.Metrics `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogMiddleware(p.Log.Named("http"), p.Metrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if p.Metrics != nil {
		r.GET("/metrics", gin.WrapH(p.Metrics.Handler()))
	}
	return r
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger
	genID  *snowflake.Node

	events        *eventservice.Service
	invoices      *invoiceservice.Service
	wallets       *walletservice.Service
	coupons       *couponservice.Service
	subscriptions *subscriptionservice.Service
	limiter       *ratelimit.IngestLimiter
	metrics       *telemetry.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	GenID         *snowflake.Node
	Events        *eventservice.Service
	Invoices      *invoiceservice.Service
	Wallets       *walletservice.Service
	Coupons       *couponservice.Service
	Subscriptions *subscriptionservice.Service
	Limiter       *ratelimit.IngestLimiter `optional:"true"`
	Metrics       *telemetry.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		genID:         p.GenID,
		events:        p.Events,
		invoices:      p.Invoices,
		wallets:       p.Wallets,
		coupons:       p.Coupons,
		subscriptions: p.Subscriptions,
		limiter:       p.Limiter,
		metrics:       p.Metrics,
	}
}

func registerRoutes(s *Server) {
	v1 := s.engine.Group("/v1", s.OrgContext())

	v1.POST("/events", s.IngestRateLimit(), s.IngestEvent)
	v1.POST("/events/batch", s.IngestRateLimit(), s.IngestEventBatch)
	v1.GET("/events", s.ListEvents)

	v1.GET("/invoices", s.ListInvoices)
	v1.GET("/invoices/:id", s.GetInvoice)
	v1.GET("/invoices/:id/fees", s.ListInvoiceFees)
	v1.POST("/invoices/:id/finalize", s.FinalizeInvoice)
	v1.POST("/invoices/:id/void", s.VoidInvoice)
	v1.POST("/invoices/:id/regenerate", s.RegenerateInvoice)
	v1.PUT("/invoices/:id/payment_status", s.UpdateInvoicePaymentStatus)
	v1.POST("/invoices/:id/resolve_billing_errors", s.ResolveInvoiceBillingErrors)

	v1.POST("/subscriptions", s.CreateSubscription)
	v1.GET("/subscriptions/:id", s.GetSubscription)
	v1.POST("/subscriptions/:id/activate", s.ActivateSubscription)
	v1.POST("/subscriptions/:id/cancel", s.CancelSubscription)
	v1.POST("/subscriptions/:id/terminate", s.TerminateSubscription)
	v1.GET("/subscriptions/:id/billing_errors", s.ListBillingErrors)

	v1.POST("/wallets", s.CreateWallet)
	v1.GET("/wallets/:id", s.GetWallet)
	v1.POST("/wallets/:id/top_up", s.TopUpWallet)
	v1.POST("/wallets/:id/terminate", s.TerminateWallet)

	v1.POST("/applied_coupons", s.ApplyCoupon)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
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
