package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/smallbiznis/settlement/internal/account/domain"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	gracedomain "github.com/smallbiznis/settlement/internal/grace/domain"
	idempotencydomain "github.com/smallbiznis/settlement/internal/idempotency/domain"
	invoicedomain "github.com/smallbiznis/settlement/internal/invoice/domain"
	"github.com/smallbiznis/settlement/internal/observability"
	obslogger "github.com/smallbiznis/settlement/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	obstracing "github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/internal/ratelimit"
	settlementdomain "github.com/smallbiznis/settlement/internal/settlement/domain"
	webhookdomain "github.com/smallbiznis/settlement/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterWebhookRoutes()
		s.RegisterCronRoutes()
		s.RegisterAPIRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(log *zap.Logger, obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log.Named("http"), obslogger.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	clock          clock.Clock
	billing        *config.BillingConfigHolder
	accountSvc     accountdomain.Service
	invoiceSvc     invoicedomain.Service
	auditSvc       auditdomain.Service
	settlementSvc  settlementdomain.Service
	graceSvc       gracedomain.Service
	webhookSvc     webhookdomain.Service
	idempotency    idempotencydomain.Store
	webhookLimiter *ratelimit.WebhookLimiter
	metrics        *obsmetrics.EngineMetrics
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	Clock          clock.Clock
	BillingConfig  *config.BillingConfigHolder
	AccountSvc     accountdomain.Service
	InvoiceSvc     invoicedomain.Service
	AuditSvc       auditdomain.Service
	SettlementSvc  settlementdomain.Service
	GraceSvc       gracedomain.Service
	WebhookSvc     webhookdomain.Service
	Idempotency    idempotencydomain.Store
	WebhookLimiter *ratelimit.WebhookLimiter `optional:"true"`
	Metrics        *obsmetrics.EngineMetrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		clock:          p.Clock,
		billing:        p.BillingConfig,
		accountSvc:     p.AccountSvc,
		invoiceSvc:     p.InvoiceSvc,
		auditSvc:       p.AuditSvc,
		settlementSvc:  p.SettlementSvc,
		graceSvc:       p.GraceSvc,
		webhookSvc:     p.WebhookSvc,
		idempotency:    p.Idempotency,
		webhookLimiter: p.WebhookLimiter,
		metrics:        p.Metrics,
	}
}

func (s *Server) RegisterWebhookRoutes() {
	s.engine.POST("/webhooks/gateway", s.WebhookRateLimit(), s.HandleGatewayWebhook)
}

// RegisterCronRoutes exposes the batch jobs to an external trigger. Every
// route requires the shared cron secret.
func (s *Server) RegisterCronRoutes() {
	cron := s.engine.Group("/internal/cron", s.CronAuthRequired())
	cron.POST("/billing-cycle", s.RunBillingCycle)
	cron.POST("/grace-enforcement", s.RunGraceEnforcement)
	cron.POST("/grace-reminders", s.RunGraceReminders)
	cron.POST("/payment-retry", s.RunPaymentRetry)
	cron.POST("/idempotency-gc", s.RunIdempotencyGC)
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")
	api.GET("/accounts/:tenant_id", s.GetAccount)
	api.GET("/accounts/:tenant_id/invoices", s.ListAccountInvoices)
	api.GET("/accounts/:tenant_id/audit", s.ListAccountAuditLogs)
	api.GET("/invoices/:invoice_id", s.GetInvoice)
	api.GET("/invoices/:invoice_id/pdf", s.GetInvoicePDF)

	internal := api.Group("", s.CronAuthRequired())
	internal.POST("/accounts", s.OnboardAccount)
	internal.POST("/invoices/:invoice_id/retry", s.RetryInvoicePayment)
}
