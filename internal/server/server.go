package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tokenledger/internal/authorization"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/ledger"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"github.com/smallbiznis/tokenledger/internal/metering"
	meteringdomain "github.com/smallbiznis/tokenledger/internal/metering/domain"
	"github.com/smallbiznis/tokenledger/internal/observability"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tokenledger/internal/observability/tracing"
	"github.com/smallbiznis/tokenledger/internal/pricing"
	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
	"github.com/smallbiznis/tokenledger/internal/ratelimit"
	"github.com/smallbiznis/tokenledger/internal/settlement"
	settlementdomain "github.com/smallbiznis/tokenledger/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	pricing.Module,
	ledger.Module,
	metering.Module,
	settlement.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obsCfg.ServiceName, contextAPIKeyNameKey, contextAccountIDKey)...)
	if httpMetrics != nil {
		r.Use(httpMetrics.Middleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
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

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	apiKeys       map[string]config.APIKey
	authzSvc      authorization.Service
	ledgerSvc     ledgerdomain.Service
	meteringSvc   meteringdomain.Service
	settlementSvc settlementdomain.Service
	webhookSvc    settlementdomain.WebhookService
	pricing       pricingdomain.Engine
	usageLimiter  *ratelimit.UsageLimiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	AuthzSvc      authorization.Service
	LedgerSvc     ledgerdomain.Service
	MeteringSvc   meteringdomain.Service
	SettlementSvc settlementdomain.Service
	WebhookSvc    settlementdomain.WebhookService
	Pricing       pricingdomain.Engine
	UsageLimiter  *ratelimit.UsageLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		apiKeys:       indexAPIKeys(p.Cfg.APIKeys),
		authzSvc:      p.AuthzSvc,
		ledgerSvc:     p.LedgerSvc,
		meteringSvc:   p.MeteringSvc,
		settlementSvc: p.SettlementSvc,
		webhookSvc:    p.WebhookSvc,
		pricing:       p.Pricing,
		usageLimiter:  p.UsageLimiter,
	}
	if len(svc.apiKeys) == 0 {
		svc.log.Warn("no API keys configured, every /v1 call except webhooks will be rejected")
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")
	api.Use(s.APIKeyRequired())

	accounts := api.Group("/accounts")
	accounts.POST("", s.authorize(authorization.ObjectAccount, authorization.ActionAccountOpen), s.OpenAccount)
	accounts.GET("/:id", s.authorize(authorization.ObjectAccount, authorization.ActionAccountView), s.GetAccount)
	accounts.GET("/:id/balance", s.authorize(authorization.ObjectAccount, authorization.ActionAccountView), s.GetBalance)
	accounts.GET("/:id/transactions", s.authorize(authorization.ObjectAccount, authorization.ActionAccountView), s.ListTransactions)
	accounts.GET("/:id/usage", s.authorize(authorization.ObjectUsage, authorization.ActionUsageView), s.ListUsage)
	accounts.GET("/:id/verify", s.authorize(authorization.ObjectAccount, authorization.ActionAccountVerify), s.VerifyAccount)
	accounts.POST("/:id/disable", s.authorize(authorization.ObjectAccount, authorization.ActionAccountDisable), s.DisableAccount)
	accounts.POST("/:id/adjustments", s.authorize(authorization.ObjectAccount, authorization.ActionAccountAdjust), s.AdjustAccount)

	api.POST("/usage", s.authorize(authorization.ObjectUsage, authorization.ActionUsageMeter), s.usageRateLimit(), s.MeterUsage)
	api.POST("/settlements", s.authorize(authorization.ObjectSettlement, authorization.ActionSettlementSettle), s.SettlePayment)
	api.GET("/packs", s.authorize(authorization.ObjectPack, authorization.ActionPackView), s.ListPacks)
	api.POST("/quotes", s.authorize(authorization.ObjectQuote, authorization.ActionQuoteCreate), s.Quote)
}

// Webhooks authenticate with the provider signature, not an API key.
func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/v1/webhooks/:provider", s.IngestWebhook)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
