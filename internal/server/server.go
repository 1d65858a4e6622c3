package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/pagebill/internal/config"
	ledgerdomain "github.com/smallbiznis/pagebill/internal/ledger/domain"
	"github.com/smallbiznis/pagebill/internal/observability"
	obsmiddleware "github.com/smallbiznis/pagebill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/pagebill/internal/observability/metrics"
	obstracing "github.com/smallbiznis/pagebill/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
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

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

type Params struct {
	fx.In

	Engine     *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	PaymentSvc paymentdomain.Service
	LedgerSvc  ledgerdomain.Service
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	paymentSvc paymentdomain.Service
	ledgerSvc  ledgerdomain.Service
}

func NewServer(p Params) *Server {
	return &Server{
		engine:     p.Engine,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		paymentSvc: p.PaymentSvc,
		ledgerSvc:  p.LedgerSvc,
	}
}

// RegisterRoutes mounts the gateway webhooks and the user-facing API.
func (s *Server) RegisterRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)

	api := s.engine.Group("/api")
	api.Use(s.UserRequired())
	{
		api.POST("/checkout", s.CreateCheckout)
		api.GET("/checkout/success", s.CheckoutSuccess)
		api.DELETE("/subscription", s.CancelSubscription)
		api.GET("/credits", s.GetCredits)
		api.POST("/jobs/:job_id/download", s.DownloadJob)
	}
}
