package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingcycledomain "github.com/telcobss/meterbill/internal/billingcycle/domain"
	"github.com/telcobss/meterbill/internal/config"
	costcalcdomain "github.com/telcobss/meterbill/internal/costcalc/domain"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	forecastdomain "github.com/telcobss/meterbill/internal/forecast/domain"
	invoicedomain "github.com/telcobss/meterbill/internal/invoice/domain"
	"github.com/telcobss/meterbill/internal/observability"
	obslogger "github.com/telcobss/meterbill/internal/observability/logger"
	obsmetrics "github.com/telcobss/meterbill/internal/observability/metrics"
	obstracing "github.com/telcobss/meterbill/internal/observability/tracing"
	"github.com/telcobss/meterbill/internal/ratelimit"
	ratingdomain "github.com/telcobss/meterbill/internal/rating/domain"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
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

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	db           *gorm.DB
	genID        *snowflake.Node
	usageSvc     usagedomain.Service
	costModelSvc costmodeldomain.Service
	ratingSvc    ratingdomain.Service
	cycleSvc     billingcycledomain.Service
	invoiceSvc   invoicedomain.Service
	costCalcSvc  costcalcdomain.Service
	forecastSvc  forecastdomain.Service
	obsMetrics   *obsmetrics.Metrics
	usageLimiter *ratelimit.UsageIngestLimiter
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	DB           *gorm.DB
	GenID        *snowflake.Node
	UsageSvc     usagedomain.Service
	CostModelSvc costmodeldomain.Service
	RatingSvc    ratingdomain.Service
	CycleSvc     billingcycledomain.Service
	InvoiceSvc   invoicedomain.Service
	CostCalcSvc  costcalcdomain.Service
	ForecastSvc  forecastdomain.Service
	ObsMetrics   *obsmetrics.Metrics           `optional:"true"`
	UsageLimiter *ratelimit.UsageIngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		db:           p.DB,
		genID:        p.GenID,
		usageSvc:     p.UsageSvc,
		costModelSvc: p.CostModelSvc,
		ratingSvc:    p.RatingSvc,
		cycleSvc:     p.CycleSvc,
		invoiceSvc:   p.InvoiceSvc,
		costCalcSvc:  p.CostCalcSvc,
		forecastSvc:  p.ForecastSvc,
		obsMetrics:   p.ObsMetrics,
		usageLimiter: p.UsageLimiter,
	}
}

func registerRoutes(s *Server) {
	s.RegisterRoutes()
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	s.registerBillingRoutes()
	s.registerMonitoringRoutes()
}

func (s *Server) registerBillingRoutes() {
	billing := s.engine.Group("/billing")

	// -------- Usage Records --------
	billing.POST("/usage-records", s.UsageIngestRateLimit(), s.IngestUsageRecord)
	billing.GET("/usage-records", s.ListUsageRecords)
	billing.GET("/usage-records/:id", s.GetUsageRecordByID)

	// -------- Billing Cycles --------
	billing.POST("/cycles", s.CreateBillingCycle)
	billing.GET("/cycles", s.ListBillingCycles)
	billing.GET("/cycles/:id", s.GetBillingCycleByID)
	billing.POST("/cycles/:id/process", s.ProcessBillingCycle)
	billing.POST("/cycles/:id/cancel", s.CancelBillingCycle)

	// -------- Invoices --------
	billing.GET("/invoices/:id", s.GetInvoiceByID)
}

func (s *Server) registerMonitoringRoutes() {
	monitoring := s.engine.Group("/api/monitoring")

	// Monitoring commands arrive query-string encoded.
	// -------- Cost Models --------
	monitoring.GET("/cost-models", s.ListCostModels)
	monitoring.POST("/cost-models", s.CreateCostModel)
	monitoring.GET("/cost-models/:id", s.GetCostModelByID)
	monitoring.PUT("/cost-models/:id", s.UpdateCostModel)
	monitoring.DELETE("/cost-models/:id", s.DeleteCostModel)

	// -------- Cost Calculations --------
	monitoring.GET("/cost-calculations", s.ListCostCalculations)
	monitoring.POST("/cost-calculations", s.CalculateCosts)
	monitoring.GET("/cost-calculations/:id", s.GetCostCalculationByID)
	monitoring.POST("/cost-calculations/:id/recalculate", s.RecalculateCosts)
	monitoring.POST("/cost-calculations/:id/finalize", s.FinalizeCostCalculation)

	// -------- Cost Forecasts --------
	monitoring.GET("/cost-forecasts", s.ListCostForecasts)
	monitoring.POST("/cost-forecasts/generate", s.GenerateCostForecasts)
	monitoring.GET("/cost-forecasts/customer/:id", s.ListCostForecastsByCustomer)
	monitoring.GET("/cost-forecasts/customer/:id/resource/:type", s.ListCostForecastsByResource)
	monitoring.GET("/cost-forecasts/period/:start", s.ListCostForecastsByPeriod)
}
