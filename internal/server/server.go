package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/unprice/internal/actor"
	"github.com/smallbiznis/unprice/internal/config"
	"github.com/smallbiznis/unprice/internal/customer"
	customerdomain "github.com/smallbiznis/unprice/internal/customer/domain"
	"github.com/smallbiznis/unprice/internal/ratelimit"
	"github.com/smallbiznis/unprice/internal/usage"
	usagedomain "github.com/smallbiznis/unprice/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	customer.Module,
	usage.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestContext(log.Named("http")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
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
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	host        *actor.Host
	hub         *actor.Hub
	customerSvc customerdomain.Service
	usageSvc    usagedomain.Service
	limiter     *ratelimit.EdgeLimiter
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	Host        *actor.Host
	Hub         *actor.Hub
	CustomerSvc customerdomain.Service
	UsageSvc    usagedomain.Service
	Limiter     *ratelimit.EdgeLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("server"),
		host:        p.Host,
		hub:         p.Hub,
		customerSvc: p.CustomerSvc,
		usageSvc:    p.UsageSvc,
		limiter:     p.Limiter,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Hot path --------
	v1.POST("/entitlements/verify", s.RateLimit(), s.VerifyEntitlement)
	v1.POST("/usage", s.RateLimit(), s.ReportUsage)

	// -------- Customers --------
	v1.GET("/customers", s.ListCustomers)
	v1.POST("/customers", s.CreateCustomer)
	v1.GET("/customers/:id", s.GetCustomerByID)
	v1.POST("/customers/:id/disable", s.DisableCustomer)
	v1.POST("/customers/:id/enable", s.EnableCustomer)

	// -------- Per-customer entitlement views --------
	v1.GET("/customers/:id/usage", s.GetCustomerUsage)
	v1.GET("/customers/:id/entitlements", s.ListCustomerEntitlements)
	v1.GET("/customers/:id/acl", s.GetCustomerAccessControl)
	v1.DELETE("/customers/:id/entitlements", s.ResetCustomerEntitlements)
	v1.GET("/customers/:id/live-events", s.StreamCustomerLiveEvents)

	// -------- Settled records --------
	v1.GET("/usage/records", s.ListUsageRecords)
	v1.GET("/usage/verifications", s.ListVerifications)
}
