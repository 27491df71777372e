// Package health runs the collector's side-channel HTTP surface: a
// dependency health probe and the Prometheus scrape endpoint. It
// carries no job API; the scheduler is the only thing that mutates
// state, driven entirely off the broker.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/rpsouza441/ticker-monitor/pkg/health/middleware"
	"github.com/rpsouza441/ticker-monitor/pkg/resilience"
)

// Pinger checks whether a dependency is reachable. Implemented by
// thin wrappers around *gorm.DB.Ping / *redis.Client.Ping / the
// broker's connection state.
type Pinger func(ctx context.Context) error

// Config wires the dependency checks the health endpoint reports.
// Any nil Pinger is reported as not configured rather than unhealthy,
// so a deployment without the optional cache doesn't show red.
type Config struct {
	Port     string
	Database Pinger
	Queue    Pinger
	Cache    Pinger
	// Breaker stands in for a Quote Source pinger: probing the real
	// provider from a liveness endpoint would burn rate limit, so the
	// circuit breaker's view of recent calls is reported instead. An
	// open breaker marks quote_source unhealthy.
	Breaker *resilience.CircuitBreaker
	Log     *zap.Logger
}

// Server is the health/metrics HTTP surface.
type Server struct {
	cfg        Config
	httpServer *http.Server
}

// New builds a Server. Routes are registered immediately; Start
// begins listening.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Tracing("ticker-monitor-collector"))
	router.Use(middleware.Metrics())
	router.Use(requestLogger(cfg.Log))
	router.Use(middleware.BodySizeLimit(1 << 20))

	s := &Server{cfg: cfg}
	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the underlying http.Handler, primarily so tests can
// drive routes with httptest without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks until the server is shut down or fails to bind.
func (s *Server) Start() error {
	s.cfg.Log.Info("health server starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type dependency struct {
	Healthy    bool   `json:"healthy"`
	Configured bool   `json:"configured"`
	Detail     string `json:"detail,omitempty"`
}

// healthCheck reports one boolean per dependency (database, queue,
// quote_source, plus the optional cache) and an overall healthy
// boolean. Orchestrators key liveness off the top-level field; the
// per-dependency detail is for humans.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	deps := map[string]dependency{
		"database":     checkPinger(ctx, s.cfg.Database),
		"queue":        checkPinger(ctx, s.cfg.Queue),
		"cache":        checkPinger(ctx, s.cfg.Cache),
		"quote_source": s.quoteSourceHealth(),
	}

	healthy := true
	for _, d := range deps {
		if d.Configured && !d.Healthy {
			healthy = false
		}
	}

	body := gin.H{
		"healthy":      healthy,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	}
	if v, err := mem.VirtualMemory(); err == nil {
		body["host_memory"] = gin.H{
			"used_percent": v.UsedPercent,
			"total_mb":     v.Total / 1024 / 1024,
		}
	}

	httpStatus := http.StatusOK
	if !healthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, body)
}

func (s *Server) quoteSourceHealth() dependency {
	if s.cfg.Breaker == nil {
		return dependency{Healthy: true, Configured: false}
	}
	state := s.cfg.Breaker.State()
	return dependency{
		Healthy:    state != resilience.CircuitOpen,
		Configured: true,
		Detail:     "circuit " + state.String(),
	}
}

func checkPinger(ctx context.Context, p Pinger) dependency {
	if p == nil {
		return dependency{Healthy: true, Configured: false}
	}
	if err := p(ctx); err != nil {
		return dependency{Healthy: false, Configured: true, Detail: err.Error()}
	}
	return dependency{Healthy: true, Configured: true}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.Debug("health server request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
