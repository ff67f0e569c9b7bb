// Package api serves the read side of powerwatch over HTTP.
//
// All usage data is served from engine snapshots; no handler touches the
// persistence backend except to report its statistics. /api/refresh runs a
// manual ingestion cycle through the scheduler.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xtxerr/powerwatch/config"
	"github.com/xtxerr/powerwatch/internal/logging"
	"github.com/xtxerr/powerwatch/internal/metrics"
	"github.com/xtxerr/powerwatch/internal/scheduler"
	"github.com/xtxerr/powerwatch/internal/usage/archive"
	"github.com/xtxerr/powerwatch/internal/usage/engine"
	"github.com/xtxerr/powerwatch/internal/usage/persist"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

var log = logging.Component("api")

// Engine is the read side of the usage engine.
type Engine interface {
	History(limit int) []types.Reading
	Buckets(res types.Resolution) types.BucketMap
	Latest() (types.Reading, bool)
	Status() engine.Status
	Summary(now time.Time) engine.Summary
}

// Scheduler runs manual cycles and reports its status.
type Scheduler interface {
	Trigger(ctx context.Context) (*scheduler.Cycle, error)
	Status() scheduler.Status
}

// Archive answers queries over evicted buckets.
type Archive interface {
	Buckets(ctx context.Context, q archive.BucketQuery) ([]archive.Record, error)
	Totals(ctx context.Context, res types.Resolution) (archive.Totals, error)
}

// Config holds API configuration.
type Config struct {
	// RecentWindow is how many readings /api/historical-data returns.
	RecentWindow int

	// SummaryCacheTTL is how long a computed usage summary is reused.
	SummaryCacheTTL time.Duration
}

// DefaultConfig returns default API configuration.
func DefaultConfig() Config {
	return Config{
		RecentWindow:    config.DefaultRecentWindow,
		SummaryCacheTTL: config.DefaultSummaryCacheTTL,
	}
}

// Deps are the collaborators the API reads from. Engine and Scheduler are
// required; the rest may be nil.
type Deps struct {
	Engine    Engine
	Scheduler Scheduler
	Archive   Archive
	Backend   persist.Backend
	Metrics   *metrics.Metrics
}

// Server is the HTTP API.
type Server struct {
	cfg     Config
	deps    Deps
	router  *gin.Engine
	summary *summaryCache

	// now is overridden in tests.
	now func() time.Time
}

// New creates the server and registers all routes.
func New(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = def.RecentWindow
	}
	if cfg.SummaryCacheTTL < 0 {
		cfg.SummaryCacheTTL = 0
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		now:  time.Now,
	}
	s.summary = newSummaryCache(cfg.SummaryCacheTTL, func() engine.Summary {
		return deps.Engine.Summary(s.now())
	})

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), deps.Metrics.GinMiddleware())
	s.router = router
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/meter-data", s.handleMeterData)
		api.GET("/refresh", s.handleRefresh)
		api.POST("/refresh", s.handleRefresh)
		api.GET("/status", s.handleStatus)
		api.GET("/historical-data", s.handleHistory)

		api.GET("/10min-usage", s.handleUsage(types.ResolutionTenMinute))
		api.GET("/hourly-usage", s.handleUsage(types.ResolutionHourly))
		api.GET("/daily-usage", s.handleUsage(types.ResolutionDaily))
		api.GET("/weekly-usage", s.handleUsage(types.ResolutionWeekly))
		api.GET("/monthly-usage", s.handleUsage(types.ResolutionMonthly))
		api.GET("/usage-summary", s.handleSummary)

		api.GET("/archive/:resolution", s.handleArchive)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hook drops the cached usage summary after every cycle that ingested a
// reading, so ticker cycles are visible before the cache TTL runs out.
func (s *Server) Hook() scheduler.Hook {
	return func(ctx context.Context, c *scheduler.Cycle) {
		if c.Result != nil {
			s.summary.invalidate()
		}
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http api listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info("http api shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// requestLogger logs every request at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
