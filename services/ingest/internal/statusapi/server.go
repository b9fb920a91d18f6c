// Package statusapi serves run progress, Prometheus metrics and stored data
// statistics over HTTP while a backfill is running.
package statusapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/pipeline"
)

// ProgressSource reports the current run.
type ProgressSource interface {
	Snapshot() pipeline.Progress
}

// StatsFunc loads statistics about stored measurements.
type StatsFunc func(ctx context.Context) (models.DataStats, error)

type Options struct {
	Addr        string
	BearerToken string
	Progress    ProgressSource
	Stats       StatsFunc
	Metrics     http.Handler
	Logger      *zap.Logger
}

// Server bundles router and dependencies for the status API.
type Server struct {
	opts   Options
	engine *gin.Engine
}

// New constructs a server with routes and middleware.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(opts.Logger))

	s := &Server{opts: opts, engine: engine}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

const shutdownTimeout = 10 * time.Second

// Run binds Addr, serves until ctx is done, then drains in-flight requests.
// A bind failure is returned before anything is served.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("status api: listen on %s: %w", s.opts.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	select {
	case err := <-served:
		return fmt.Errorf("status api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status api: shutdown: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.engine.Group("/")
	if s.opts.BearerToken != "" {
		api.Use(bearerAuth(s.opts.BearerToken))
	}
	api.GET("/status", s.handleStatus)
	api.GET("/stats", s.handleStats)
	if s.opts.Metrics != nil {
		api.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.opts.Progress == nil {
		c.JSON(http.StatusOK, pipeline.Progress{State: pipeline.StateIdle})
		return
	}
	c.JSON(http.StatusOK, s.opts.Progress.Snapshot())
}

func (s *Server) handleStats(c *gin.Context) {
	if s.opts.Stats == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "stats unavailable without a database"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	stats, err := s.opts.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// bearerAuth guards every route but /healthz with STATUS_BEARER_TOKEN.
func bearerAuth(expected string) gin.HandlerFunc {
	want := []byte(expected)
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), want) != 1 {
			c.Header("WWW-Authenticate", `Bearer realm="argo-ingest status"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "status api requires a valid bearer token"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("status request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)))
	}
}
