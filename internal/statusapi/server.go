// Package statusapi exposes the daemon's local HTTP surface: tracked job
// views, persisted history, and Prometheus metrics.
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ledgerline/packwatch/internal/history"
	"github.com/ledgerline/packwatch/internal/tracker"
)

// HistoryStore is the subset of the history store the API reads from.
type HistoryStore interface {
	ListRecentJobs(ctx context.Context, limit int) ([]history.JobSummary, error)
	ListTransitions(ctx context.Context, jobID string) ([]history.Transition, error)
}

// Server serves the daemon status API.
type Server struct {
	engine  *gin.Engine
	manager *tracker.Manager
	store   HistoryStore
	version string
	logger  zerolog.Logger

	httpServer *http.Server
}

// NewServer builds the router. The history store is optional; without it the
// history endpoints answer 404.
func NewServer(manager *tracker.Manager, store HistoryStore, gatherer prometheus.Gatherer, version string, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:  gin.New(),
		manager: manager,
		store:   store,
		version: version,
		logger:  logger.With().Str("component", "status_api").Logger(),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(s.requestLogger())

	s.engine.GET("/healthz", s.health)
	s.engine.GET("/version", s.versionInfo)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/api/v1")
	v1.GET("/jobs", s.listJobs)
	v1.GET("/jobs/:id", s.getJob)
	if store != nil {
		v1.GET("/history", s.listHistory)
		v1.GET("/history/:id", s.getHistory)
	}

	return s
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving on addr and blocks until the listener fails or the
// server is shut down.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("status API listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"active_sessions": s.manager.ActiveCount(),
	})
}

func (s *Server) versionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": s.version})
}

func (s *Server) listJobs(c *gin.Context) {
	views := s.manager.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  views,
		"count": len(views),
	})
}

func (s *Server) getJob(c *gin.Context) {
	id := c.Param("id")
	session, ok := s.manager.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job is not being tracked"})
		return
	}
	c.JSON(http.StatusOK, session.Snapshot())
}

func (s *Server) listHistory(c *gin.Context) {
	limit := 50
	jobs, err := s.store.ListRecentJobs(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list job history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list job history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) getHistory(c *gin.Context) {
	id := c.Param("id")
	transitions, err := s.store.ListTransitions(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrJobUnknown) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no history for job"})
			return
		}
		s.logger.Error().Err(err).Str("job_id", id).Msg("failed to load job history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":      id,
		"transitions": transitions,
	})
}
