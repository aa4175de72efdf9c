// Package api serves the Memory Bridge HTTP API: sessions, the canonical
// action list with its sort/filter view, confirmation transitions, SMART
// scores, calendar sync, usage and a server-sent event stream of inserts.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/memorybridge/internal/calendar"
	"github.com/zulandar/memorybridge/internal/confirm"
	"github.com/zulandar/memorybridge/internal/extract"
	"github.com/zulandar/memorybridge/internal/logging"
	"github.com/zulandar/memorybridge/internal/pact"
	"github.com/zulandar/memorybridge/internal/usage"
)

// ServerOpts holds the collaborators of the API server.
type ServerOpts struct {
	DB          *gorm.DB
	Actions     *extract.Store
	Confirm     *confirm.Service
	Preferences *pact.PreferenceStore
	Limiter     *usage.Limiter
	Retention   *usage.Sweeper
	Calendar    *calendar.Reconciler // optional
	Transport   extract.Transport    // optional; enables /api/events
	Logger      *zap.Logger
	Listen      string
	Now         func() time.Time

	// HeartbeatInterval spaces SSE keep-alive events.
	HeartbeatInterval time.Duration
}

// Server is the HTTP API.
type Server struct {
	opts   ServerOpts
	log    *zap.Logger
	router *gin.Engine
}

// NewServer validates opts and registers every route.
func NewServer(opts ServerOpts) (*Server, error) {
	switch {
	case opts.DB == nil:
		return nil, fmt.Errorf("api: db is required")
	case opts.Actions == nil:
		return nil, fmt.Errorf("api: action store is required")
	case opts.Confirm == nil:
		return nil, fmt.Errorf("api: confirm service is required")
	case opts.Preferences == nil:
		return nil, fmt.Errorf("api: preference store is required")
	case opts.Limiter == nil:
		return nil, fmt.Errorf("api: limiter is required")
	case opts.Retention == nil:
		return nil, fmt.Errorf("api: retention sweeper is required")
	}
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}

	s := &Server{opts: opts, log: logging.OrNop(opts.Logger)}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.accessLog())
	s.registerRoutes()
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("api shutdown", zap.Error(err))
		}
	}()

	s.log.Info("api listening", zap.String("addr", s.opts.Listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// accessLog logs each request at debug, and server errors at warn.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("api request failed", append(fields, zap.String("error", c.Errors.String()))...)
			return
		}
		s.log.Debug("api request", fields...)
	}
}
