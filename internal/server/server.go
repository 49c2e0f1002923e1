// Package server exposes a remote.VersionedStore over HTTP so several
// devices can share one authoritative store. Documents are served as JSON;
// change feeds are websockets.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/possync/internal/auth"
	"github.com/roach88/possync/internal/metrics"
	"github.com/roach88/possync/internal/remote"
)

// Server is the remote store HTTP server.
type Server struct {
	store    remote.VersionedStore
	issuer   *auth.Issuer
	logger   *slog.Logger
	metrics  *metrics.Server
	registry *prometheus.Registry
	origins  []string
	hub      *hub
	router   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and feed logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics enables request metrics and serves reg on /metrics.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
		s.metrics = metrics.NewServer(reg)
	}
}

// WithAllowedOrigins sets the CORS allow list for browser clients.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// New builds a server around store.
func New(store remote.VersionedStore, issuer *auth.Issuer, opts ...Option) *Server {
	s := &Server{
		store:  store,
		issuer: issuer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.logger, s.metrics)
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.metrics.Middleware())
	if len(s.origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  s.origins,
			AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", remote.OriginHeader},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/health", s.health)
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(s.registry)))
	}
	r.POST("/v1/auth/device", s.enroll)

	api := r.Group("/v1")
	api.Use(s.authenticate(), withOrigin())
	{
		api.GET("/collections/:collection", s.list)
		api.GET("/collections/:collection/:id", s.get)
		api.PUT("/collections/:collection/:id", s.put)
		api.PATCH("/collections/:collection/:id", s.patch)
		api.DELETE("/collections/:collection/:id", s.delete)
		api.POST("/commit", s.commit)
		api.GET("/changes", s.changes)
	}
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("remote server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.closeAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Close ends every open change feed.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
