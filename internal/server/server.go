// Package server exposes a running client over HTTP: node and activity views,
// commands, prometheus metrics and a websocket change feed.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/meshctl/internal/auth"
	"github.com/danmuck/meshctl/internal/client"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	DefaultAddr     = "127.0.0.1:9440"
	shutdownTimeout = 3 * time.Second
	version         = "0.1.0"
)

type Options struct {
	Addr        string
	CorsOrigins []string
	Metrics     *observability.Metrics
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Token guards mutating routes when set.
	Token string
}

type Server struct {
	client   *client.Client
	addr     string
	origins  []string
	gatherer prometheus.Gatherer
	router   *gin.Engine
	guard    auth.Validator
	logger   zerolog.Logger
	started  time.Time
}

func New(c *client.Client, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	origins := normalizeOrigins(opts.CorsOrigins)
	logger := observability.ComponentLogger("server")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(opts.Metrics))
	r.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		client:   c,
		addr:     opts.Addr,
		origins:  origins,
		gatherer: opts.Gatherer,
		router:   r,
		logger:   logger,
		started:  time.Now(),
	}
	if opts.Token != "" {
		s.guard = auth.StaticToken{Token: opts.Token}
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.addr }

// Serve listens until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("diagnostics server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

// requireToken rejects requests without the configured bearer token. With no
// token configured every request passes.
func (s *Server) requireToken(c *gin.Context) {
	if s.guard == nil {
		c.Next()
		return
	}
	if err := auth.CheckHeader(s.guard, c.GetHeader("Authorization")); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}
