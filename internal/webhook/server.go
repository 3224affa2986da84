// Package webhook serves the coordinator's HTTP API: job submission and
// polling for the web app, balance and grant endpoints, and the callback
// routes GPU workers report progress through.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stylelicense/jobyard/internal/dispatch"
	"github.com/stylelicense/jobyard/internal/ingest"
	"github.com/stylelicense/jobyard/internal/jobs"
	"github.com/stylelicense/jobyard/internal/ledger"
	"go.uber.org/zap"
)

// Options holds the server's collaborators.
type Options struct {
	Token          string
	AllowedSources []string
	Dispatcher     *dispatch.Dispatcher
	Ingest         *ingest.Ingest
	Store          *jobs.Store
	Ledger         *ledger.Ledger
	TrainingCost   int64
	PollInterval   time.Duration // job event stream poll, default 2s
	Logger         *zap.Logger
}

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Options
	Port int
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts Options) (*gin.Engine, error) {
	if opts.Dispatcher == nil || opts.Ingest == nil || opts.Store == nil || opts.Ledger == nil {
		return nil, fmt.Errorf("webhook: dispatcher, ingest, store and ledger are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger.Named("http")))
	registerRoutes(router, opts)
	return router, nil
}

// Start serves the API on opts.Port. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts.Options)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Logger != nil {
		opts.Logger.Info("http server listening", zap.Int("port", opts.Port))
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// requestLogger logs one line per request after it is served.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, zap.String("id", id))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
