// Package admin serves the health, stats and metrics endpoints of a
// running client.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cobra-client-platform/internal/connection"
	"github.com/cobra-client-platform/internal/dispatcher"
	"github.com/cobra-client-platform/internal/ratelimit"
	"github.com/cobra-client-platform/internal/tracker"
)

// ConnectionStatus is the part of connection.Connection reported on /health
type ConnectionStatus interface {
	State() connection.State
	LastError() error
	Tracker() *tracker.PublishTracker
}

// BotStats is implemented by dispatcher.Dispatcher
type BotStats interface {
	Stats() dispatcher.Stats
}

// Service provides the admin endpoints
type Service struct {
	config    Config
	conn      ConnectionStatus
	bot       BotStats
	limiter   *ratelimit.Limiter
	version   string
	startedAt time.Time
	logger    *slog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithBot adds the dispatcher counters to /stats
func WithBot(bot BotStats) Option {
	return func(s *Service) { s.bot = bot }
}

// WithLimiter adds the rate limit counters to /stats
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

func WithVersion(version string) Option {
	return func(s *Service) { s.version = version }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a new admin service
func NewService(config Config, conn ConnectionStatus, opts ...Option) *Service {
	s := &Service{
		config:    config,
		conn:      conn,
		startedAt: time.Now(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes registers admin routes
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.Handle("/health", otelhttp.NewHandler(http.HandlerFunc(s.getHealth), "admin.health")).Methods("GET")
	router.Handle("/stats", otelhttp.NewHandler(http.HandlerFunc(s.getStats), "admin.stats")).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Handler returns the routes wrapped with CORS
func (s *Service) Handler() http.Handler {
	router := mux.NewRouter()
	s.RegisterRoutes(router)

	if len(s.config.AllowedOrigins) == 0 {
		return router
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return corsHandler.Handler(router)
}

// Serve listens on config.Addr until ctx is done
func (s *Service) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", slog.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}

func (s *Service) getHealth(w http.ResponseWriter, r *http.Request) {
	state := s.conn.State()
	health := HealthResponse{
		Status:    "healthy",
		State:     state.String(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Timestamp: time.Now(),
	}

	status := http.StatusOK
	if !state.IsAuthenticated() {
		health.Status = "unhealthy"
		status = http.StatusServiceUnavailable
		if err := s.conn.LastError(); err != nil {
			health.Error = err.Error()
		}
	}
	respondJSON(w, status, health)
}

func (s *Service) getStats(w http.ResponseWriter, r *http.Request) {
	sent, acked := s.conn.Tracker().Snapshot()
	stats := StatsResponse{
		Version: s.version,
		State:   s.conn.State().String(),
		Publish: PublishStats{
			Sent:    sent,
			Acked:   acked,
			Pending: sent - acked,
		},
		Timestamp: time.Now(),
	}
	if s.limiter != nil {
		stats.RateLimit = &RateLimitStats{
			Enabled:  s.limiter.Enabled(),
			Admitted: s.limiter.Admitted(),
			Dropped:  s.limiter.Dropped(),
		}
	}
	if s.bot != nil {
		bot := s.bot.Stats()
		stats.Bot = &bot
	}
	respondJSON(w, http.StatusOK, stats)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
