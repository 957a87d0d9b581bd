// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"termin-notifier/cache"
	"termin-notifier/pkg/termin"
	"termin-notifier/poll"
	"termin-notifier/registry"
	"termin-notifier/settings"
)

const (
	// maxBodyBytes bounds JSON request bodies.
	maxBodyBytes = 64 << 10
	// writeTimeout is the server's response deadline.
	writeTimeout = 60 * time.Second
	// defaultFreshTimeout bounds a synchronous upstream fetch so the reply
	// is written before writeTimeout.
	defaultFreshTimeout = 45 * time.Second
)

// Poller interface for subscription and selection changes.
type Poller interface {
	Subscribe(ctx context.Context, typeID int, criteria termin.FilterCriteria) (*termin.Subscription, error)
	Unsubscribe(ctx context.Context, id string) error
	SelectType(ctx context.Context, typeID int) error
	DeselectType(ctx context.Context, typeID int) error
	SelectedTypes() []int
	UpdateSettings(ctx context.Context, patch settings.Patch) (settings.Preferences, error)
	CheckAll(ctx context.Context) error
}

// Cache interface for reading appointment snapshots.
type Cache interface {
	CachedSnapshot(typeID int) []termin.AppointmentData
	CachedSlots(typeID int) []termin.Slot
	FreshSnapshot(ctx context.Context, typeID int) ([]termin.AppointmentData, error)
	LatestTimestamp(typeID int) int64
	ActiveTypes() []int
	PollFrequency() time.Duration
	IsPolling() bool
}

// Registry interface for subscription reads and edits.
type Registry interface {
	Get(id string) (*termin.Subscription, error)
	List() []*termin.Subscription
	Update(ctx context.Context, id string, patch termin.CriteriaPatch) (*termin.Subscription, error)
	ResetWatermark(ctx context.Context, id string) error
}

// Settings interface for reading preferences.
type Settings interface {
	Current() settings.Preferences
}

// Catalog interface for the appointment type list.
type Catalog interface {
	Lookup(id int) (termin.AppointmentType, bool)
	Types() []termin.AppointmentType
}

// Server handles HTTP requests.
type Server struct {
	poller   Poller
	cache    Cache
	registry Registry
	settings Settings
	catalog  Catalog
	logger   *slog.Logger
	limiter  *rateLimiter

	freshTimeout time.Duration
}

// Config holds server configuration.
type Config struct {
	Poller   Poller
	Cache    Cache
	Registry Registry
	Settings Settings
	Catalog  Catalog
	Logger   *slog.Logger
	// SubscribeLimit caps subscription creations per client IP per hour.
	// Zero means the default of 20.
	SubscribeLimit int
	// FreshTimeout bounds ?fresh=1 upstream fetches. Zero means 45s.
	FreshTimeout time.Duration
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit := cfg.SubscribeLimit
	if limit <= 0 {
		limit = 20
	}
	freshTimeout := cfg.FreshTimeout
	if freshTimeout <= 0 || freshTimeout >= writeTimeout {
		freshTimeout = defaultFreshTimeout
	}
	return &Server{
		poller:   cfg.Poller,
		cache:    cfg.Cache,
		registry: cfg.Registry,
		settings: cfg.Settings,
		catalog:  cfg.Catalog,
		logger:   cfg.Logger,
		limiter:  newRateLimiter(limit, time.Hour),

		freshTimeout: freshTimeout,
	}
}

// Handler returns the router with every endpoint registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /pollz", s.handlePoll)

	mux.HandleFunc("GET /api/types", s.handleListTypes)
	mux.HandleFunc("GET /api/types/{id}/appointments", s.handleAppointments)
	mux.HandleFunc("PUT /api/types/{id}/selection", s.handleSelect)
	mux.HandleFunc("DELETE /api/types/{id}/selection", s.handleDeselect)

	mux.HandleFunc("GET /api/subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("POST /api/subscriptions", s.handleCreateSubscription)
	mux.HandleFunc("GET /api/subscriptions/{id}", s.handleGetSubscription)
	mux.HandleFunc("PATCH /api/subscriptions/{id}", s.handleUpdateSubscription)
	mux.HandleFunc("DELETE /api/subscriptions/{id}", s.handleDeleteSubscription)
	mux.HandleFunc("POST /api/subscriptions/{id}/reset", s.handleResetSubscription)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PATCH /api/settings", s.handleUpdateSettings)
	return securityHeaders(mux)
}

// ListenAndServe serves the API on port until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"polling":        s.cache.IsPolling(),
		"poll_interval":  s.cache.PollFrequency().String(),
		"active_types":   s.cache.ActiveTypes(),
		"subscriptions":  len(s.registry.List()),
		"selected_types": s.poller.SelectedTypes(),
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "check failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps domain errors onto status codes.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, registry.ErrUnknownType),
		errors.Is(err, poll.ErrUnknownType),
		errors.Is(err, cache.ErrUnknownType):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, termin.ErrInvalidCriteria),
		errors.Is(err, settings.ErrInvalid):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
