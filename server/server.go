// Package server handles HTTP endpoints and request routing.
package server

import (
	"buonacaccia-notifier/pkg/notifier"
	"buonacaccia-notifier/poll"
	"buonacaccia-notifier/schedule"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Events is the read side of the event cache.
type Events interface {
	Snapshot(today time.Time) []*notifier.Event
	UpcomingOpenings(today time.Time, limit int) []*notifier.Event
	Lookup(key string) (*notifier.Event, bool)
	Len() int
}

// Store reads persisted sets.
type Store interface {
	LoadSet(ctx context.Context, name string) (notifier.StringSet, error)
	Names(ctx context.Context) ([]string, error)
}

// SetEditor changes a persisted set without racing pipeline runs.
type SetEditor interface {
	EditSet(ctx context.Context, name string, edit func(notifier.StringSet) bool) (notifier.StringSet, error)
}

// Runner triggers pipeline runs on demand.
type Runner interface {
	Trigger(ctx context.Context, name string) (poll.Outcome, error)
	Next(name string) time.Time
}

// Reporter exposes the summary of the last run.
type Reporter interface {
	LastReport() *poll.Report
}

// Server handles HTTP requests.
type Server struct {
	events   Events
	store    Store
	editor   SetEditor
	runner   Runner
	reports  Reporter
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	loc      *time.Location
	now      func() time.Time
	limiter  *rateLimiter
}

// Config holds server configuration.
type Config struct {
	Events   Events
	Store    Store
	Editor   SetEditor
	Runner   Runner
	Reports  Reporter
	Gatherer prometheus.Gatherer // Defaults to prometheus.DefaultGatherer
	Logger   *slog.Logger
	Location *time.Location // Calendar used for "today"
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		events:   cfg.Events,
		store:    cfg.Store,
		editor:   cfg.Editor,
		runner:   cfg.Runner,
		reports:  cfg.Reports,
		gatherer: gatherer,
		logger:   cfg.Logger,
		loc:      loc,
		now:      time.Now,
		limiter:  newRateLimiter(10, time.Hour),
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/upcoming", s.handleUpcoming)
	mux.HandleFunc("/regions", s.handleRegions)
	mux.HandleFunc("/prefs", s.handlePrefs)
	mux.HandleFunc("/follow", s.handleFollow)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      90 * time.Second, // A manual run may take the whole run timeout
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
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

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) today() time.Time {
	return notifier.Today(s.now().In(s.loc))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := map[string]any{
		"service":   "buonacaccia-notifier",
		"endpoints": []string{"/events", "/upcoming", "/regions", "/prefs", "/follow", "/pollz", "/health", "/metrics"},
	}
	if next := s.runner.Next(schedule.ClassPeriodic); !next.IsZero() {
		resp["next_run"] = next.Format(time.RFC3339)
	}
	if last := s.reports.LastReport(); last != nil {
		resp["last_run"] = last
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	names, err := s.store.Names(ctx)
	if err != nil {
		s.logger.Warn("Health check could not reach storage", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": "storage unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"cached_events": s.events.Len(),
		"sets":          names,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	// Manual runs are attempted once. A client disconnect stops the wait, not the run.
	outcome, err := s.runner.Trigger(r.Context(), schedule.ClassManual)
	resp := map[string]any{"status": outcome.String()}
	if last := s.reports.LastReport(); last != nil {
		resp["report"] = last
	}
	status := http.StatusOK
	if err != nil {
		s.logger.Error("Poll run failed", "outcome", outcome.String(), "error", err)
		resp["error"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// rateLimiter allows a fixed number of requests per client within a sliding window.
type rateLimiter struct {
	clients map[string][]time.Time
	limit   int
	window  time.Duration
	mu      sync.Mutex
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	var recent []time.Time
	for _, ts := range rl.clients[ip] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	if len(recent) >= rl.limit {
		rl.clients[ip] = recent
		return false
	}
	rl.clients[ip] = append(recent, now)
	return true
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header (Cloud Run)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
