// Package server exposes the watch commands and manual polling over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"repowatch/commands"
	"repowatch/pkg/watch"
	"repowatch/poll"
)

const maxBodyBytes = 64 << 10

// Commands runs watch-list operations.
type Commands interface {
	Watch(ctx context.Context, req commands.WatchRequest) (*watch.Subscription, error)
	Unwatch(ctx context.Context, repo string) (bool, error)
	List(scope func(watch.ChannelID) bool) []*watch.Subscription
}

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// IsValidation checks if an error is the caller's fault.
type IsValidation func(error) bool

// Server handles HTTP requests.
type Server struct {
	commands     Commands
	poller       Poller
	logger       *slog.Logger
	isValidation IsValidation
	limiter      *rateLimiter
	apiToken     string
}

// Config holds server configuration.
type Config struct {
	Commands     Commands
	Poller       Poller
	Logger       *slog.Logger
	IsValidation IsValidation
	APIToken     string        // Required bearer token; empty disables auth
	RateLimit    int           // Mutating requests per client per window
	RateWindow   time.Duration // Sliding window for RateLimit
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit, window := cfg.RateLimit, cfg.RateWindow
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	isValidation := cfg.IsValidation
	if isValidation == nil {
		isValidation = commands.IsValidation
	}
	return &Server{
		commands:     cfg.Commands,
		poller:       cfg.Poller,
		logger:       cfg.Logger,
		isValidation: isValidation,
		limiter:      newRateLimiter(limit, window),
		apiToken:     cfg.APIToken,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.authorized(s.handlePoll))
	mux.HandleFunc("/watch", s.authorized(s.limited(s.handleWatch)))
	mux.HandleFunc("/unwatch", s.authorized(s.limited(s.handleUnwatch)))
	mux.HandleFunc("/list", s.authorized(s.handleList))
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      5 * time.Minute,   // /pollz runs a whole cycle
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		if errors.Is(err, poll.ErrCycleRunning) {
			s.writeError(w, http.StatusConflict, "a poll cycle is already running")
			return
		}
		s.logger.Error("Poll check failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "check failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// authorized enforces the bearer token when one is configured.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.apiToken)) != 1 {
				s.logger.Warn("Unauthorized request", "path", r.URL.Path, "ip", clientIP(r))
				s.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			s.writeError(w, http.StatusTooManyRequests, "too many requests, try again later")
			return
		}
		next(w, r)
	}
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
