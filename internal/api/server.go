// Package api serves the voicebridge HTTP surface: health, active calls,
// call records, prometheus metrics, and the assist websocket.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/cdr"
	"github.com/voicebridge/voicebridge/internal/pipeline"
	"github.com/voicebridge/voicebridge/internal/voip"
)

// CallsProvider exposes the active call list. Satisfied by
// *voip.CallManager.
type CallsProvider interface {
	ActiveCalls() []voip.ActiveCall
}

// CDRLister reads recent call records. Satisfied by *cdr.Repository.
type CDRLister interface {
	List(ctx context.Context, limit int) ([]*cdr.Record, error)
}

// Config configures the API server.
type Config struct {
	// AccessToken is the shared secret API clients authenticate with.
	AccessToken string
	// JWTSecret signs the short-lived tokens issued to clients.
	JWTSecret []byte
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	calls     CallsProvider
	cdrs      CDRLister
	pipeline  pipeline.Pipeline // nil disables the assist endpoint
	metrics   http.Handler
	logger    *slog.Logger
	jwtSecret []byte
	tokenHash []byte
	limiter   *middleware.IPRateLimiter
	authLimit *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. The
// configured access token is kept only as a bcrypt hash.
func NewServer(cfg Config, calls CallsProvider, cdrs CDRLister, pl pipeline.Pipeline, metrics http.Handler, logger *slog.Logger) (*Server, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("api access token not configured")
	}
	if len(cfg.JWTSecret) < 16 {
		return nil, fmt.Errorf("jwt secret must be at least 16 bytes")
	}
	tokenHash, err := bcrypt.GenerateFromPassword([]byte(cfg.AccessToken), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing access token: %w", err)
	}

	s := &Server{
		router:    chi.NewRouter(),
		calls:     calls,
		cdrs:      cdrs,
		pipeline:  pl,
		metrics:   metrics,
		logger:    logger.With("subsystem", "api"),
		jwtSecret: cfg.JWTSecret,
		tokenHash: tokenHash,
		limiter:   middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		authLimit: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the background rate limiter goroutines.
func (s *Server) Close() {
	s.limiter.Stop()
	s.authLimit.Stop()
}

// checkAccessToken compares a presented token against the stored hash.
func (s *Server) checkAccessToken(token string) bool {
	return bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) == nil
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RateLimit(s.limiter))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)

		r.With(middleware.RateLimit(s.authLimit)).
			Post("/auth/token", s.handleToken)

		// The assist websocket authenticates in-band, the way its
		// clients expect.
		r.Get("/assist", s.handleAssist)

		// Protected routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.jwtSecret))
			r.Get("/calls", s.handleCalls)
			r.Get("/cdrs", s.handleCDRs)
		})
	})
}
