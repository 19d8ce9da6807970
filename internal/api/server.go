// Package api serves the OpenAI-compatible completion endpoint and the
// session management API over plain net/http.
package api

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catwiki/catchat/internal/log"
)

// ServerConfig wires the HTTP server.
type ServerConfig struct {
	Logger    log.Logger
	Responder Responder        // required
	Directory SessionDirectory // required
	Historian Historian        // required
	Pool      *pgxpool.Pool    // optional, enables database readiness checks

	CORSOrigins []string
	TrustProxy  bool
	RateBurst   int // 0 = default 60
}

// Server is the assembled HTTP handler.
type Server struct {
	mux *http.ServeMux
}

// NewServer builds the route table and middleware stack.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Responder == nil {
		return nil, errors.New("responder is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("session directory is required")
	}
	if cfg.Historian == nil {
		return nil, errors.New("historian is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	ch := &chatHandler{responder: cfg.Responder, logger: logger}
	sh := &sessionHandler{directory: cfg.Directory, historian: cfg.Historian, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", ch.completions)
	mux.HandleFunc("GET /api/v1/sessions", sh.list)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sh.get)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", sh.messages)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sh.remove)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Outermost first: Recovery → RequestID → Logging → CORS → RateLimit.
	// RequestID precedes Logging so the id shows up in access logs; CORS
	// precedes RateLimit so rejected preflights still carry CORS headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.HandleFunc("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
