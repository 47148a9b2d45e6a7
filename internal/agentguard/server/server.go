// Package server implements the HTTP admission surface: a single mux
// routes every /v1/* endpoint except token minting through
// authentication, replay defense, and rate limiting before any handler
// touches the provider adapter; /healthz and token minting bypass that
// pipeline, and a deny-by-default catch-all answers anything else.
// Its lifecycle listens synchronously, serves in a goroutine, and shuts
// down cleanly on context cancellation.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kurogane-sec/agentguard/common/redact"
	"github.com/kurogane-sec/agentguard/internal/agentguard/audit"
	"github.com/kurogane-sec/agentguard/internal/agentguard/authn"
	"github.com/kurogane-sec/agentguard/internal/agentguard/config"
	"github.com/kurogane-sec/agentguard/internal/agentguard/provider"
	"github.com/kurogane-sec/agentguard/internal/agentguard/quota"
	"github.com/kurogane-sec/agentguard/internal/agentguard/ratelimit"
	"github.com/kurogane-sec/agentguard/internal/agentguard/replay"
)

// Server bundles every component the admission pipeline and route handlers
// need: configuration, the authenticator, the rate limiter, the replay
// store, both quota counters, the audit logger, and the provider adapter.
type Server struct {
	cfg           *config.Config
	authn         *authn.Authenticator
	limiter       *ratelimit.Limiter
	replayStore   *replay.Store
	sendQuota     *quota.Counter
	calendarQuota *quota.Counter
	auditLog      *audit.Logger
	provider      *provider.Adapter

	startedAt time.Time
	mux       *http.ServeMux
	server    *http.Server
}

// New constructs a Server and registers every route. It does not start
// listening; call Start for that. The configured secrets are registered
// with the redaction scrub here, before the first request can log or
// audit anything.
func New(cfg *config.Config, a *authn.Authenticator, limiter *ratelimit.Limiter, replayStore *replay.Store, sendQuota, calendarQuota *quota.Counter, auditLog *audit.Logger, providerAdapter *provider.Adapter) *Server {
	redact.Register(cfg.APIKey, cfg.SigningKeyCurrent, cfg.SigningKeyPrevious)
	s := &Server{
		cfg:           cfg,
		authn:         a,
		limiter:       limiter,
		replayStore:   replayStore,
		sendQuota:     sendQuota,
		calendarQuota: calendarQuota,
		auditLog:      auditLog,
		provider:      providerAdapter,
		startedAt:     time.Now(),
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// routes registers every endpoint, including the operational status
// route. /healthz and token issuance bypass admission by design;
// every /v1/* route below it is wrapped.
func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /v1/auth/token", s.handleIssueToken)

	s.mux.HandleFunc("GET /v1/status", s.admission(s.handleStatus))
	s.mux.HandleFunc("GET /v1/email/unread", s.admission(s.handleEmailUnread))
	s.mux.HandleFunc("POST /v1/email/send", s.admission(s.handleEmailSend))
	s.mux.HandleFunc("POST /v1/email/reply", s.admission(s.handleEmailReply))
	s.mux.HandleFunc("GET /v1/calendar/events", s.admission(s.handleCalendarEvents))
	s.mux.HandleFunc("POST /v1/calendar/events", s.admission(s.handleCalendarCreate))
	s.mux.HandleFunc("PATCH /v1/calendar/events/{id}", s.admission(s.handleCalendarUpdate))

	s.mux.HandleFunc("/", s.handleNotFound)
}

// ServeHTTP implements http.Handler so the server can be exercised with
// httptest.NewRecorder without a live listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.recoverMiddleware(s.mux).ServeHTTP(w, r)
}

// Start begins listening in the background, returning only once the
// listener is bound so the caller knows the port is open.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.BindAddr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
}
