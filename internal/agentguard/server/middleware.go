package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kurogane-sec/agentguard/common/redact"
	"github.com/kurogane-sec/agentguard/common/trace"
	"github.com/kurogane-sec/agentguard/internal/agentguard/audit"
)

// admission wraps every route under /v1/* except token minting:
// authenticate, rate-limit, then bind the principal and a trace id
// into the request context for downstream handlers and the audit logger.
func (s *Server) admission(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := audit.NewTraceID()
		ctx := trace.WithTraceID(r.Context(), traceID)

		principal, ok, reason := s.authn.Authenticate(r)
		if !ok {
			if err := s.auditLog.Write(audit.Entry{
				Action:    "auth_deny",
				Principal: "unknown",
				TraceID:   traceID,
				Fields:    map[string]any{"path": r.URL.Path, "reason": string(reason)},
			}); err != nil {
				// Not recovered: surfaces to the top-level error hook.
				panic(fmt.Errorf("audit write failed: %w", err))
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if !s.limiter.Allow(principal, time.Now()) {
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		ctx = trace.WithPrincipal(ctx, principal)
		next(w, r.WithContext(ctx))
	}
}

// recoverMiddleware is the top-level error hook: any panic escaping a
// handler — including an audit-write failure deliberately left unrecovered
// below it — is caught, logged as request_error, and answered with the
// stable 502 upstream_failure envelope rather than a raw 500.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				msg := redact.String(fmt.Sprint(rec))
				slog.Error("request_error", "path", r.URL.Path, "code", "panic", "detail", msg)
				if err := s.auditLog.Write(audit.Entry{
					Action:    "request_error",
					Principal: trace.PrincipalFromContext(r.Context()),
					TraceID:   trace.FromContext(r.Context()),
					Fields:    map[string]any{"path": r.URL.Path, "code": "panic"},
				}); err != nil {
					// The hook's own audit write failing is terminal: there
					// is no further hook to surface it to. It is reported on
					// stderr, and the 502 below already is the failure
					// envelope, so continuing masks nothing.
					slog.Error("request_error audit write failed", "path", r.URL.Path, "err", err)
				}
				writeError(w, http.StatusBadGateway, "upstream_failure")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
