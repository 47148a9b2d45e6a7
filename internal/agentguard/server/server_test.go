package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kurogane-sec/agentguard/internal/agentguard/audit"
	"github.com/kurogane-sec/agentguard/internal/agentguard/authn"
	"github.com/kurogane-sec/agentguard/internal/agentguard/config"
	"github.com/kurogane-sec/agentguard/internal/agentguard/provider"
	"github.com/kurogane-sec/agentguard/internal/agentguard/quota"
	"github.com/kurogane-sec/agentguard/internal/agentguard/ratelimit"
	"github.com/kurogane-sec/agentguard/internal/agentguard/replay"
	"github.com/kurogane-sec/agentguard/internal/agentguard/server"
)

// writeProviderScript stands up a fake provider CLI that always
// echoes the fixed script body regardless of its argv, so handler tests can
// pin exact upstream content without a real Gmail/Calendar connection.
func writeProviderScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-provider.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write fake provider: %v", err)
	}
	return path
}

const twoMessagesScript = `#!/bin/sh
echo '{"messages":[{"id":"1","threadId":"t1","subject":"hello","snippet":"normal","body":"full body"},{"id":"2","threadId":"t2","subject":"OTP 999999","snippet":"login code 999999","body":"code 999999"}]}'
`

// failingScript exits non-zero, standing in for a provider invocation that
// fails: its stderr must never reach an HTTP client.
const failingScript = `#!/bin/sh
echo "leaked-secret-detail" 1>&2
exit 1
`

func testConfig(t *testing.T, mutate func(*config.Config)) *config.Config {
	t.Helper()
	dataDir := t.TempDir()
	cfg := &config.Config{
		BindAddr:             "127.0.0.1:0",
		MaxBodyBytes:         1 << 20,
		MaxRequestsPerMinute: 1000,
		APIKey:               "k123",
		SigningKeyCurrent:    "sk-current",
		TokenTTLSeconds:      900,
		GmailAccountID:       "agent@example.com",
		AllowedCalendarIDs:   []string{"primary"},
		Email: config.EmailPolicy{
			MaxRecentDays:     2,
			AuthHandlingMode:  "block",
			ThreadContextMode: "full_thread",
		},
		CalendarRead: config.CalendarReadPolicy{
			MaxPastDays:   7,
			MaxFutureDays: 30,
		},
		CalendarWrite: config.CalendarWritePolicy{
			SendUpdates: "none",
		},
		Outbound: config.OutboundPolicy{
			ReplyOnlyDefault: true,
		},
		Paths: config.ResolvePaths(dataDir),
	}
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, providerScript string) *server.Server {
	t.Helper()

	replayStore, err := replay.New(cfg.Paths.ReplayDir)
	if err != nil {
		t.Fatalf("replay store: %v", err)
	}
	auditLog, err := audit.Open(cfg.Paths.AuditPath)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	authenticator := authn.New(cfg.APIKey, cfg.SigningKeyCurrent, cfg.SigningKeyPrevious, time.Duration(cfg.TokenTTLSeconds)*time.Second, replayStore)
	limiter := ratelimit.New(cfg.MaxRequestsPerMinute)
	sendQuota := quota.New(cfg.Paths.SendCounterPath)
	calendarQuota := quota.New(cfg.Paths.CalendarCounterPath)

	if providerScript == "" {
		providerScript = writeProviderScript(t, "#!/bin/sh\necho '[]'\n")
	}
	providerAdapter := provider.New(providerScript, 5*time.Second)

	return server.New(cfg, authenticator, limiter, replayStore, sendQuota, calendarQuota, auditLog, providerAdapter)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
	return out
}

func mintToken(t *testing.T, srv http.Handler, apiKey, sub string) string {
	t.Helper()
	body := strings.NewReader(`{"sub":"` + sub + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/token", body)
	req.Header.Set("x-api-key", apiKey)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("mint token: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)
	return resp["token"].(string)
}

// Scenario 1: auth required.
func TestScenario_AuthRequired(t *testing.T) {
	cfg := testConfig(t, nil)
	srv := newTestServer(t, cfg, "")

	req := httptest.NewRequest(http.MethodGet, "/v1/email/unread", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "unauthorized" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

// Scenario 2: replay.
func TestScenario_TokenReplayRejectedOnSecondUse(t *testing.T) {
	cfg := testConfig(t, nil)
	srv := newTestServer(t, cfg, "")

	token := mintToken(t, srv, "k123", "agent-1")

	req1 := httptest.NewRequest(http.MethodGet, "/v1/calendar/events", nil)
	req1.Header.Set("Authorization", "Bearer "+token)
	rec1 := httptest.NewRecorder()
	srv.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first use: expected 200, got %d: %s", rec1.Code, rec1.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/v1/calendar/events", nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", rec2.Code)
	}
	if decodeBody(t, rec2)["error"] != "unauthorized" {
		t.Errorf("unexpected body: %s", rec2.Body.String())
	}
}

// Scenario 3: sensitivity block.
func TestScenario_SensitivityBlock(t *testing.T) {
	script := writeProviderScript(t, twoMessagesScript)
	cfg := testConfig(t, func(c *config.Config) {
		c.Email.AuthHandlingMode = "block"
		c.Email.MaxRecentDays = 2
		c.Email.ThreadContextMode = "full_thread"
	})
	srv := newTestServer(t, cfg, script)

	req := httptest.NewRequest(http.MethodGet, "/v1/email/unread?days=10", nil)
	req.Header.Set("x-api-key", "k123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Days  int `json:"days"`
		Count int `json:"count"`
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
		BlockedCount int `json:"blockedCount"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Days != 2 {
		t.Errorf("expected days clamped to 2, got %d", resp.Days)
	}
	if resp.Count != 1 {
		t.Errorf("expected count=1, got %d", resp.Count)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "1" {
		t.Fatalf("expected only id 1 to survive block mode, got %+v", resp.Items)
	}
	if resp.BlockedCount != 1 {
		t.Errorf("expected blockedCount=1, got %d", resp.BlockedCount)
	}
}

// Scenario 4: outbound denial.
func TestScenario_OutboundDenial(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.Outbound.ReplyOnlyDefault = true
		c.Outbound.RecipientAllowlist = []string{"ok@example.com"}
		c.Outbound.AllowReplyToAnyone = false
	})
	srv := newTestServer(t, cfg, "")

	sendReq := httptest.NewRequest(http.MethodPost, "/v1/email/send", strings.NewReader(`{"to":"ok@example.com","subject":"s","body":"b"}`))
	sendReq.Header.Set("x-api-key", "k123")
	sendRec := httptest.NewRecorder()
	srv.ServeHTTP(sendRec, sendReq)
	if sendRec.Code != http.StatusForbidden {
		t.Fatalf("send: expected 403, got %d: %s", sendRec.Code, sendRec.Body.String())
	}
	if decodeBody(t, sendRec)["error"] != "reply_only_mode" {
		t.Errorf("unexpected body: %s", sendRec.Body.String())
	}

	replyReq := httptest.NewRequest(http.MethodPost, "/v1/email/reply", strings.NewReader(`{"threadId":"t1","to":"bad@example.com","subject":"s","body":"b"}`))
	replyReq.Header.Set("x-api-key", "k123")
	replyRec := httptest.NewRecorder()
	srv.ServeHTTP(replyRec, replyReq)
	if replyRec.Code != http.StatusForbidden {
		t.Fatalf("reply: expected 403, got %d: %s", replyRec.Code, replyRec.Body.String())
	}
	if decodeBody(t, replyRec)["error"] != "recipient_not_allowed" {
		t.Errorf("unexpected body: %s", replyRec.Body.String())
	}
}

// Scenario 5: calendar write rate limit.
func TestScenario_CalendarWriteHourLimit(t *testing.T) {
	script := writeProviderScript(t, "#!/bin/sh\necho 'evt-1'\n")
	cfg := testConfig(t, func(c *config.Config) {
		c.CalendarWrite.Enabled = true
		c.CalendarWrite.MaxEventsPerHour = 2
		c.CalendarWrite.MaxEventsPerDay = 100
		c.CalendarWrite.AllowedCalendarIDs = []string{"primary"}
	})
	srv := newTestServer(t, cfg, script)

	body := `{"calendarId":"primary","summary":"Standup","start":"2026-01-01T10:00:00Z","end":"2026-01-01T10:30:00Z"}`
	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/calendar/events", strings.NewReader(body))
		req.Header.Set("x-api-key", "k123")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			if decodeBody(t, rec)["error"] != "hour_limit_exceeded" {
				t.Errorf("unexpected 429 body: %s", rec.Body.String())
			}
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected [200 200 429], got %v", codes)
	}
}

// Scenario 6: calendar privacy field gating.
func TestScenario_CalendarPrivacyFieldGating(t *testing.T) {
	script := writeProviderScript(t, `#!/bin/sh
echo '{"items":[{"id":"e1","summary":"Standup","start":"2026-01-01T10:00:00Z","end":"2026-01-01T10:30:00Z","location":"123 Main St","hangoutLink":"https://meet.google.com/abc","attendees":[{"email":"alice@example.com","self":true,"responseStatus":"accepted"}]}]}'
`)
	cfg := testConfig(t, func(c *config.Config) {
		c.CalendarRead.AllowLocation = false
		c.CalendarRead.AllowMeetingURLs = false
		c.CalendarRead.AllowAttendeeEmails = true
	})
	srv := newTestServer(t, cfg, script)

	req := httptest.NewRequest(http.MethodGet, "/v1/calendar/events", nil)
	req.Header.Set("x-api-key", "k123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(resp.Events))
	}
	ev := resp.Events[0]
	if _, present := ev["location"]; present {
		t.Error("location must be absent when allowLocation is false")
	}
	if _, present := ev["hangoutLink"]; present {
		t.Error("hangoutLink must be absent when allowMeetingUrls is false")
	}
	attendees, ok := ev["attendees"].([]any)
	if !ok || len(attendees) != 1 {
		t.Fatalf("expected 1 attendee, got %v", ev["attendees"])
	}
	first := attendees[0].(map[string]any)
	if first["email"] != "alice@example.com" {
		t.Errorf("expected attendee email alice@example.com, got %v", first["email"])
	}
}

func TestUnknownRoute_DenyByDefault(t *testing.T) {
	cfg := testConfig(t, nil)
	srv := newTestServer(t, cfg, "")

	req := httptest.NewRequest(http.MethodGet, "/v1/not-a-real-route", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "deny-by-default" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestMalformedJSONBody_Returns400(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) { c.Outbound.ReplyOnlyDefault = false })
	srv := newTestServer(t, cfg, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/email/send", strings.NewReader(`{not valid json`))
	req.Header.Set("x-api-key", "k123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "invalid_json" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestOversizeBody_Returns413(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.Outbound.ReplyOnlyDefault = false
		c.MaxBodyBytes = 16
	})
	srv := newTestServer(t, cfg, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/email/send", strings.NewReader(`{"to":"ok@example.com","subject":"a very long subject that exceeds the cap","body":"b"}`))
	req.Header.Set("x-api-key", "k123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["error"] != "payload_too_large" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

// Provider failures must never leak upstream stderr content and must
// yield the stable 502 upstream_failure envelope.
func TestProviderFailure_Returns502WithoutLeakingDetail(t *testing.T) {
	script := writeProviderScript(t, failingScript)
	cfg := testConfig(t, nil)
	srv := newTestServer(t, cfg, script)

	req := httptest.NewRequest(http.MethodGet, "/v1/email/unread", nil)
	req.Header.Set("x-api-key", "k123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["error"] != "upstream_failure" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "leaked-secret-detail") {
		t.Fatal("provider stderr detail leaked into response")
	}
}

func TestCalendarWriteDisabled_Returns403(t *testing.T) {
	cfg := testConfig(t, nil) // CalendarWrite.Enabled defaults false
	srv := newTestServer(t, cfg, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/calendar/events", strings.NewReader(`{"calendarId":"primary","summary":"s","start":"2026-01-01T10:00:00Z","end":"2026-01-01T10:30:00Z"}`))
	req.Header.Set("x-api-key", "k123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "calendar_write_disabled" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	cfg := testConfig(t, nil)
	srv := newTestServer(t, cfg, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decodeBody(t, rec)["ok"] != true {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

// An audit write failure is not recovered at the call site: it surfaces
// to the top-level error hook and the request fails with the stable 502
// envelope instead of pretending the action was recorded.
func TestAuditWriteFailure_SurfacesAsUpstreamFailure(t *testing.T) {
	cfg := testConfig(t, nil)

	replayStore, err := replay.New(cfg.Paths.ReplayDir)
	if err != nil {
		t.Fatalf("replay store: %v", err)
	}
	auditLog, err := audit.Open(cfg.Paths.AuditPath)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	authenticator := authn.New(cfg.APIKey, cfg.SigningKeyCurrent, cfg.SigningKeyPrevious, time.Duration(cfg.TokenTTLSeconds)*time.Second, replayStore)
	limiter := ratelimit.New(cfg.MaxRequestsPerMinute)
	sendQuota := quota.New(cfg.Paths.SendCounterPath)
	calendarQuota := quota.New(cfg.Paths.CalendarCounterPath)
	script := writeProviderScript(t, "#!/bin/sh\necho '[]'\n")
	srv := server.New(cfg, authenticator, limiter, replayStore, sendQuota, calendarQuota, auditLog, provider.New(script, 5*time.Second))

	// Every subsequent audit write fails.
	auditLog.Close()

	req := httptest.NewRequest(http.MethodGet, "/v1/email/unread", nil)
	req.Header.Set("x-api-key", "k123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when the audit trail is unwritable, got %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["error"] != "upstream_failure" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestIssueToken_BearerCannotMintToken(t *testing.T) {
	cfg := testConfig(t, nil)
	srv := newTestServer(t, cfg, "")
	token := mintToken(t, srv, "k123", "agent-1")

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/token", strings.NewReader(`{"sub":"agent-2"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 minting with a bearer token, got %d", rec.Code)
	}
}
