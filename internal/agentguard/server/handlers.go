package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kurogane-sec/agentguard/common/trace"
	"github.com/kurogane-sec/agentguard/common/version"
	"github.com/kurogane-sec/agentguard/internal/agentguard/audit"
	"github.com/kurogane-sec/agentguard/internal/agentguard/content"
	"github.com/kurogane-sec/agentguard/internal/agentguard/policy"
	"github.com/kurogane-sec/agentguard/internal/agentguard/provider"
)

// handleHealthz is unauthenticated: a process supervisor must be able to
// probe liveness without holding a credential.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type statusResponse struct {
	Status            string  `json:"status"`
	Version           string  `json:"version"`
	Commit            string  `json:"commit"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
	ReplayMarkerCount int     `json:"replayMarkerCount"`
	SendHourCount     int     `json:"sendHourCount"`
	SendDayCount      int     `json:"sendDayCount"`
	CalendarHourCount int     `json:"calendarMutationHourCount"`
	CalendarDayCount  int     `json:"calendarMutationDayCount"`
}

// handleStatus is the operational-visibility endpoint: it requires a
// credential (routed through admission) but exposes no content, only
// counters a caller could otherwise only infer by exhausting a quota.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:        "ok",
		Version:       version.Version,
		Commit:        version.GitCommit,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
	if n, err := s.replayStore.Count(); err == nil {
		resp.ReplayMarkerCount = n
	}
	now := time.Now()
	if rec, err := s.sendQuota.Snapshot(now); err == nil {
		resp.SendHourCount = rec.HourCount
		resp.SendDayCount = rec.DayCount
	}
	if rec, err := s.calendarQuota.Snapshot(now); err == nil {
		resp.CalendarHourCount = rec.HourCount
		resp.CalendarDayCount = rec.DayCount
	}
	writeJSON(w, http.StatusOK, resp)
}

type issueTokenRequest struct {
	Sub string `json:"sub"`
}

type issueTokenResponse struct {
	Token      string `json:"token"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// handleIssueToken is the only /v1/* route admission does not wrap: it accepts
// the API key alone and must not accept a bearer token,
// otherwise a token could mint its own successors indefinitely.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if !s.authn.VerifyAPIKey(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req issueTokenRequest
	if !decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req) {
		return
	}
	if req.Sub == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	token, ttl, err := s.authn.IssueToken(req.Sub)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	writeJSON(w, http.StatusOK, issueTokenResponse{Token: token, TTLSeconds: ttl})
}

type emailUnreadResponse struct {
	Days         int               `json:"days"`
	ContextMode  string            `json:"contextMode"`
	Count        int               `json:"count"`
	Items        []content.Email   `json:"items"`
	Warnings     []content.Warning `json:"warnings,omitempty"`
	BlockedCount int               `json:"blockedCount"`
}

// handleEmailUnread implements GET /v1/email/unread.
func (s *Server) handleEmailUnread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	days := policy.ClampDays(r.URL.Query().Get("days"), s.cfg.Email.MaxRecentDays)
	contextMode := s.cfg.Email.ThreadContextMode
	switch q := r.URL.Query().Get("contextMode"); q {
	case "full_thread", "latest_only":
		contextMode = q
	}

	emails, err := s.provider.FetchUnreadEmails(ctx, s.cfg.GmailAccountID, days)
	if err != nil {
		s.handleProviderError(w, r, "email_unread", err)
		return
	}
	for i := range emails {
		content.ApplyContextMode(&emails[i], contextMode)
	}
	kept, warnings, blocked := content.ApplyAuthHandling(emails, s.cfg.Email.AuthHandlingMode)

	s.audit(r, "email_unread", map[string]any{
		"days":             days,
		"contextMode":      contextMode,
		"authHandlingMode": s.cfg.Email.AuthHandlingMode,
		"count":            len(kept),
		"blockedCount":     blocked,
	})
	writeJSON(w, http.StatusOK, emailUnreadResponse{
		Days:         days,
		ContextMode:  contextMode,
		Count:        len(kept),
		Items:        kept,
		Warnings:     warnings,
		BlockedCount: blocked,
	})
}

type calendarEventsResponse struct {
	Events []content.ProjectedEvent `json:"events"`
	Start  time.Time                `json:"start"`
	End    time.Time                `json:"end"`
}

// handleCalendarEvents implements GET /v1/calendar/events.
func (s *Server) handleCalendarEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	rng := policy.ClampCalendarRange(
		q.Get("start"), q.Get("end"), time.Now(),
		s.cfg.CalendarRead.MaxPastDays, s.cfg.CalendarRead.MaxFutureDays,
		s.cfg.CalendarRead.DefaultThisWeek,
	)
	calendarIDs := policy.ResolveCalendarIDs(q.Get("calendars"), s.cfg.AllowedCalendarIDs)

	raw, err := s.provider.FetchCalendarEvents(ctx, calendarIDs, rng.Start, rng.End)
	if err != nil {
		s.handleProviderError(w, r, "calendar_events", err)
		return
	}

	flags := content.FieldFlags{
		AllowLocation:       s.cfg.CalendarRead.AllowLocation,
		AllowMeetingURLs:    s.cfg.CalendarRead.AllowMeetingURLs,
		AllowAttendeeEmails: s.cfg.CalendarRead.AllowAttendeeEmails,
	}
	events := make([]content.ProjectedEvent, 0, len(raw))
	for _, ev := range raw {
		events = append(events, content.ProjectCalendarEvent(ev, flags))
	}

	s.audit(r, "calendar_events", map[string]any{
		"calendars":           calendarIDs,
		"start":               rng.Start,
		"end":                 rng.End,
		"count":               len(events),
		"allowLocation":       flags.AllowLocation,
		"allowMeetingUrls":    flags.AllowMeetingURLs,
		"allowAttendeeEmails": flags.AllowAttendeeEmails,
	})
	writeJSON(w, http.StatusOK, calendarEventsResponse{Events: events, Start: rng.Start, End: rng.End})
}

type createCalendarEventRequest struct {
	CalendarID string    `json:"calendarId"`
	Summary    string    `json:"summary"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Location   string    `json:"location"`
	Attendees  []string  `json:"attendees"`
}

type createCalendarEventResponse struct {
	EventID string `json:"eventId"`
}

// handleCalendarCreate implements POST /v1/calendar/events.
func (s *Server) handleCalendarCreate(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.CalendarWrite.Enabled {
		writeError(w, http.StatusForbidden, "calendar_write_disabled")
		return
	}
	var req createCalendarEventRequest
	if !decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req) {
		return
	}
	if req.CalendarID == "" || req.Summary == "" || req.Start.IsZero() || req.End.IsZero() {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if !policy.ResolveWriteCalendarID(req.CalendarID, s.cfg.CalendarWrite.AllowedCalendarIDs, s.cfg.AllowedCalendarIDs) {
		writeError(w, http.StatusForbidden, "calendar_not_allowed")
		return
	}

	attendees := req.Attendees
	if !s.cfg.CalendarWrite.AllowAttendees {
		attendees = nil
	}

	result, err := s.calendarQuota.Consume(time.Now(), s.cfg.CalendarWrite.MaxEventsPerHour, s.cfg.CalendarWrite.MaxEventsPerDay)
	if err != nil {
		s.handleProviderError(w, r, "calendar_create", err)
		return
	}
	if !result.OK {
		writeError(w, http.StatusTooManyRequests, string(result.Reason))
		return
	}

	eventID, err := s.provider.CreateCalendarEvent(r.Context(), provider.CreateCalendarEventRequest{
		CalendarID:  req.CalendarID,
		Summary:     req.Summary,
		Start:       req.Start,
		End:         req.End,
		Location:    req.Location,
		Attendees:   attendees,
		SendUpdates: s.cfg.CalendarWrite.SendUpdates,
	}, time.Now())
	if err != nil {
		s.handleProviderError(w, r, "calendar_create", err)
		return
	}

	s.audit(r, "calendar_create", map[string]any{
		"calendarId": req.CalendarID,
		"eventId":    eventID,
	})
	writeJSON(w, http.StatusOK, createCalendarEventResponse{EventID: eventID})
}

type updateCalendarEventRequest struct {
	CalendarID   string     `json:"calendarId"`
	Summary      string     `json:"summary"`
	Start        *time.Time `json:"start"`
	End          *time.Time `json:"end"`
	AddAttendees []string   `json:"addAttendees"`
}

// handleCalendarUpdate implements PATCH /v1/calendar/events/{id}.
func (s *Server) handleCalendarUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.CalendarWrite.Enabled {
		writeError(w, http.StatusForbidden, "calendar_write_disabled")
		return
	}
	eventID := r.PathValue("id")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	var req updateCalendarEventRequest
	if !decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req) {
		return
	}
	if req.CalendarID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if !policy.ResolveWriteCalendarID(req.CalendarID, s.cfg.CalendarWrite.AllowedCalendarIDs, s.cfg.AllowedCalendarIDs) {
		writeError(w, http.StatusForbidden, "calendar_not_allowed")
		return
	}

	addAttendees := req.AddAttendees
	if !s.cfg.CalendarWrite.AllowAttendees {
		addAttendees = nil
	}

	result, err := s.calendarQuota.Consume(time.Now(), s.cfg.CalendarWrite.MaxEventsPerHour, s.cfg.CalendarWrite.MaxEventsPerDay)
	if err != nil {
		s.handleProviderError(w, r, "calendar_update", err)
		return
	}
	if !result.OK {
		writeError(w, http.StatusTooManyRequests, string(result.Reason))
		return
	}

	err = s.provider.UpdateCalendarEvent(r.Context(), provider.UpdateCalendarEventRequest{
		CalendarID:   req.CalendarID,
		EventID:      eventID,
		Summary:      req.Summary,
		Start:        req.Start,
		End:          req.End,
		AddAttendees: addAttendees,
		SendUpdates:  s.cfg.CalendarWrite.SendUpdates,
	})
	if err != nil {
		s.handleProviderError(w, r, "calendar_update", err)
		return
	}

	s.audit(r, "calendar_update", map[string]any{
		"calendarId": req.CalendarID,
		"eventId":    eventID,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sendEmailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendEmailResponse struct {
	MessageID string `json:"messageId"`
}

// handleEmailSend implements POST /v1/email/send: gated
// by reply-only mode and the recipient allowlist, always — even when
// allowReplyToAnyone is set, since that flag only scopes replies.
func (s *Server) handleEmailSend(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Outbound.ReplyOnlyDefault {
		writeError(w, http.StatusForbidden, "reply_only_mode")
		return
	}
	var req sendEmailRequest
	if !decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req) {
		return
	}
	if req.To == "" || req.Subject == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if !policy.AllowedRecipient(req.To, s.cfg.Outbound.RecipientAllowlist, s.cfg.Outbound.DomainAllowlist, s.cfg.Outbound.AllowAllRecipients) {
		writeError(w, http.StatusForbidden, "recipient_not_allowed")
		return
	}

	result, err := s.sendQuota.Consume(time.Now(), s.cfg.Outbound.MaxSendsPerHour, s.cfg.Outbound.MaxSendsPerDay)
	if err != nil {
		s.handleProviderError(w, r, "email_send", err)
		return
	}
	if !result.OK {
		writeError(w, http.StatusTooManyRequests, string(result.Reason))
		return
	}

	messageID, err := s.provider.SendEmail(r.Context(), req.To, req.Subject, req.Body, time.Now())
	if err != nil {
		s.handleProviderError(w, r, "email_send", err)
		return
	}

	s.audit(r, "email_send", map[string]any{"to": req.To})
	writeJSON(w, http.StatusOK, sendEmailResponse{MessageID: messageID})
}

type replyEmailRequest struct {
	ThreadID string `json:"threadId"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// handleEmailReply implements POST /v1/email/reply.
func (s *Server) handleEmailReply(w http.ResponseWriter, r *http.Request) {
	var req replyEmailRequest
	if !decodeJSONBody(w, r, s.cfg.MaxBodyBytes, &req) {
		return
	}
	if req.ThreadID == "" || req.To == "" || req.Subject == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if !s.cfg.Outbound.AllowReplyToAnyone {
		if !policy.AllowedRecipient(req.To, s.cfg.Outbound.RecipientAllowlist, s.cfg.Outbound.DomainAllowlist, s.cfg.Outbound.AllowAllRecipients) {
			writeError(w, http.StatusForbidden, "recipient_not_allowed")
			return
		}
	}

	result, err := s.sendQuota.Consume(time.Now(), s.cfg.Outbound.MaxSendsPerHour, s.cfg.Outbound.MaxSendsPerDay)
	if err != nil {
		s.handleProviderError(w, r, "email_reply", err)
		return
	}
	if !result.OK {
		writeError(w, http.StatusTooManyRequests, string(result.Reason))
		return
	}

	messageID, err := s.provider.ReplyEmail(r.Context(), req.ThreadID, req.To, req.Subject, req.Body, time.Now())
	if err != nil {
		s.handleProviderError(w, r, "email_reply", err)
		return
	}

	s.audit(r, "email_reply", map[string]any{"threadId": req.ThreadID, "to": req.To})
	writeJSON(w, http.StatusOK, sendEmailResponse{MessageID: messageID})
}

// handleNotFound is the deny-by-default catch-all: any path not
// explicitly registered is denied rather than silently routed.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "deny-by-default")
}

// handleProviderError folds a failed provider call into the stable
// upstream_failure envelope: the audit trail records that the path
// errored and, as code, which operation failed, never the provider's own
// output.
func (s *Server) handleProviderError(w http.ResponseWriter, r *http.Request, action string, err error) {
	s.audit(r, "request_error", map[string]any{"path": r.URL.Path, "code": action})
	writeError(w, http.StatusBadGateway, "upstream_failure")
}

// audit writes an entry using the trace id and principal bound to r's
// context by admission. A write failure is not recovered here: the panic
// surfaces to the top-level error hook, which answers 502 rather than
// pretending the action was recorded.
func (s *Server) audit(r *http.Request, action string, fields map[string]any) {
	entry := audit.Entry{
		Action:    action,
		Principal: trace.PrincipalFromContext(r.Context()),
		TraceID:   trace.FromContext(r.Context()),
		Fields:    fields,
	}
	if err := s.auditLog.Write(entry); err != nil {
		panic(fmt.Errorf("audit write failed: %w", err))
	}
}
