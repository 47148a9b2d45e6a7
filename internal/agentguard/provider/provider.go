// Package provider adapts the external, already-authenticated CLI tool
// that performs the actual Gmail/Calendar API calls. The
// adapter treats that tool as an opaque, capability-gated subprocess:
// invoked with explicit argv, its stdout defensively parsed, and its
// failures contained so raw stderr never reaches an HTTP client.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kurogane-sec/agentguard/internal/agentguard/content"
)

// Adapter invokes the configured provider CLI and parses its output.
type Adapter struct {
	command string
	timeout time.Duration
}

// New returns an Adapter that runs command as a subprocess for each
// provider operation, bounded by timeout.
func New(command string, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{command: command, timeout: timeout}
}

// Error wraps a failed invocation. Message carries the trimmed stderr for
// logging (the slog handler scrubs registered secrets from it on the way
// out); it must never be forwarded to an HTTP client verbatim.
type Error struct {
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// run executes the adapter's command with args and returns stdout. stderr
// is captured into the wrapped Error and stays out of HTTP responses.
func (a *Adapter) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		return nil, &Error{Op: op, Message: msg, Err: err}
	}
	return stdout.Bytes(), nil
}

// FetchUnreadEmails invokes the provider for unread messages in the given
// account within the last `days` days.
func (a *Adapter) FetchUnreadEmails(ctx context.Context, accountID string, days int) ([]content.Email, error) {
	out, err := a.run(ctx, "email_unread",
		"email", "unread",
		"--account", accountID,
		"--days", strconv.Itoa(days),
	)
	if err != nil {
		return nil, err
	}
	items, err := parseItems(out)
	if err != nil {
		return nil, &Error{Op: "email_unread", Message: "malformed provider output", Err: err}
	}

	emails := make([]content.Email, 0, len(items))
	for _, item := range items {
		id, ok := stringField(item, "id")
		if !ok {
			// Defensive: never fabricate an item from output that lacks
			// the expected identifying field.
			continue
		}
		emails = append(emails, content.Email{
			ID:           id,
			ThreadID:     stringOrEmpty(item, "threadId"),
			From:         stringOrEmpty(item, "from"),
			To:           stringOrEmpty(item, "to"),
			Subject:      stringOrEmpty(item, "subject"),
			Snippet:      stringOrEmpty(item, "snippet"),
			Body:         stringOrEmpty(item, "body"),
			InternalDate: stringOrEmpty(item, "internalDate"),
		})
	}
	return emails, nil
}

// FetchCalendarEvents invokes the provider once per calendar id and
// returns the combined event list. Order of the merged result is
// unspecified.
func (a *Adapter) FetchCalendarEvents(ctx context.Context, calendarIDs []string, start, end time.Time) ([]content.CalendarEvent, error) {
	var all []content.CalendarEvent
	for _, calID := range calendarIDs {
		out, err := a.run(ctx, "calendar_events",
			"calendar", "list",
			"--calendar", calID,
			"--start", start.Format(time.RFC3339),
			"--end", end.Format(time.RFC3339),
		)
		if err != nil {
			return nil, err
		}
		items, err := parseItems(out)
		if err != nil {
			return nil, &Error{Op: "calendar_events", Message: "malformed provider output", Err: err}
		}
		for _, item := range items {
			id, ok := stringField(item, "id")
			if !ok {
				continue
			}
			all = append(all, content.CalendarEvent{
				ID:          id,
				Summary:     stringOrEmpty(item, "summary"),
				Start:       parseTimeField(item, "start"),
				End:         parseTimeField(item, "end"),
				Location:    stringOrEmpty(item, "location"),
				HangoutLink: stringOrEmpty(item, "hangoutLink"),
				Attendees:   parseAttendees(item["attendees"]),
			})
		}
	}
	return all, nil
}

// CreateCalendarEventRequest carries the fields needed to create an
// event; Attendees is already filtered by the caller per the
// allowAttendees policy flag — dropped before the provider call, never
// rejected.
type CreateCalendarEventRequest struct {
	CalendarID  string
	Summary     string
	Start       time.Time
	End         time.Time
	Location    string
	Attendees   []string
	SendUpdates string
}

// CreateCalendarEvent invokes the provider to create an event and returns
// the new event id (trimmed stdout, or a fallback identifier if the
// provider printed nothing).
func (a *Adapter) CreateCalendarEvent(ctx context.Context, req CreateCalendarEventRequest, now time.Time) (string, error) {
	args := []string{
		"calendar", "create",
		"--calendar", req.CalendarID,
		"--summary", req.Summary,
		"--start", req.Start.Format(time.RFC3339),
		"--end", req.End.Format(time.RFC3339),
		"--send-updates", req.SendUpdates,
	}
	if req.Location != "" {
		args = append(args, "--location", req.Location)
	}
	for _, attendee := range req.Attendees {
		args = append(args, "--attendee", attendee)
	}

	out, err := a.run(ctx, "calendar_create", args...)
	if err != nil {
		return "", err
	}
	return identifierOrFallback(out, "calendar-create", now), nil
}

// UpdateCalendarEventRequest carries the optional fields for an update;
// empty string / nil means "leave unchanged."
type UpdateCalendarEventRequest struct {
	CalendarID   string
	EventID      string
	Summary      string
	Start        *time.Time
	End          *time.Time
	AddAttendees []string
	SendUpdates  string
}

// UpdateCalendarEvent invokes the provider to update an existing event.
func (a *Adapter) UpdateCalendarEvent(ctx context.Context, req UpdateCalendarEventRequest) error {
	args := []string{
		"calendar", "update",
		"--calendar", req.CalendarID,
		"--event-id", req.EventID,
		"--send-updates", req.SendUpdates,
	}
	if req.Summary != "" {
		args = append(args, "--summary", req.Summary)
	}
	if req.Start != nil {
		args = append(args, "--start", req.Start.Format(time.RFC3339))
	}
	if req.End != nil {
		args = append(args, "--end", req.End.Format(time.RFC3339))
	}
	for _, attendee := range req.AddAttendees {
		args = append(args, "--add-attendee", attendee)
	}

	_, err := a.run(ctx, "calendar_update", args...)
	return err
}

// SendEmail invokes the provider to send a new message.
func (a *Adapter) SendEmail(ctx context.Context, to, subject, body string, now time.Time) (string, error) {
	out, err := a.run(ctx, "email_send",
		"email", "send",
		"--to", to,
		"--subject", subject,
		"--body", body,
	)
	if err != nil {
		return "", err
	}
	return identifierOrFallback(out, "email-send", now), nil
}

// ReplyEmail invokes the provider to reply within an existing thread.
func (a *Adapter) ReplyEmail(ctx context.Context, threadID, to, subject, body string, now time.Time) (string, error) {
	out, err := a.run(ctx, "email_reply",
		"email", "reply",
		"--thread-id", threadID,
		"--to", to,
		"--subject", subject,
		"--body", body,
	)
	if err != nil {
		return "", err
	}
	return identifierOrFallback(out, "email-reply", now), nil
}

// parseItems defensively parses a read-call's stdout into a list of
// generic objects. Three shapes are accepted: a bare JSON
// array, {"messages":[...]}, or {"items":[...]}. Anything else — bare
// text, an object without either wrapper key — yields an empty list
// rather than a fabricated item; synthesizing structured data out of
// unparseable text is exactly the failure mode this guards against.
func parseItems(raw []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var asArray []map[string]any
	if err := json.Unmarshal(trimmed, &asArray); err == nil {
		return asArray, nil
	}

	var wrapped map[string]any
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		// Not JSON at all: treated as empty, never fabricated.
		return nil, nil
	}
	for _, key := range []string{"messages", "items"} {
		if list, ok := wrapped[key].([]any); ok {
			out := make([]map[string]any, 0, len(list))
			for _, v := range list {
				if m, ok := v.(map[string]any); ok {
					out = append(out, m)
				}
			}
			return out, nil
		}
	}
	return nil, nil
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func stringOrEmpty(m map[string]any, key string) string {
	s, _ := stringField(m, key)
	return s
}

func parseTimeField(m map[string]any, key string) time.Time {
	s, ok := stringField(m, key)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseAttendees(raw any) []content.Attendee {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	attendees := make([]content.Attendee, 0, len(list))
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		email, ok := stringField(m, "email")
		if !ok {
			continue
		}
		self, _ := m["self"].(bool)
		attendees = append(attendees, content.Attendee{
			Email:          email,
			DisplayName:    stringOrEmpty(m, "displayName"),
			Self:           self,
			ResponseStatus: stringOrEmpty(m, "responseStatus"),
		})
	}
	return attendees
}

// identifierOrFallback trims the write-call's stdout for use as the
// created/updated identifier, or synthesizes "<kind>-<epochMs>" if the
// provider printed nothing.
func identifierOrFallback(out []byte, kind string, now time.Time) string {
	trimmed := strings.TrimSpace(string(out))
	if trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("%s-%d", kind, now.UnixMilli())
}
