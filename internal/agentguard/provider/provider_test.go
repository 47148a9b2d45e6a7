package provider_test

import (
	"context"
	"testing"
	"time"

	"github.com/kurogane-sec/agentguard/internal/agentguard/provider"
)

// unreadScript is a tiny shell script standing in for the real provider
// CLI: it ignores its argv and prints a fixed {"messages":[...]} document
// with ids "1" and "2", so the test can assert on content without a real
// Gmail/Calendar connection.
const unreadScript = `#!/bin/sh
echo '{"messages":[{"id":"1","threadId":"t1","subject":"hello","snippet":"normal","body":"full body"},{"id":"2","threadId":"t2","subject":"OTP 999999","snippet":"login code 999999","body":"code 999999"}]}'
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := t.TempDir() + "/fake-provider.sh"
	if err := writeExecutable(path, body); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestFetchUnreadEmails_ParsesMessagesWrapper(t *testing.T) {
	script := writeScript(t, unreadScript)
	a := provider.New(script, 5*time.Second)

	emails, err := a.FetchUnreadEmails(context.Background(), "user@example.com", 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(emails) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(emails))
	}
	if emails[0].ID != "1" || emails[1].ID != "2" {
		t.Errorf("unexpected ids: %v", emails)
	}
}

func TestFetchUnreadEmails_BareTextYieldsNoItems(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho 'not json at all'\n")
	a := provider.New(script, 5*time.Second)

	emails, err := a.FetchUnreadEmails(context.Background(), "user@example.com", 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(emails) != 0 {
		t.Fatalf("expected no fabricated items, got %v", emails)
	}
}

func TestFetchUnreadEmails_ItemsMissingIDAreDropped(t *testing.T) {
	script := writeScript(t, `#!/bin/sh
echo '[{"subject":"no id here"},{"id":"ok","subject":"has id"}]'
`)
	a := provider.New(script, 5*time.Second)

	emails, err := a.FetchUnreadEmails(context.Background(), "user@example.com", 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(emails) != 1 || emails[0].ID != "ok" {
		t.Fatalf("expected only the item carrying id, got %v", emails)
	}
}

func TestRun_NonZeroExitSurfacesAsError(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho 'boom' 1>&2\nexit 1\n")
	a := provider.New(script, 5*time.Second)

	_, err := a.FetchUnreadEmails(context.Background(), "user@example.com", 2)
	if err == nil {
		t.Fatal("expected error from non-zero exit")
	}
}

func TestCreateCalendarEvent_FallbackIdentifierWhenStdoutEmpty(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexit 0\n")
	a := provider.New(script, 5*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id, err := a.CreateCalendarEvent(context.Background(), provider.CreateCalendarEventRequest{
		CalendarID: "primary", Summary: "Standup",
		Start: now, End: now.Add(time.Hour),
	}, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("expected a fallback identifier")
	}
}

func TestCreateCalendarEvent_UsesTrimmedStdoutIdentifier(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\necho '  evt-123  '\n")
	a := provider.New(script, 5*time.Second)
	now := time.Now()

	id, err := a.CreateCalendarEvent(context.Background(), provider.CreateCalendarEventRequest{
		CalendarID: "primary", Summary: "Standup",
		Start: now, End: now.Add(time.Hour),
	}, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "evt-123" {
		t.Errorf("expected trimmed identifier evt-123, got %q", id)
	}
}
