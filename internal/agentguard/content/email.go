// Package content implements the privacy projections applied before a
// Gmail/Calendar item reaches the caller: email thread-context stripping
// plus sensitivity classification, and calendar event field gating. Both
// are shallow, gated projections of an upstream record down to what policy
// permits — the same shape as common/redact.Map's "copy, then selectively
// mask by key" approach, generalized here to "copy, then selectively omit
// by policy flag."
package content

import (
	"regexp"
	"strings"

	"github.com/kurogane-sec/agentguard/internal/agentguard/sensitivity"
)

// quotedReplyMarkers are the line-prefix/line-content heuristics used
// for detecting where quoted thread history begins.
var quotedReplyMarkers = []*regexp.Regexp{
	regexp.MustCompile(`^\s*>`),
	regexp.MustCompile(`(?i)^On .+ wrote:\s*$`),
	regexp.MustCompile(`(?i)^(From|Sent|Subject|To):\s`),
	regexp.MustCompile(`(?i)^-+\s*Original Message\s*-+$`),
	regexp.MustCompile(`(?i)^Begin forwarded message:\s*$`),
}

// Email is the normalized email item.
type Email struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	From         string `json:"from"`
	To           string `json:"to"`
	Subject      string `json:"subject"`
	Snippet      string `json:"snippet"`
	Body         string `json:"body"`
	InternalDate string `json:"internalDate,omitempty"`
	Sensitivity  string `json:"sensitivity"` // "normal" | "auth_sensitive"
}

const (
	SensitivityNormal        = "normal"
	SensitivityAuthSensitive = "auth_sensitive"
)

// StripThreadContext truncates text at the first line matching any
// quoted-reply heuristic, returning only the content above
// that line. Text with no match is returned unchanged.
func StripThreadContext(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		for _, marker := range quotedReplyMarkers {
			if marker.MatchString(line) {
				return strings.TrimRight(strings.Join(lines[:i], "\n"), "\n")
			}
		}
	}
	return text
}

// ApplyContextMode mutates e's Snippet/Body per contextMode ("latest_only"
// strips quoted history from each; "full_thread" leaves them as fetched)
// and (re)computes Sensitivity from the resulting subject+snippet+body.
func ApplyContextMode(e *Email, contextMode string) {
	if contextMode == "latest_only" {
		e.Snippet = StripThreadContext(e.Snippet)
		e.Body = StripThreadContext(e.Body)
	}
	if sensitivity.IsAuthSensitive(e.Subject, e.Snippet, e.Body) {
		e.Sensitivity = SensitivityAuthSensitive
	} else {
		e.Sensitivity = SensitivityNormal
	}
}

// Warning is the shape attached to the response under `warn` mode for
// each message that is (or would be, under `block`) withheld.
type Warning struct {
	ID         string `json:"id"`
	ThreadID   string `json:"threadId"`
	WouldBlock bool   `json:"wouldBlock"`
	Reason     string `json:"reason"`
	Category   string `json:"category"`
}

// ApplyAuthHandling implements the block/warn split over a set of
// classified emails: under "block", sensitive messages are dropped from
// the returned slice; under "warn", every message is kept and a Warning
// is appended for each sensitive one.
func ApplyAuthHandling(emails []Email, mode string) (kept []Email, warnings []Warning, blockedCount int) {
	kept = make([]Email, 0, len(emails))
	for _, e := range emails {
		sensitive := e.Sensitivity == SensitivityAuthSensitive
		if sensitive {
			blockedCount++
		}
		switch mode {
		case "block":
			if !sensitive {
				kept = append(kept, e)
			}
		default: // "warn"
			kept = append(kept, e)
			if sensitive {
				warnings = append(warnings, Warning{
					ID:         e.ID,
					ThreadID:   e.ThreadID,
					WouldBlock: true,
					Reason:     "auth_artifact_detected",
					Category:   SensitivityAuthSensitive,
				})
			}
		}
	}
	return kept, warnings, blockedCount
}
