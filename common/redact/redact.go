// Package redact keeps this proxy's configured secrets out of everything
// the process writes: slog lines, audit entries, and the error detail the
// top-level error hook captures from a panicking handler.
//
// Unlike a generic "does this key look secret-shaped" scan, the secrets
// here are known exactly ahead of time — the API key and the two HMAC
// signing keys from the policy document. Register records them once at
// startup; String and Map then scrub by exact value. Map additionally
// masks any string stored under one of the policy document's own
// secret field names or a credential header name, so even an unregistered
// candidate credential (say, the wrong API key an attacker supplied) is
// never persisted verbatim.
package redact

import (
	"strings"
	"sync"
)

const placeholder = "[REDACTED]"

var (
	mu     sync.RWMutex
	values []string
)

// Register records secret values for every later String/Map call to
// scrub. Called once at startup with the configured API key and both
// signing keys. Values shorter than 4 bytes are skipped: they cannot be
// scrubbed without mangling ordinary text, and no real credential is that
// short. Registration is additive, so both signing keys stay registered
// through a rotation.
func Register(secrets ...string) {
	mu.Lock()
	defer mu.Unlock()
	for _, s := range secrets {
		if len(s) < 4 || registered(s) {
			continue
		}
		values = append(values, s)
	}
}

func registered(s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

// Reset drops every registered secret. Only tests call it, to isolate
// registries between cases.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	values = nil
}

// String returns s with every occurrence of a registered secret replaced
// by [REDACTED].
func String(s string) string {
	mu.RLock()
	defer mu.RUnlock()
	for _, v := range values {
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// secretFields are the policy document's secret-bearing field names plus
// the credential headers callers authenticate with. A string stored in a
// map under one of these keys is masked wholesale, registered or not.
var secretFields = map[string]bool{
	"apiKey":             true,
	"signingKeyCurrent":  true,
	"signingKeyPrevious": true,
	"authorization":      true,
	"x-api-key":          true,
	"x-agent-key":        true,
}

// Map returns a shallow copy of m safe to persist: string values under a
// secret field name are masked, every other string value is scrubbed of
// registered secrets, and non-string values pass through unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		if secretFields[k] && s != "" {
			out[k] = placeholder
			continue
		}
		out[k] = String(s)
	}
	return out
}
