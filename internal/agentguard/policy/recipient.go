package policy

import (
	"regexp"
	"strings"
)

var (
	localPartPattern = regexp.MustCompile(`^[a-z0-9._%+-]+$`)
	domainPattern    = regexp.MustCompile(`^[a-z0-9.-]+\.[a-z]{2,}$`)
)

// NormalizeRecipient implements the address normalization:
// lowercase and trim, reject anything containing spaces, and require
// exactly one '@' splitting into a non-empty local part matching
// localPartPattern and a non-empty domain matching domainPattern. This
// rejects "victim@good.com@attacker.com"-style addresses outright, since
// they contain two '@' characters rather than passing a naive
// suffix/contains check on the domain.
func NormalizeRecipient(address string) (local, domain string, ok bool) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" || strings.ContainsAny(address, " \t\n") {
		return "", "", false
	}
	parts := strings.Split(address, "@")
	if len(parts) != 2 {
		return "", "", false
	}
	local, domain = parts[0], parts[1]
	if local == "" || domain == "" {
		return "", "", false
	}
	if !localPartPattern.MatchString(local) || !domainPattern.MatchString(domain) {
		return "", "", false
	}
	return local, domain, true
}

// AllowedRecipient implements the decision rules, evaluated in
// order: allowAllRecipients short-circuits to accept; fail-closed when
// both allowlists are empty; then exact email match; then domain match;
// otherwise reject.
func AllowedRecipient(address string, emailAllowlist, domainAllowlist []string, allowAllRecipients bool) bool {
	if allowAllRecipients {
		return true
	}
	if len(emailAllowlist) == 0 && len(domainAllowlist) == 0 {
		return false
	}

	local, domain, ok := NormalizeRecipient(address)
	if !ok {
		return false
	}
	normalized := local + "@" + domain

	for _, allowed := range emailAllowlist {
		if strings.ToLower(strings.TrimSpace(allowed)) == normalized {
			return true
		}
	}
	for _, allowedDomain := range domainAllowlist {
		if strings.ToLower(strings.TrimSpace(allowedDomain)) == domain {
			return true
		}
	}
	return false
}
