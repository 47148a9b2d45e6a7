// Package sensitivity classifies email content as carrying authentication
// artifacts: one-time codes, password-reset prompts, magic
// links, and similar phrasing an agent should not be allowed to read or
// forward unsupervised.
package sensitivity

import "regexp"

// corpus covers the three families named here. Matching is
// case-insensitive; each pattern is compiled with the (?i) flag rather
// than lower-casing the input, so a single compiled regexp set can be
// reused across calls without allocating a lowercase copy of the body.
var corpus = []*regexp.Regexp{
	// 1. OTP / verification / 2FA / login-code / authentication-code.
	regexp.MustCompile(`(?i)\b(one[- ]time|verification|2fa|two[- ]factor)\s*(code|pin|passcode)\b`),
	regexp.MustCompile(`(?i)\b(login|log[- ]in|authentication)\s*code\b`),
	regexp.MustCompile(`(?i)\byour (otp|verification code|security code) is\b`),

	// 2. Password reset / sign-in attempt / approve sign-in.
	regexp.MustCompile(`(?i)\bpassword reset\b`),
	regexp.MustCompile(`(?i)\breset your password\b`),
	regexp.MustCompile(`(?i)\b(sign[- ]in|log[- ]in) attempt\b`),
	regexp.MustCompile(`(?i)\bapprove (this )?sign[- ]in\b`),

	// 3. Magic link / verify email / passkey / device verification.
	regexp.MustCompile(`(?i)\bmagic link\b`),
	regexp.MustCompile(`(?i)\bverify your email\b`),
	regexp.MustCompile(`(?i)\bpasskey\b`),
	regexp.MustCompile(`(?i)\bdevice verification\b`),
	regexp.MustCompile(`(?i)\bconfirm (your|this) device\b`),
}

// IsAuthSensitive reports whether the concatenation of subject, snippet,
// and body matches any pattern in the auth corpus.
func IsAuthSensitive(subject, snippet, body string) bool {
	text := subject + " " + snippet + " " + body
	for _, pattern := range corpus {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}
