// Package authn implements the two credential modes the admission pipeline
// accepts: a constant-time API-key compare, and HMAC-SHA256
// signed bearer tokens verified against the current or previous signing
// key.
package authn

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Audience is the fixed constant every issued token carries and every
// verification checks against.
const Audience = "agentguard/v1"

// allowedSkew is the maximum amount of clock drift tolerated between the
// issuer and verifier for the issued-at claim.
const allowedSkew = 10 * time.Second

// jtiPattern is the safe-name check applied to the jti claim:
// failing this rejects the token outright, regardless of signature
// validity, because jti is later used verbatim as a filesystem path
// component by the replay store.
var jtiPattern = regexp.MustCompile(`^[a-f0-9-]{16,64}$`)

// Claims is the decoded bearer-token payload.
type Claims struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Jti string `json:"jti"`
	Aud string `json:"aud"`
}

// ReplayInstaller is the subset of replay.Store the authenticator needs.
// Accepting an interface here (rather than importing the concrete type)
// keeps authn independent of how replay state is persisted.
type ReplayInstaller interface {
	Install(jti string, expiry time.Time) error
}

// Reason is a stable deny-reason token, attached to the auth_deny audit
// entry and never exposed to the client beyond the generic
// "unauthorized" envelope.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonMissingCreds   Reason = "missing_credentials"
	ReasonBadAPIKey      Reason = "bad_api_key"
	ReasonMalformedToken Reason = "malformed_token"
	ReasonBadSignature   Reason = "bad_signature"
	ReasonClaimInvalid   Reason = "claim_invalid"
	ReasonReplayDetected Reason = "replay_detected"
)

// Authenticator holds the configured secrets and replay store needed to
// evaluate both credential modes.
type Authenticator struct {
	apiKey             string
	signingKeyCurrent  []byte
	signingKeyPrevious []byte
	ttl                time.Duration
	replay             ReplayInstaller
}

// New constructs an Authenticator. signingKeyPrevious may be empty,
// meaning no previous key is accepted (no rotation in progress).
func New(apiKey, signingKeyCurrent, signingKeyPrevious string, ttl time.Duration, replay ReplayInstaller) *Authenticator {
	a := &Authenticator{
		apiKey:            apiKey,
		signingKeyCurrent: []byte(signingKeyCurrent),
		ttl:               ttl,
		replay:            replay,
	}
	if signingKeyPrevious != "" {
		a.signingKeyPrevious = []byte(signingKeyPrevious)
	}
	return a
}

// Authenticate evaluates both credential modes against r in order (API
// key, then bearer token) and returns the resolved principal on success.
func (a *Authenticator) Authenticate(r *http.Request) (principal string, ok bool, reason Reason) {
	if key := apiKeyFromHeaders(r); key != "" {
		if constantTimeEqualStrings(key, a.apiKey) {
			return "api-key", true, ReasonNone
		}
		return "", false, ReasonBadAPIKey
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false, ReasonMissingCreds
	}
	return a.authenticateBearer(auth)
}

// VerifyAPIKey checks only the API-key credential mode, for the token
// minting route: a bearer token must not be usable to mint another token.
func (a *Authenticator) VerifyAPIKey(r *http.Request) bool {
	key := apiKeyFromHeaders(r)
	if key == "" {
		return false
	}
	return constantTimeEqualStrings(key, a.apiKey)
}

func apiKeyFromHeaders(r *http.Request) string {
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	return r.Header.Get("x-agent-key")
}

// constantTimeEqualStrings reports whether a equals b without branching on
// content or failing for unequal lengths. subtle.ConstantTimeCompare
// already refuses to compare slices of different length (returning 0
// rather than panicking), so differing API key lengths never throw and
// never compare more than the shorter operand's worth of bytes.
func constantTimeEqualStrings(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (a *Authenticator) authenticateBearer(auth string) (principal string, ok bool, reason Reason) {
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false, ReasonMalformedToken
	}
	token := strings.TrimPrefix(auth, prefix)
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", false, ReasonMalformedToken
	}
	headerPayload := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", false, ReasonMalformedToken
	}

	if !a.signatureMatches(headerPayload, sig) {
		return "", false, ReasonBadSignature
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false, ReasonMalformedToken
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return "", false, ReasonMalformedToken
	}

	if reason := validateClaims(claims); reason != ReasonNone {
		return "", false, reason
	}

	expiry := time.Unix(claims.Exp, 0)
	if err := a.replay.Install(claims.Jti, expiry); err != nil {
		return "", false, ReasonReplayDetected
	}

	return claims.Sub, true, ReasonNone
}

// signatureMatches checks headerPayload's HMAC-SHA256 under the current
// key first, then the previous key if configured — the first matching
// key wins. The algorithm is never read from the token header
// — HMAC-SHA256 is the only verifier, regardless of what alg the header
// claims.
func (a *Authenticator) signatureMatches(headerPayload string, sig []byte) bool {
	if hmacEqual(a.signingKeyCurrent, headerPayload, sig) {
		return true
	}
	if len(a.signingKeyPrevious) > 0 && hmacEqual(a.signingKeyPrevious, headerPayload, sig) {
		return true
	}
	return false
}

func hmacEqual(key []byte, message string, sig []byte) bool {
	if len(key) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	expected := mac.Sum(nil)
	return hmac.Equal(expected, sig)
}

func validateClaims(c Claims) Reason {
	now := time.Now()
	if c.Exp == 0 || time.Unix(c.Exp, 0).Before(now) {
		return ReasonClaimInvalid
	}
	if c.Iat == 0 || time.Unix(c.Iat, 0).After(now.Add(allowedSkew)) {
		return ReasonClaimInvalid
	}
	if c.Sub == "" {
		return ReasonClaimInvalid
	}
	if c.Aud != Audience {
		return ReasonClaimInvalid
	}
	if !jtiPattern.MatchString(c.Jti) {
		return ReasonClaimInvalid
	}
	return ReasonNone
}

// IssueToken mints a new bearer token for sub, signed with the current
// signing key. jti is a freshly generated UUID in canonical hyphenated
// form.
func (a *Authenticator) IssueToken(sub string) (token string, ttlSeconds int, err error) {
	if sub == "" {
		return "", 0, fmt.Errorf("authn: sub must not be empty")
	}
	now := time.Now()
	claims := Claims{
		Sub: sub,
		Iat: now.Unix(),
		Exp: now.Add(a.ttl).Unix(),
		Jti: uuid.New().String(),
		Aud: Audience,
	}

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", 0, fmt.Errorf("authn: marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)

	headerPayload := header + "." + payload
	mac := hmac.New(sha256.New, a.signingKeyCurrent)
	mac.Write([]byte(headerPayload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return headerPayload + "." + sig, int(a.ttl.Seconds()), nil
}
