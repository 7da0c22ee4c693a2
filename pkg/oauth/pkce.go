package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// CodeChallengeMethodS256 is the only challenge method this client sends.
const CodeChallengeMethodS256 = "S256"

// stateBytes is the number of random bytes behind the state parameter.
// 32 bytes encode to 43 base64url characters.
const stateBytes = 32

// PKCESession is the transient login state created when a login starts and
// consumed exactly once when the authorization server redirects back.
type PKCESession struct {
	// Verifier is the PKCE code verifier. It never leaves this process
	// until the code exchange.
	Verifier string `json:"verifier"`

	// State links the callback to this login and guards against CSRF.
	State string `json:"state"`

	// Locale is the ui_locales hint the login was started with, if any.
	Locale string `json:"locale,omitempty"`

	// CreatedAt is used to expire abandoned logins.
	CreatedAt time.Time `json:"created_at"`
}

// NewPKCESession generates a fresh verifier and state.
// The verifier carries 256 bits of entropy (oauth2.GenerateVerifier).
// Entropy source failures panic; there is nothing a caller could do about them.
func NewPKCESession() PKCESession {
	return PKCESession{
		Verifier:  oauth2.GenerateVerifier(),
		State:     GenerateState(),
		CreatedAt: time.Now(),
	}
}

// Challenge returns the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState returns a random base64url-encoded state parameter.
func GenerateState() string {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("oauth: reading random bytes for state: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Expired reports whether the session is older than ttl at now.
func (s PKCESession) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.CreatedAt) > ttl
}
