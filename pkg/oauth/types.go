package oauth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenTypeBearer is the only token type this client attaches to requests.
const TokenTypeBearer = "Bearer"

// TokenSet is the token endpoint response for one login session.
// It is an immutable value: refresh and login replace it wholesale.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// IDToken is only present when the openid scope was granted.
	IDToken string `json:"id_token,omitempty"`

	// ExpiresIn is the access token lifetime in seconds at issue time.
	ExpiresIn int64 `json:"expires_in"`

	// RefreshExpiresIn is the refresh token lifetime in seconds.
	// Keycloak reports 0 for offline tokens.
	RefreshExpiresIn int64 `json:"refresh_expires_in"`

	TokenType string `json:"token_type"`

	// ObtainedAt is the local time the response was received. It anchors
	// ExpiresIn for opaque access tokens that carry no exp claim.
	ObtainedAt time.Time `json:"obtained_at"`
}

// parseTokenResponse decodes a 2xx token endpoint body into a TokenSet,
// rejecting responses that do not have the mandatory fields.
func parseTokenResponse(body []byte, obtainedAt time.Time) (*TokenSet, error) {
	var ts TokenSet
	if err := json.Unmarshal(body, &ts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTokenResponse, err)
	}
	ts.ObtainedAt = obtainedAt
	if ts.TokenType == "" {
		ts.TokenType = TokenTypeBearer
	}
	if err := ts.Validate(); err != nil {
		return nil, err
	}
	return &ts, nil
}

// Validate checks the fields every usable token set must carry.
func (t *TokenSet) Validate() error {
	var missing []string
	if t.AccessToken == "" {
		missing = append(missing, "access_token")
	}
	if t.RefreshToken == "" {
		missing = append(missing, "refresh_token")
	}
	if t.ExpiresIn <= 0 {
		missing = append(missing, "expires_in")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedTokenResponse, strings.Join(missing, ", "))
	}
	if !strings.EqualFold(t.TokenType, TokenTypeBearer) {
		return fmt.Errorf("%w: unsupported token_type %q", ErrMalformedTokenResponse, t.TokenType)
	}
	if t.RefreshExpiresIn < 0 {
		return fmt.Errorf("%w: negative refresh_expires_in", ErrMalformedTokenResponse)
	}
	return nil
}

// AccessTokenExpiry resolves the instant the access token stops being valid.
//
// JWT access tokens are judged by their exp claim; a JWT without one has no
// known expiry. Opaque tokens fall back to ObtainedAt + ExpiresIn.
// The boolean is false when no expiry can be established, which callers must
// treat as expired.
func (t *TokenSet) AccessTokenExpiry() (time.Time, bool) {
	if t == nil || t.AccessToken == "" {
		return time.Time{}, false
	}
	if looksLikeJWT(t.AccessToken) {
		return DecodeExpiry(t.AccessToken)
	}
	return t.relativeExpiry(t.ExpiresIn)
}

// RefreshTokenExpiry resolves when the refresh token (and with it the SSO
// session) runs out. It returns false for offline tokens and whenever the
// lifetime is unknown.
func (t *TokenSet) RefreshTokenExpiry() (time.Time, bool) {
	if t == nil || t.RefreshToken == "" {
		return time.Time{}, false
	}
	if looksLikeJWT(t.RefreshToken) {
		if exp, ok := DecodeExpiry(t.RefreshToken); ok {
			return exp, true
		}
	}
	return t.relativeExpiry(t.RefreshExpiresIn)
}

func (t *TokenSet) relativeExpiry(seconds int64) (time.Time, bool) {
	if seconds <= 0 || t.ObtainedAt.IsZero() {
		return time.Time{}, false
	}
	return t.ObtainedAt.Add(time.Duration(seconds) * time.Second), true
}

// ToOAuth2Token converts the set for use with golang.org/x/oauth2 consumers.
func (t *TokenSet) ToOAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    TokenTypeBearer,
		RefreshToken: t.RefreshToken,
	}
	if exp, ok := t.AccessTokenExpiry(); ok {
		token.Expiry = exp
	}
	if t.IDToken != "" {
		token = token.WithExtra(map[string]interface{}{
			"id_token": t.IDToken,
		})
	}
	return token
}

// LogValue keeps token material out of structured logs.
func (t *TokenSet) LogValue() slog.Value {
	if t == nil {
		return slog.StringValue("<nil>")
	}
	attrs := []slog.Attr{
		slog.String("access_token", "[REDACTED]"),
		slog.Bool("has_refresh_token", t.RefreshToken != ""),
		slog.Bool("has_id_token", t.IDToken != ""),
	}
	if exp, ok := t.AccessTokenExpiry(); ok {
		attrs = append(attrs, slog.Time("expires_at", exp))
	}
	return slog.GroupValue(attrs...)
}

// String implements fmt.Stringer without exposing token values.
func (t *TokenSet) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("TokenSet{type=%s, refresh=%t, id_token=%t}", t.TokenType, t.RefreshToken != "", t.IDToken != "")
}
