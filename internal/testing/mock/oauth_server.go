package mock

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"

	"tokenward/pkg/oauth"
)

const keyID = "mock-signing-key"

// User is the account the mock realm logs everybody in as.
type User struct {
	Subject  string
	Username string
	Email    string
	Roles    []string
}

// OAuthServerConfig configures the mock Keycloak realm.
type OAuthServerConfig struct {
	// Realm is the realm name in the URL path. Defaults to "test".
	Realm string

	// ClientID is the expected public client. Defaults to "tokenward-cli".
	ClientID string

	// TokenLifetime is the access token lifetime. Defaults to 5 minutes.
	TokenLifetime time.Duration

	// RefreshLifetime is reported as refresh_expires_in. Defaults to 30 minutes.
	RefreshLifetime time.Duration

	// User is the logged-in account. Defaults to a "jdoe" user without roles.
	User User

	// OpaqueAccessTokens issues random strings instead of signed JWTs.
	OpaqueAccessTokens bool

	// Clock stamps iat and exp. Defaults to oauth.SystemClock.
	// Set this to a MockClock for testing token expiry without waiting.
	Clock oauth.Clock
}

// ErrorResponse is an OAuth error the token endpoint answers with.
type ErrorResponse struct {
	Status      int
	Code        string
	Description string
}

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope,omitempty"`
}

// OAuthServer is a mock Keycloak realm serving the openid-connect auth,
// token, logout and certs endpoints. Tokens are RS256-signed with a key
// generated per server. Refresh tokens rotate: each one is accepted once.
type OAuthServer struct {
	config OAuthServerConfig
	clock  oauth.Clock
	key    *rsa.PrivateKey
	signer jose.Signer
	server *httptest.Server

	mu            sync.Mutex
	authCodes     map[string]*authCodeEntry
	accessTokens  map[string]time.Time
	refreshTokens map[string]bool
	refreshError  *ErrorResponse
	exchangeError *ErrorResponse
	refreshDelay  time.Duration
	refreshGate   chan struct{}

	refreshCalls  atomic.Int32
	exchangeCalls atomic.Int32
	logoutCalls   atomic.Int32
}

type authCodeEntry struct {
	ClientID      string
	RedirectURI   string
	Scope         string
	CodeChallenge string
}

// NewOAuthServer starts a mock realm. Call Close when done.
func NewOAuthServer(config OAuthServerConfig) *OAuthServer {
	if config.Realm == "" {
		config.Realm = "test"
	}
	if config.ClientID == "" {
		config.ClientID = "tokenward-cli"
	}
	if config.TokenLifetime == 0 {
		config.TokenLifetime = 5 * time.Minute
	}
	if config.RefreshLifetime == 0 {
		config.RefreshLifetime = 30 * time.Minute
	}
	if config.User.Subject == "" {
		config.User = User{Subject: "f3b1c7d2-0000-4000-8000-000000000001", Username: "jdoe", Email: "jdoe@example.com"}
	}
	clock := config.Clock
	if clock == nil {
		clock = oauth.SystemClock
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Errorf("failed to generate signing key: %w", err))
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: keyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create signer: %w", err))
	}

	s := &OAuthServer{
		config:        config,
		clock:         clock,
		key:           key,
		signer:        signer,
		authCodes:     make(map[string]*authCodeEntry),
		accessTokens:  make(map[string]time.Time),
		refreshTokens: make(map[string]bool),
	}

	prefix := "/realms/" + config.Realm + "/protocol/openid-connect"
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/auth", s.handleAuthorize)
	mux.HandleFunc("POST "+prefix+"/token", s.handleToken)
	mux.HandleFunc("GET "+prefix+"/logout", s.handleLogout)
	mux.HandleFunc("GET "+prefix+"/certs", s.handleCerts)
	s.server = httptest.NewServer(mux)
	return s
}

// Close shuts the server down.
func (s *OAuthServer) Close() {
	s.releaseGate()
	s.server.Close()
}

// AuthBase returns the realm URL, the value tokenward calls auth.base_url.
func (s *OAuthServer) AuthBase() string {
	return s.server.URL + "/realms/" + s.config.Realm
}

// ClientID returns the client the realm expects.
func (s *OAuthServer) ClientID() string {
	return s.config.ClientID
}

// PublicKey returns the key tokens are signed with.
func (s *OAuthServer) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// RefreshCount returns how many refresh grants the server received.
func (s *OAuthServer) RefreshCount() int {
	return int(s.refreshCalls.Load())
}

// ExchangeCount returns how many authorization code grants the server received.
func (s *OAuthServer) ExchangeCount() int {
	return int(s.exchangeCalls.Load())
}

// LogoutCount returns how many logout requests the server received.
func (s *OAuthServer) LogoutCount() int {
	return int(s.logoutCalls.Load())
}

// FailRefresh makes every refresh grant fail with resp. Nil restores success.
func (s *OAuthServer) FailRefresh(resp *ErrorResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshError = resp
}

// FailExchange makes every code grant fail with resp. Nil restores success.
func (s *OAuthServer) FailExchange(resp *ErrorResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchangeError = resp
}

// SetRefreshDelay delays every refresh answer by d.
func (s *OAuthServer) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// BlockRefresh holds refresh answers until the returned release function is
// called. It lets tests pile up callers behind one in-flight refresh.
func (s *OAuthServer) BlockRefresh() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.refreshGate == gate {
			s.refreshGate = nil
			close(gate)
		}
	}
}

func (s *OAuthServer) releaseGate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshGate != nil {
		close(s.refreshGate)
		s.refreshGate = nil
	}
}

// Authorize plays the browser for loginURL: it validates the request like
// Keycloak's auth endpoint and returns the code and state the redirect
// would carry.
func (s *OAuthServer) Authorize(loginURL string) (code, state string, err error) {
	u, err := url.Parse(loginURL)
	if err != nil {
		return "", "", err
	}
	code, err = s.authorize(u.Query())
	if err != nil {
		return "", "", err
	}
	return code, u.Query().Get("state"), nil
}

func (s *OAuthServer) authorize(q url.Values) (string, error) {
	switch {
	case q.Get("response_type") != "code":
		return "", errors.New("unsupported_response_type")
	case q.Get("client_id") != s.config.ClientID:
		return "", errors.New("invalid_client")
	case q.Get("code_challenge") == "":
		return "", errors.New("PKCE required: code_challenge missing")
	case q.Get("code_challenge_method") != "S256":
		return "", errors.New("PKCE required: code_challenge_method must be S256")
	case q.Get("state") == "":
		return "", errors.New("state missing")
	}

	code := randomToken()
	s.mu.Lock()
	s.authCodes[code] = &authCodeEntry{
		ClientID:      q.Get("client_id"),
		RedirectURI:   q.Get("redirect_uri"),
		Scope:         q.Get("scope"),
		CodeChallenge: q.Get("code_challenge"),
	}
	s.mu.Unlock()
	return code, nil
}

// IssueTokens creates a valid session without going through a login, for
// tests that start from a stored token set.
func (s *OAuthServer) IssueTokens() TokenResponse {
	return s.issue("openid profile email")
}

// ValidateAccessToken reports whether token was issued by this server and
// has not expired or been revoked.
func (s *OAuthServer) ValidateAccessToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.accessTokens[token]
	return ok && s.clock.Now().Before(exp)
}

// RevokeAll invalidates every issued access and refresh token, like an
// administrator ending all sessions.
func (s *OAuthServer) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens = make(map[string]time.Time)
	s.refreshTokens = make(map[string]bool)
}

func (s *OAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, err := s.authorize(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	redirectURL, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirectURL.Scheme == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	rq := redirectURL.Query()
	rq.Set("code", code)
	rq.Set("state", q.Get("state"))
	redirectURL.RawQuery = rq.Encode()
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

func (s *OAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, ErrorResponse{Status: http.StatusBadRequest, Code: "invalid_request"})
		return
	}
	if r.PostForm.Get("client_id") != s.config.ClientID {
		writeOAuthError(w, ErrorResponse{Status: http.StatusUnauthorized, Code: "unauthorized_client", Description: "Invalid client credentials"})
		return
	}

	switch grant := r.PostForm.Get("grant_type"); grant {
	case "authorization_code":
		s.handleAuthCodeExchange(w, r)
	case "refresh_token":
		s.handleRefreshToken(w, r)
	default:
		writeOAuthError(w, ErrorResponse{
			Status:      http.StatusBadRequest,
			Code:        "unsupported_grant_type",
			Description: fmt.Sprintf("grant_type %s not supported", grant),
		})
	}
}

func (s *OAuthServer) handleAuthCodeExchange(w http.ResponseWriter, r *http.Request) {
	s.exchangeCalls.Add(1)

	s.mu.Lock()
	injected := s.exchangeError
	code := r.PostForm.Get("code")
	entry, exists := s.authCodes[code]
	delete(s.authCodes, code)
	s.mu.Unlock()

	if injected != nil {
		writeOAuthError(w, *injected)
		return
	}
	if !exists {
		writeOAuthError(w, ErrorResponse{Status: http.StatusBadRequest, Code: "invalid_grant", Description: "Code not valid"})
		return
	}
	if entry.RedirectURI != r.PostForm.Get("redirect_uri") {
		writeOAuthError(w, ErrorResponse{Status: http.StatusBadRequest, Code: "invalid_grant", Description: "Incorrect redirect_uri"})
		return
	}
	if !verifyPKCE(entry.CodeChallenge, r.PostForm.Get("code_verifier")) {
		writeOAuthError(w, ErrorResponse{Status: http.StatusBadRequest, Code: "invalid_grant", Description: "PKCE verification failed: Invalid code verifier"})
		return
	}

	writeJSON(w, http.StatusOK, s.issue(entry.Scope))
}

func (s *OAuthServer) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	s.mu.Lock()
	delay := s.refreshDelay
	gate := s.refreshGate
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	injected := s.refreshError
	refreshToken := r.PostForm.Get("refresh_token")
	valid := s.refreshTokens[refreshToken]
	if injected == nil {
		delete(s.refreshTokens, refreshToken)
	}
	s.mu.Unlock()

	if injected != nil {
		writeOAuthError(w, *injected)
		return
	}
	if !valid {
		writeOAuthError(w, ErrorResponse{Status: http.StatusBadRequest, Code: "invalid_grant", Description: "Token is not active"})
		return
	}

	writeJSON(w, http.StatusOK, s.issue(r.PostForm.Get("scope")))
}

func (s *OAuthServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)

	q := r.URL.Query()
	if rt := q.Get("refresh_token"); rt != "" {
		s.mu.Lock()
		delete(s.refreshTokens, rt)
		s.mu.Unlock()
	}
	if target := q.Get("post_logout_redirect_uri"); target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *OAuthServer) handleCerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (s *OAuthServer) issue(scope string) TokenResponse {
	now := s.clock.Now()
	exp := now.Add(s.config.TokenLifetime)
	user := s.config.User

	var access string
	if s.config.OpaqueAccessTokens {
		access = randomToken()
	} else {
		access = s.sign(map[string]interface{}{
			"iss":                s.AuthBase(),
			"sub":                user.Subject,
			"azp":                s.config.ClientID,
			"typ":                "Bearer",
			"iat":                now.Unix(),
			"exp":                exp.Unix(),
			"jti":                randomToken(),
			"preferred_username": user.Username,
			"realm_access":       map[string]interface{}{"roles": user.Roles},
		})
	}
	refresh := randomToken()
	idToken := s.sign(map[string]interface{}{
		"iss":                s.AuthBase(),
		"sub":                user.Subject,
		"aud":                s.config.ClientID,
		"typ":                "ID",
		"iat":                now.Unix(),
		"exp":                exp.Unix(),
		"preferred_username": user.Username,
		"email":              user.Email,
		"realm_access":       map[string]interface{}{"roles": user.Roles},
	})

	s.mu.Lock()
	s.accessTokens[access] = exp
	s.refreshTokens[refresh] = true
	s.mu.Unlock()

	if scope == "" {
		scope = "openid profile email"
	}
	return TokenResponse{
		AccessToken:      access,
		RefreshToken:     refresh,
		IDToken:          idToken,
		ExpiresIn:        int64(s.config.TokenLifetime.Seconds()),
		RefreshExpiresIn: int64(s.config.RefreshLifetime.Seconds()),
		TokenType:        "Bearer",
		Scope:            scope,
	}
}

func (s *OAuthServer) sign(claims map[string]interface{}) string {
	payload, err := json.Marshal(claims)
	if err != nil {
		panic(fmt.Errorf("failed to marshal claims: %w", err))
	}
	obj, err := s.signer.Sign(payload)
	if err != nil {
		panic(fmt.Errorf("failed to sign token: %w", err))
	}
	token, err := obj.CompactSerialize()
	if err != nil {
		panic(fmt.Errorf("failed to serialize token: %w", err))
	}
	return token
}

func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:]) == challenge
}

// randomToken generates a random opaque token.
// Panics if crypto/rand fails, which should never happen in practice.
func randomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("crypto/rand failed: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func writeOAuthError(w http.ResponseWriter, resp ErrorResponse) {
	body := map[string]string{"error": resp.Code}
	if resp.Description != "" {
		body["error_description"] = resp.Description
	}
	writeJSON(w, resp.Status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ExtractBearerToken extracts the token from an Authorization header value.
func ExtractBearerToken(authHeader string) string {
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}
