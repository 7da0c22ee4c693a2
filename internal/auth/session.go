package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"tokenward/internal/metrics"
	"tokenward/internal/storage"
	"tokenward/pkg/logging"
	"tokenward/pkg/oauth"
)

// DefaultScope is requested when Options.Scope is empty.
const DefaultScope = "openid profile email"

// Options configures a Session.
type Options struct {
	// Client talks to the Keycloak realm. Required.
	Client *oauth.Client

	// Backend persists the token set and the pending login. Required.
	Backend storage.Backend

	// Policy decides when the access token must be refreshed.
	// The zero value means oauth.DefaultExpiryPolicy().
	Policy oauth.ExpiryPolicy

	Scope                 string
	PostLogoutRedirectURI string
	Roles                 oauth.RoleNames

	RefreshTimeout time.Duration
	LoginTimeout   time.Duration
}

// Session is the entry point for everything that needs the user's tokens.
// It is safe for concurrent use.
type Session struct {
	client      *oauth.Client
	tokens      *TokenStore
	logins      *LoginStore
	coordinator *Coordinator
	policy      oauth.ExpiryPolicy

	scope                 string
	postLogoutRedirectURI string
	roles                 oauth.RoleNames
}

// Status summarizes the stored session without refreshing it.
type Status struct {
	Authenticated    bool            `json:"authenticated"`
	AccessExpired    bool            `json:"access_expired"`
	AccessExpiresAt  time.Time       `json:"access_expires_at,omitempty"`
	RefreshExpiresAt time.Time       `json:"refresh_expires_at,omitempty"`
	ObtainedAt       time.Time       `json:"obtained_at,omitempty"`
	RefreshState     string          `json:"refresh_state"`
	PendingLogin     bool            `json:"pending_login"`
	Identity         *oauth.Identity `json:"identity,omitempty"`
}

// NewSession wires the stores and the refresh coordinator around opts.
func NewSession(opts Options) (*Session, error) {
	if opts.Client == nil {
		return nil, errors.New("auth client is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("storage backend is required")
	}

	policy := opts.Policy
	if policy.Buffer == 0 && policy.ClockSkew == 0 && policy.Clock == nil {
		policy = oauth.DefaultExpiryPolicy()
	}
	if policy.Clock == nil {
		policy.Clock = oauth.SystemClock
	}
	scope := opts.Scope
	if scope == "" {
		scope = DefaultScope
	}
	roles := opts.Roles
	if roles == (oauth.RoleNames{}) {
		roles = oauth.DefaultRoleNames()
	}
	loginTimeout := opts.LoginTimeout
	if loginTimeout <= 0 {
		loginTimeout = DefaultLoginTimeout
	}

	tokens := NewTokenStore(opts.Backend)
	return &Session{
		client: opts.Client,
		tokens: tokens,
		logins: NewLoginStore(opts.Backend, loginTimeout, policy.Clock),
		coordinator: NewCoordinator(CoordinatorConfig{
			Store:     tokens,
			Refresher: opts.Client,
			Policy:    policy,
			Timeout:   opts.RefreshTimeout,
		}),
		policy:                policy,
		scope:                 scope,
		postLogoutRedirectURI: opts.PostLogoutRedirectURI,
		roles:                 roles,
	}, nil
}

// Tokens returns the session's token store.
func (s *Session) Tokens() *TokenStore {
	return s.tokens
}

// Policy returns the expiry policy in effect.
func (s *Session) Policy() oauth.ExpiryPolicy {
	return s.policy
}

// Login starts a login: it persists a fresh PKCE session and returns the
// authorization URL the browser must be sent to.
func (s *Session) Login(ctx context.Context, locale string) (string, error) {
	pkce := oauth.NewPKCESession()
	pkce.Locale = locale
	pkce.CreatedAt = s.policy.Now()

	if err := s.logins.Save(ctx, pkce); err != nil {
		return "", err
	}
	logging.Audit("login_started", "locale", locale)
	return s.client.BuildLoginURL(pkce.State, oauth.Challenge(pkce.Verifier), s.scope, locale), nil
}

// HandleCallback completes a login. The pending login is consumed before
// anything else, so a callback can succeed at most once. An exchange
// failure leaves any existing session untouched.
func (s *Session) HandleCallback(ctx context.Context, code, state string) (*oauth.TokenSet, error) {
	pkce, err := s.logins.Consume(ctx, state)
	if err != nil {
		metrics.RecordLogin(false)
		return nil, err
	}
	if code == "" {
		metrics.RecordLogin(false)
		return nil, &oauth.AuthExchangeError{Description: "callback carried no authorization code"}
	}

	ts, err := s.client.ExchangeCode(ctx, code, pkce.Verifier)
	if err != nil {
		metrics.RecordLogin(false)
		logging.Audit("login_failed", "error", err.Error())
		return nil, err
	}
	if err := s.tokens.Set(ctx, ts); err != nil {
		metrics.RecordLogin(false)
		return nil, err
	}

	metrics.RecordLogin(true)
	logging.Audit("login_completed")
	return ts, nil
}

// CompleteCallback finishes a login from the query of the redirect back to
// the redirect URI. An error reported by the authorization server ends the
// pending login only when the state matches it; otherwise the callback is
// rejected with *oauth.AuthStateMismatchError and the login stays pending.
func (s *Session) CompleteCallback(ctx context.Context, query url.Values) (*oauth.TokenSet, error) {
	errCode := query.Get("error")
	if errCode == "" {
		return s.HandleCallback(ctx, query.Get("code"), query.Get("state"))
	}

	metrics.RecordLogin(false)
	if _, err := s.logins.Consume(ctx, query.Get("state")); err != nil {
		return nil, err
	}
	logging.Audit("login_failed", "error", errCode)
	return nil, &oauth.AuthExchangeError{ErrorCode: errCode, Description: query.Get("error_description")}
}

// AbandonLogin discards a started login, e.g. after the user cancelled it.
func (s *Session) AbandonLogin(ctx context.Context) error {
	return s.logins.Abandon(ctx)
}

// WrapTransport decorates base so requests carry the session's bearer token.
func (s *Session) WrapTransport(base http.RoundTripper) http.RoundTripper {
	return &Transport{
		Base:        base,
		Store:       s.tokens,
		Coordinator: s.coordinator,
	}
}

// EnsureValid returns a usable token set, refreshing it if needed.
func (s *Session) EnsureValid(ctx context.Context) (*oauth.TokenSet, error) {
	stored, err := s.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}
	ts, err := s.coordinator.EnsureValid(ctx)
	if err != nil {
		return nil, s.afterFailure(ctx, stored, err)
	}
	return ts, nil
}

// ForceRefresh refreshes the stored token set regardless of its expiry.
func (s *Session) ForceRefresh(ctx context.Context) (*oauth.TokenSet, error) {
	stored, err := s.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}
	ts, err := s.coordinator.ForceRefresh(ctx, stored)
	if err != nil {
		return nil, s.afterFailure(ctx, stored, err)
	}
	return ts, nil
}

// afterFailure invalidates failed, the set the caller started from, when err
// is unrecoverable. Whatever a concurrent login stored since is left alone.
func (s *Session) afterFailure(ctx context.Context, failed *oauth.TokenSet, err error) error {
	var refreshErr *oauth.AuthRefreshError
	if errors.Is(err, oauth.ErrAuthRequired) || (errors.As(err, &refreshErr) && refreshErr.Revoked()) {
		if invalidateErr := s.coordinator.Invalidate(ctx, failed); invalidateErr != nil {
			logging.Error("Session", invalidateErr, "Failed to clear rejected session")
		}
	}
	return err
}

// CurrentIdentity derives the user identity from the stored ID token.
// It returns nil when nobody is logged in.
func (s *Session) CurrentIdentity(ctx context.Context) *oauth.Identity {
	ts, err := s.tokens.Get(ctx)
	if err != nil {
		logging.Debug("Session", "Cannot read token set for identity: %v", err)
		return nil
	}
	return oauth.IdentityFromTokenSet(ts, s.roles)
}

// Logout clears the stored session and returns the Keycloak logout URL that
// ends the SSO session. An empty postLogoutRedirectURI falls back to the
// configured one.
func (s *Session) Logout(ctx context.Context, postLogoutRedirectURI string) (string, error) {
	if postLogoutRedirectURI == "" {
		postLogoutRedirectURI = s.postLogoutRedirectURI
	}

	var refreshToken string
	if ts, err := s.tokens.Get(ctx); err == nil && ts != nil {
		refreshToken = ts.RefreshToken
	}
	if err := s.tokens.Clear(ctx); err != nil {
		return "", err
	}
	if err := s.logins.Abandon(ctx); err != nil {
		logging.Debug("Session", "Failed to discard pending login: %v", err)
	}
	return s.client.BuildLogoutURL(refreshToken, postLogoutRedirectURI), nil
}

// Status reports the stored session state. It never refreshes.
func (s *Session) Status(ctx context.Context) (Status, error) {
	ts, err := s.tokens.Get(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read session: %w", err)
	}
	pending, err := s.logins.Pending(ctx)
	if err != nil {
		logging.Debug("Session", "Cannot read pending login: %v", err)
	}

	st := Status{
		RefreshState: s.coordinator.State().String(),
		PendingLogin: pending,
	}
	if ts == nil {
		return st, nil
	}

	st.Authenticated = !s.policy.SessionExpired(ts)
	st.AccessExpired = s.policy.IsExpired(ts)
	st.ObtainedAt = ts.ObtainedAt
	if exp, ok := ts.AccessTokenExpiry(); ok {
		st.AccessExpiresAt = exp
	}
	if exp, ok := ts.RefreshTokenExpiry(); ok {
		st.RefreshExpiresAt = exp
	}
	st.Identity = oauth.IdentityFromTokenSet(ts, s.roles)
	return st, nil
}

// TokenSource adapts the session for golang.org/x/oauth2 consumers. Each
// Token call goes through EnsureValid; nothing is cached outside the store.
func (s *Session) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &sessionTokenSource{ctx: ctx, session: s}
}

type sessionTokenSource struct {
	ctx     context.Context
	session *Session
}

func (ts *sessionTokenSource) Token() (*oauth2.Token, error) {
	set, err := ts.session.EnsureValid(ts.ctx)
	if err != nil {
		return nil, err
	}
	return set.ToOAuth2Token(), nil
}
