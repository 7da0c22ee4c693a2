package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tokenward/internal/storage"
	"tokenward/internal/testing/mock"
	"tokenward/pkg/oauth"
)

const testRedirectURI = "http://localhost:3000/callback"

type testEnv struct {
	kc      *mock.OAuthServer
	api     *mock.ProtectedAPI
	clock   *mock.MockClock
	backend *storage.MemoryBackend
	client  *oauth.Client
	session *Session
}

func newTestEnv(t *testing.T, cfg mock.OAuthServerConfig) *testEnv {
	t.Helper()

	clock := mock.NewMockClock(time.Now())
	cfg.Clock = clock
	kc := mock.NewOAuthServer(cfg)
	t.Cleanup(kc.Close)
	api := mock.NewProtectedAPI(kc)
	t.Cleanup(api.Close)

	client, err := oauth.NewClient(oauth.ClientConfig{
		AuthBase:    kc.AuthBase(),
		ClientID:    kc.ClientID(),
		RedirectURI: testRedirectURI,
	}, oauth.WithClock(clock))
	require.NoError(t, err)

	backend := storage.NewMemoryBackend()
	session, err := NewSession(Options{
		Client:                client,
		Backend:               backend,
		Policy:                oauth.ExpiryPolicy{Buffer: 60 * time.Second, ClockSkew: 30 * time.Second, Clock: clock},
		PostLogoutRedirectURI: "http://localhost:3000/",
		RefreshTimeout:        5 * time.Second,
	})
	require.NoError(t, err)

	return &testEnv{kc: kc, api: api, clock: clock, backend: backend, client: client, session: session}
}

// seed stores a session issued by the mock realm, as if a login had
// happened at the current mock time.
func (e *testEnv) seed(t *testing.T) *oauth.TokenSet {
	t.Helper()
	issued := e.kc.IssueTokens()
	ts := &oauth.TokenSet{
		AccessToken:      issued.AccessToken,
		RefreshToken:     issued.RefreshToken,
		IDToken:          issued.IDToken,
		ExpiresIn:        issued.ExpiresIn,
		RefreshExpiresIn: issued.RefreshExpiresIn,
		TokenType:        issued.TokenType,
		ObtainedAt:       e.clock.Now(),
	}
	require.NoError(t, e.session.Tokens().Set(context.Background(), ts))
	return ts
}

// login runs the full PKCE login against the mock realm.
func (e *testEnv) login(t *testing.T) *oauth.TokenSet {
	t.Helper()
	ctx := context.Background()
	loginURL, err := e.session.Login(ctx, "")
	require.NoError(t, err)
	code, state, err := e.kc.Authorize(loginURL)
	require.NoError(t, err)
	ts, err := e.session.HandleCallback(ctx, code, state)
	require.NoError(t, err)
	return ts
}

func (e *testEnv) httpClient() *http.Client {
	return &http.Client{Transport: e.session.WrapTransport(nil)}
}

func (e *testEnv) stored(t *testing.T) *oauth.TokenSet {
	t.Helper()
	ts, err := e.session.Tokens().Get(context.Background())
	require.NoError(t, err)
	return ts
}
