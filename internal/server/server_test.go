package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenward/internal/auth"
	"tokenward/internal/storage"
	"tokenward/internal/testing/mock"
	"tokenward/pkg/oauth"
)

type testEnv struct {
	kc      *mock.OAuthServer
	api     *mock.ProtectedAPI
	clock   *mock.MockClock
	session *auth.Session
	server  *httptest.Server
}

func newTestEnv(t *testing.T, upstream string) *testEnv {
	t.Helper()

	clock := mock.NewMockClock(time.Now())
	kc := mock.NewOAuthServer(mock.OAuthServerConfig{Clock: clock})
	t.Cleanup(kc.Close)
	api := mock.NewProtectedAPI(kc)
	t.Cleanup(api.Close)
	if upstream == "" {
		upstream = api.URL()
	}

	client, err := oauth.NewClient(oauth.ClientConfig{
		AuthBase:    kc.AuthBase(),
		ClientID:    kc.ClientID(),
		RedirectURI: "http://127.0.0.1:8080/auth/callback",
	}, oauth.WithClock(clock))
	require.NoError(t, err)

	session, err := auth.NewSession(auth.Options{
		Client:                client,
		Backend:               storage.NewMemoryBackend(),
		Policy:                oauth.ExpiryPolicy{Buffer: 60 * time.Second, ClockSkew: 30 * time.Second, Clock: clock},
		PostLogoutRedirectURI: "http://127.0.0.1:8080/",
	})
	require.NoError(t, err)

	upstreamURL, err := url.Parse(upstream)
	require.NoError(t, err)
	srv, err := New(Options{Session: session, Upstream: upstreamURL})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{kc: kc, api: api, clock: clock, session: session, server: ts}
}

// noRedirect returns a client that surfaces redirects instead of following them.
func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := noRedirect().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	require.NoError(t, err)
	return do(t, req)
}

// login walks the browser flow: /auth/login, Keycloak, /auth/callback.
func (e *testEnv) login(t *testing.T) {
	t.Helper()
	resp, _ := e.get(t, "/auth/login")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	code, state, err := e.kc.Authorize(resp.Header.Get("Location"))
	require.NoError(t, err)

	resp, _ = e.get(t, "/auth/callback?"+url.Values{"code": {code}, "state": {state}}.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	env := newTestEnv(t, "")
	_, err = New(Options{Session: env.session, APIPrefix: "api"})
	assert.Error(t, err)

	_, err = New(Options{Session: env.session, Upstream: &url.URL{Path: "/relative"}})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "")
	resp, body := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}

func TestLoginRedirectsToKeycloak(t *testing.T) {
	env := newTestEnv(t, "")

	resp, _ := env.get(t, "/auth/login?locale=fr")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location.String(), env.kc.AuthBase()+"/protocol/openid-connect/auth"))
	assert.Equal(t, "fr", location.Query().Get("ui_locales"))

	st, err := env.session.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.PendingLogin)
}

func TestLoginFlowAndWhoami(t *testing.T) {
	env := newTestEnv(t, "")

	resp, body := env.get(t, "/auth/whoami")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"authenticated":false}`, body)

	env.login(t)

	resp, body = env.get(t, "/auth/whoami")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var who whoamiResponse
	require.NoError(t, json.Unmarshal([]byte(body), &who))
	assert.True(t, who.Authenticated)
	require.NotNil(t, who.User)
	assert.Equal(t, "jdoe", who.User.PreferredUsername)
}

func TestCallbackReplayIsRejected(t *testing.T) {
	env := newTestEnv(t, "")

	resp, _ := env.get(t, "/auth/login")
	code, state, err := env.kc.Authorize(resp.Header.Get("Location"))
	require.NoError(t, err)
	callback := "/auth/callback?" + url.Values{"code": {code}, "state": {state}}.Encode()

	resp, _ = env.get(t, callback)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp, body := env.get(t, callback)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "no longer valid")
	assert.Equal(t, 1, env.kc.ExchangeCount())
}

func TestCallbackProviderError(t *testing.T) {
	env := newTestEnv(t, "")
	resp, _ := env.get(t, "/auth/login")
	_, state, err := env.kc.Authorize(resp.Header.Get("Location"))
	require.NoError(t, err)

	resp, body := env.get(t, "/auth/callback?"+url.Values{
		"error":             {"access_denied"},
		"error_description": {"User cancelled"},
		"state":             {state},
	}.Encode())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "User cancelled")

	st, err := env.session.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.PendingLogin, "a refused login is discarded")
}

func TestCallbackProviderErrorNeedsMatchingState(t *testing.T) {
	env := newTestEnv(t, "")
	resp, _ := env.get(t, "/auth/login")
	code, state, err := env.kc.Authorize(resp.Header.Get("Location"))
	require.NoError(t, err)

	// A cross-site request cannot cancel the login in progress.
	resp, body := env.get(t, "/auth/callback?error=access_denied")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "no longer valid")

	resp, _ = env.get(t, "/auth/callback?error=access_denied&state=forged")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	st, err := env.session.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.PendingLogin)

	resp, _ = env.get(t, "/auth/callback?"+url.Values{"code": {code}, "state": {state}}.Encode())
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, 1, env.kc.ExchangeCount())
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, "")
	env.login(t)

	resp, _ := env.get(t, "/auth/logout?post_logout_redirect_uri=https://evil.example.com/")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/", location.Query().Get("post_logout_redirect_uri"))
	assert.NotEmpty(t, location.Query().Get("refresh_token"))

	resp, _ = env.get(t, "/auth/whoami")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProxy_AttachesSessionToken(t *testing.T) {
	env := newTestEnv(t, "")
	env.login(t)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/items?page=2", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer caller-token")
	req.Header.Set(RequestIDHeader, "req-42")

	resp, body := do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "req-42", resp.Header.Get(RequestIDHeader))

	reqs := env.api.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/items", reqs[0].Path)
	assert.NotEqual(t, "Bearer caller-token", reqs[0].Authorization)
	assert.True(t, env.kc.ValidateAccessToken(mock.ExtractBearerToken(reqs[0].Authorization)))
}

func TestProxy_AnonymousWithoutSession(t *testing.T) {
	env := newTestEnv(t, "")

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/items", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer caller-token")

	resp, body := do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"anonymous":true`)
}

func TestProxy_ReplaysBodyAfterUnauthorized(t *testing.T) {
	env := newTestEnv(t, "")
	env.login(t)
	env.api.RejectNext(1)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/orders", strings.NewReader(`{"sku":"A-1"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, body := do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, 1, env.kc.RefreshCount())

	reqs := env.api.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, `{"sku":"A-1"}`, reqs[0].Body)
	assert.Equal(t, `{"sku":"A-1"}`, reqs[1].Body)
	assert.NotEqual(t, reqs[0].Authorization, reqs[1].Authorization)
}

func TestProxy_ExpiredSessionIsUnauthorized(t *testing.T) {
	env := newTestEnv(t, "")
	env.login(t)
	env.clock.Advance(31 * time.Minute)

	resp, body := env.get(t, "/api/items")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &errResp))
	assert.Equal(t, "authentication_required", errResp.Error)
	assert.Equal(t, "/auth/login", errResp.LoginURL)
	assert.Empty(t, env.api.Requests())

	ts, err := env.session.Tokens().Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ts)
}

func TestProxy_UnreachableUpstream(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	env := newTestEnv(t, dead.URL)

	resp, body := env.get(t, "/api/items")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "bad_gateway")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.login(t)

	resp, body := env.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "tokenward_login_total")
}

func TestServe_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t, "")
	srv, err := New(Options{Session: env.session})
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, listener) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestBufferBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/x", strings.NewReader("0123456789"))
	require.NoError(t, bufferBody(req, 4))
	assert.Nil(t, req.GetBody, "oversized bodies stay streaming")
	all, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(all))

	req = httptest.NewRequest(http.MethodPost, "/api/x", strings.NewReader("0123"))
	require.NoError(t, bufferBody(req, 4))
	require.NotNil(t, req.GetBody)
	again, err := req.GetBody()
	require.NoError(t, err)
	all, err = io.ReadAll(again)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(all))
	assert.Equal(t, int64(4), req.ContentLength)
}
