package auth

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenward/internal/testing/mock"
	"tokenward/pkg/oauth"
)

func TestNewCallbackServer_RejectsUnservableRedirects(t *testing.T) {
	noop := func(context.Context, url.Values) (*oauth.TokenSet, error) { return nil, nil }

	for _, uri := range []string{
		"https://localhost:3000/callback",
		"http://shop.example.com:3000/callback",
		"http://localhost/callback",
		"://bad",
	} {
		_, err := NewCallbackServer(uri, noop)
		assert.Error(t, err, uri)
	}
}

func TestCallbackServer_CompletesLogin(t *testing.T) {
	var gotCode, gotState string
	complete := func(_ context.Context, query url.Values) (*oauth.TokenSet, error) {
		gotCode, gotState = query.Get("code"), query.Get("state")
		return &oauth.TokenSet{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 300, TokenType: "Bearer"}, nil
	}

	server, err := NewCallbackServer("http://localhost:0/callback", complete)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	callbackURL, err := server.Start(ctx)
	require.NoError(t, err)
	defer server.Stop()

	resp, err := http.Get(callbackURL + "?" + url.Values{"code": {"ABC"}, "state": {"S123"}}.Encode())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "signed in")
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	ts, err := server.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", ts.AccessToken)
	assert.Equal(t, "ABC", gotCode)
	assert.Equal(t, "S123", gotState)

	resp, err = http.Get(callbackURL + "?code=ABC&state=S123")
	if err == nil {
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "only the first callback is processed")
	}
}

func TestCallbackServer_ProviderError(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{})

	server, err := NewCallbackServer("http://127.0.0.1:0/cb", env.session.CompleteCallback)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	callbackURL, err := server.Start(ctx)
	require.NoError(t, err)
	defer server.Stop()

	loginURL, err := env.session.Login(ctx, "")
	require.NoError(t, err)
	_, state, err := env.kc.Authorize(loginURL)
	require.NoError(t, err)

	resp, err := http.Get(callbackURL + "?" + url.Values{
		"error":             {"access_denied"},
		"error_description": {"User cancelled"},
		"state":             {state},
	}.Encode())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "User cancelled")

	_, err = server.Wait(ctx)
	var exchangeErr *oauth.AuthExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, "access_denied", exchangeErr.ErrorCode)
	assert.Equal(t, 0, env.kc.ExchangeCount())

	pending, err := env.session.logins.Pending(ctx)
	require.NoError(t, err)
	assert.False(t, pending, "a provider error for this login ends it")
}

func TestCallbackServer_ForeignRedirectDoesNotEndLogin(t *testing.T) {
	env := newTestEnv(t, mock.OAuthServerConfig{})

	server, err := NewCallbackServer("http://127.0.0.1:0/cb", env.session.CompleteCallback)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	callbackURL, err := server.Start(ctx)
	require.NoError(t, err)
	defer server.Stop()

	loginURL, err := env.session.Login(ctx, "")
	require.NoError(t, err)
	code, state, err := env.kc.Authorize(loginURL)
	require.NoError(t, err)

	for _, forged := range []url.Values{
		{"error": {"access_denied"}},
		{"error": {"access_denied"}, "state": {"forged"}},
		{"code": {"stolen"}, "state": {"forged"}},
	} {
		resp, err := http.Get(callbackURL + "?" + forged.Encode())
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, forged.Encode())
	}

	resp, err := http.Get(callbackURL + "?" + url.Values{"code": {code}, "state": {state}}.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ts, err := server.Wait(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, ts.AccessToken)
	assert.Equal(t, 1, env.kc.ExchangeCount())
}

func TestCallbackServer_BindsRedirectHost(t *testing.T) {
	ln, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skip("IPv6 loopback not available")
	}
	ln.Close()

	server, err := NewCallbackServer("http://[::1]:0/callback", func(context.Context, url.Values) (*oauth.TokenSet, error) {
		return &oauth.TokenSet{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 300, TokenType: "Bearer"}, nil
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	callbackURL, err := server.Start(ctx)
	require.NoError(t, err)
	defer server.Stop()

	u, err := url.Parse(callbackURL)
	require.NoError(t, err)
	assert.Equal(t, "::1", u.Hostname())

	resp, err := http.Get(callbackURL + "?code=ABC&state=S123")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCallbackServer_WaitHonoursContext(t *testing.T) {
	server, err := NewCallbackServer("http://localhost:0/callback", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = server.Start(ctx)
	require.NoError(t, err)
	cancel()

	_, err = server.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRenderCallbackPage_EscapesProviderText(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderCallbackPage(rec, nil, &oauth.AuthExchangeError{ErrorCode: "invalid_request", Description: "<script>alert(1)</script>"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "<script>")
	assert.Contains(t, rec.Body.String(), "&lt;script&gt;")
}

func TestRenderCallbackPage_StateMismatch(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderCallbackPage(rec, nil, &oauth.AuthStateMismatchError{Reason: "no pending login"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no longer valid")
}
