package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultHTTPTimeout is the default timeout for token endpoint requests.
	DefaultHTTPTimeout = 30 * time.Second

	// maxTokenResponseBytes bounds how much of a token endpoint reply is read.
	maxTokenResponseBytes = 1 << 20

	openIDConnectPath = "/protocol/openid-connect"
)

// ClientConfig identifies the realm and the public client.
type ClientConfig struct {
	// AuthBase is the realm URL, e.g. https://sso.example.com/realms/catalog.
	AuthBase string

	// ClientID is the public client registered in the realm.
	ClientID string

	// RedirectURI is where the authorization server sends the browser back to.
	RedirectURI string
}

// Client performs the authorization server operations of the PKCE flow.
// It holds no session state and is safe for concurrent use.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	clock      Clock
	oauth2     *oauth2.Config
}

// ClientOption configures the OAuth client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock sets the clock used to stamp ObtainedAt on received token sets.
func WithClock(clock Clock) ClientOption {
	return func(c *Client) {
		c.clock = clock
	}
}

// NewClient creates a new OAuth client for the given realm.
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(cfg.AuthBase)
	if err != nil {
		return nil, fmt.Errorf("invalid auth base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid auth base URL %q: must be absolute", cfg.AuthBase)
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	cfg.AuthBase = strings.TrimSuffix(cfg.AuthBase, "/")

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
		clock:      SystemClock,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.oauth2 = &oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.endpoint("auth"),
			TokenURL:  c.endpoint("token"),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() ClientConfig {
	return c.cfg
}

// TokenURL returns the realm token endpoint.
func (c *Client) TokenURL() string {
	return c.endpoint("token")
}

func (c *Client) endpoint(name string) string {
	return c.cfg.AuthBase + openIDConnectPath + "/" + name
}

// BuildLoginURL constructs the authorization endpoint URL for a login.
// All parameters are URL-encoded; code_challenge_method is always S256.
// locale is sent as ui_locales when non-empty.
func (c *Client) BuildLoginURL(state, codeChallenge, scope, locale string) string {
	cfg := *c.oauth2
	cfg.Scopes = strings.Fields(scope)

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", CodeChallengeMethodS256),
	}
	if locale != "" {
		opts = append(opts, oauth2.SetAuthURLParam("ui_locales", locale))
	}
	return cfg.AuthCodeURL(state, opts...)
}

// BuildLogoutURL constructs the end-session URL. refreshToken is optional.
func (c *Client) BuildLogoutURL(refreshToken, postLogoutRedirectURI string) string {
	query := url.Values{}
	query.Set("client_id", c.cfg.ClientID)
	if refreshToken != "" {
		query.Set("refresh_token", refreshToken)
	}
	if postLogoutRedirectURI != "" {
		query.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	return c.endpoint("logout") + "?" + query.Encode()
}

// ExchangeCode exchanges an authorization code and its PKCE verifier for tokens.
// A non-2xx answer yields *AuthExchangeError. Transport errors are returned as is.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*TokenSet, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {c.cfg.RedirectURI},
		"client_id":     {c.cfg.ClientID},
	}

	ts, err := c.doTokenRequest(ctx, data)
	if err != nil {
		var epErr *endpointError
		if errors.As(err, &epErr) {
			return nil, &AuthExchangeError{StatusCode: epErr.status, ErrorCode: epErr.code, Description: epErr.description}
		}
		if errors.Is(err, ErrMalformedTokenResponse) {
			return nil, &AuthExchangeError{StatusCode: http.StatusOK, Err: err}
		}
		return nil, err
	}
	return ts, nil
}

// Refresh obtains a new token set with a refresh token.
// A non-2xx answer yields *AuthRefreshError. When the server does not rotate
// the refresh token, the presented one is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"redirect_uri":  {c.cfg.RedirectURI},
		"client_id":     {c.cfg.ClientID},
	}

	ts, err := c.doTokenRequest(ctx, data, refreshToken)
	if err != nil {
		var epErr *endpointError
		if errors.As(err, &epErr) {
			return nil, &AuthRefreshError{StatusCode: epErr.status, ErrorCode: epErr.code, Description: epErr.description}
		}
		if errors.Is(err, ErrMalformedTokenResponse) {
			return nil, &AuthRefreshError{StatusCode: http.StatusOK, Err: err}
		}
		return nil, err
	}
	return ts, nil
}

// endpointError is a non-2xx token endpoint answer.
type endpointError struct {
	status      int
	code        string
	description string
}

func (e *endpointError) Error() string {
	return endpointErrorMessage("token request", e.status, e.code, e.description, nil)
}

// doTokenRequest performs a token endpoint request. fallbackRefresh, when
// given, fills in a refresh token the response leaves out.
func (c *Client) doTokenRequest(ctx context.Context, data url.Values, fallbackRefresh ...string) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	grantType := data.Get("grant_type")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		epErr := &endpointError{status: resp.StatusCode}
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &oauthErr) == nil {
			epErr.code = oauthErr.Error
			epErr.description = oauthErr.ErrorDescription
		}
		c.logger.Debug("Token request rejected",
			"grant_type", grantType,
			"status", resp.StatusCode,
			"error", epErr.code)
		return nil, epErr
	}

	raw := body
	if len(fallbackRefresh) > 0 && fallbackRefresh[0] != "" {
		raw, err = withDefaultRefreshToken(body, fallbackRefresh[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTokenResponse, err)
		}
	}

	ts, err := parseTokenResponse(raw, c.clock.Now())
	if err != nil {
		c.logger.Warn("Token endpoint returned an unusable response",
			"grant_type", grantType,
			"error", err)
		return nil, err
	}

	c.logger.Debug("Token request succeeded",
		"grant_type", grantType,
		"expires_in", ts.ExpiresIn,
		"has_id_token", ts.IDToken != "")
	return ts, nil
}

// withDefaultRefreshToken sets refresh_token in a JSON object when absent.
func withDefaultRefreshToken(body []byte, refreshToken string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if v, ok := fields["refresh_token"]; ok && string(v) != `""` && string(v) != "null" {
		return body, nil
	}
	encoded, err := json.Marshal(refreshToken)
	if err != nil {
		return nil, err
	}
	fields["refresh_token"] = encoded
	return json.Marshal(fields)
}
