package auth

import (
	"context"
	"errors"
	"io"
	"net/http"

	"tokenward/internal/metrics"
	"tokenward/pkg/logging"
	"tokenward/pkg/oauth"
)

// maxDrainBytes caps how much of a 401 body is read before the connection
// is given back for reuse.
const maxDrainBytes = 64 << 10

// Transport is an http.RoundTripper that authenticates requests with the
// stored session. Without a session requests pass through unchanged.
type Transport struct {
	// Base performs the actual requests. Nil means http.DefaultTransport.
	Base http.RoundTripper

	Store       *TokenStore
	Coordinator *Coordinator
}

// RoundTrip implements http.RoundTripper. A request is sent at most twice:
// once with the current token and, after a 401, once more with a token
// refreshed through the Coordinator.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	stored, err := t.Store.Get(ctx)
	if err != nil {
		closeRequestBody(req)
		return nil, err
	}
	if stored == nil {
		return t.base().RoundTrip(req)
	}

	ts, err := t.Coordinator.EnsureValid(ctx)
	if err != nil {
		closeRequestBody(req)
		return nil, t.handleAuthError(ctx, stored, err)
	}

	resp, err := t.base().RoundTrip(authorize(req, ts, req.Body))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if challenge := oauth.ParseBearerChallenge(resp.Header.Get("WWW-Authenticate")); challenge.String() != "" {
		logging.Debug("Transport", "%s %s rejected: %s", req.Method, req.URL.Redacted(), challenge)
	}

	if !replayable(req) {
		logging.Debug("Transport", "Not retrying %s %s after 401: request body cannot be replayed", req.Method, req.URL.Redacted())
		return resp, nil
	}

	drainAndClose(resp.Body)

	fresh, err := t.Coordinator.ForceRefresh(ctx, ts)
	if err != nil {
		return nil, t.handleAuthError(ctx, ts, err)
	}

	var body io.ReadCloser
	if req.GetBody != nil {
		body, err = req.GetBody()
		if err != nil {
			return nil, err
		}
	}

	metrics.AuthRetriesTotal.Inc()
	logging.Debug("Transport", "Retrying %s %s with refreshed token", req.Method, req.URL.Redacted())
	return t.base().RoundTrip(authorize(req, fresh, body))
}

// handleAuthError clears the session when err means it cannot be recovered
// and returns err unchanged.
func (t *Transport) handleAuthError(ctx context.Context, ts *oauth.TokenSet, err error) error {
	var refreshErr *oauth.AuthRefreshError
	if errors.Is(err, oauth.ErrAuthRequired) || (errors.As(err, &refreshErr) && refreshErr.Revoked()) {
		if invalidateErr := t.Coordinator.Invalidate(ctx, ts); invalidateErr != nil {
			logging.Error("Transport", invalidateErr, "Failed to clear rejected session")
		}
	}
	return err
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// authorize returns a copy of req carrying ts's access token and body.
func authorize(req *http.Request, ts *oauth.TokenSet, body io.ReadCloser) *http.Request {
	out := req.Clone(req.Context())
	out.Body = body
	out.Header.Set("Authorization", "Bearer "+ts.AccessToken)
	return out
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func closeRequestBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	body.Close()
}
