package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"tokenward/internal/metrics"
	"tokenward/pkg/logging"
	"tokenward/pkg/oauth"
)

// newProxy forwards requests under the API prefix to the upstream through
// the session's authenticating transport.
func (s *HTTPServer) newProxy() http.Handler {
	upstream := s.opts.Upstream
	prefix := s.opts.APIPrefix

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = "/" + strings.TrimPrefix(pr.In.URL.Path, prefix)
			pr.Out.URL.RawPath = ""
			pr.SetURL(upstream)
			pr.SetXForwarded()
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
		},
		Transport:    s.opts.Session.WrapTransport(metrics.InstrumentTransport(s.opts.Transport)),
		ErrorHandler: proxyErrorHandler,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := bufferBody(r, s.opts.MaxReplayBytes); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", ErrorDescription: "could not read request body"})
			return
		}
		proxy.ServeHTTP(w, r)
	})
}

// bufferBody makes bodies up to limit bytes replayable. Larger bodies keep
// streaming and cannot be retried.
func bufferBody(r *http.Request, limit int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return err
	}
	if int64(len(head)) > limit {
		r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
		return nil
	}
	r.Body.Close()

	r.ContentLength = int64(len(head))
	r.Body = io.NopCloser(bytes.NewReader(head))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(head)), nil
	}
	return nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func proxyErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	var refreshErr *oauth.AuthRefreshError
	switch {
	case errors.Is(err, oauth.ErrAuthRequired):
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Error:            "authentication_required",
			ErrorDescription: err.Error(),
			LoginURL:         "/auth/login",
		})
	case errors.As(err, &refreshErr):
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Error:            "refresh_failed",
			ErrorDescription: err.Error(),
			LoginURL:         "/auth/login",
		})
	default:
		logging.Warn("Server", "Upstream request %s %s failed: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "bad_gateway", ErrorDescription: "upstream unreachable"})
	}
}
