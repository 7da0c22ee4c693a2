package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tokenward/internal/auth"
	"tokenward/internal/metrics"
	"tokenward/pkg/logging"
)

const (
	// DefaultReadHeaderTimeout is the default timeout for reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultIdleTimeout is the default idle timeout for keepalive connections.
	DefaultIdleTimeout = 120 * time.Second
	// DefaultShutdownTimeout bounds the graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultMaxReplayBytes is the largest request body buffered for a retry.
	DefaultMaxReplayBytes = 1 << 20
)

// Options configures an HTTPServer.
type Options struct {
	// Session is the logged-in user's session. Required.
	Session *auth.Session

	// Upstream is the API behind APIPrefix. Nil disables the proxy.
	Upstream *url.URL

	// APIPrefix is stripped from proxied paths. Defaults to /api/.
	APIPrefix string

	// PostLoginRedirect is where the browser lands after a login. Defaults to /.
	PostLoginRedirect string

	// Transport reaches the upstream. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	MaxReplayBytes int64
}

// HTTPServer serves the login endpoints and the authenticating proxy.
type HTTPServer struct {
	opts       Options
	router     *mux.Router
	httpServer *http.Server
}

// New builds the router for opts.
func New(opts Options) (*HTTPServer, error) {
	if opts.Session == nil {
		return nil, errors.New("session is required")
	}
	if opts.APIPrefix == "" {
		opts.APIPrefix = "/api/"
	}
	if !strings.HasPrefix(opts.APIPrefix, "/") {
		return nil, fmt.Errorf("api prefix %q must start with /", opts.APIPrefix)
	}
	if !strings.HasSuffix(opts.APIPrefix, "/") {
		opts.APIPrefix += "/"
	}
	if opts.PostLoginRedirect == "" {
		opts.PostLoginRedirect = "/"
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.MaxReplayBytes <= 0 {
		opts.MaxReplayBytes = DefaultMaxReplayBytes
	}
	if opts.Upstream != nil && (opts.Upstream.Scheme == "" || opts.Upstream.Host == "") {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", opts.Upstream)
	}

	s := &HTTPServer{opts: opts}
	s.router = s.buildRouter()
	return s, nil
}

func (s *HTTPServer) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, accessLogMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	a := r.PathPrefix("/auth/").Methods(http.MethodGet).Subrouter()
	a.HandleFunc("/login", s.handleLogin)
	a.HandleFunc("/callback", s.handleCallback)
	a.HandleFunc("/logout", s.handleLogout)
	a.HandleFunc("/whoami", s.handleWhoami)

	if s.opts.Upstream != nil {
		r.PathPrefix(s.opts.APIPrefix).Handler(s.newProxy())
		logging.Info("Server", "Proxying %s to %s", s.opts.APIPrefix, s.opts.Upstream)
	}
	return r
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *HTTPServer) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe on an existing listener.
func (s *HTTPServer) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server", "Listening on http://%s", listener.Addr())
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	logging.Info("Server", "Shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
