package auth

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"tokenward/pkg/logging"
	"tokenward/pkg/oauth"
)

//go:embed templates/callback_success.html
var callbackSuccessHTML string

//go:embed templates/callback_error.html
var callbackErrorHTML string

var (
	callbackSuccessTmpl = template.Must(template.New("success").Parse(callbackSuccessHTML))
	callbackErrorTmpl   = template.Must(template.New("error").Parse(callbackErrorHTML))
)

// CompleteFunc finishes a login from the redirect's query parameters,
// normally Session.CompleteCallback.
type CompleteFunc func(ctx context.Context, query url.Values) (*oauth.TokenSet, error)

// CallbackServer is a temporary loopback HTTP server that receives the
// authorization server's redirect, completes the login and shuts down.
type CallbackServer struct {
	host     string
	addr     string
	path     string
	complete CompleteFunc

	server   *http.Server
	listener net.Listener
	resultCh chan callbackResult
	once     sync.Once
	stopOnce sync.Once
}

type callbackResult struct {
	tokens *oauth.TokenSet
	err    error
}

// NewCallbackServer prepares a server for redirectURI, which must be an
// http URL on a loopback host with an explicit port. Port 0 picks a free
// port.
func NewCallbackServer(redirectURI string, complete CompleteFunc) (*CallbackServer, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("redirect URI %q must use http to be served locally", redirectURI)
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
	default:
		return nil, fmt.Errorf("redirect URI %q is not a loopback address", redirectURI)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("redirect URI %q must carry an explicit port", redirectURI)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	// Bind the literal host the authorization server redirects to.
	bindHost := u.Hostname()
	if bindHost == "localhost" {
		bindHost = "127.0.0.1"
	}

	return &CallbackServer{
		host:     u.Hostname(),
		addr:     net.JoinHostPort(bindHost, u.Port()),
		path:     path,
		complete: complete,
		resultCh: make(chan callbackResult, 1),
	}, nil
}

// Start begins listening and returns the callback URL actually served.
// The server stops when ctx is cancelled.
func (s *CallbackServer) Start(ctx context.Context) (string, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", fmt.Errorf("failed to start callback server on %s: %w", s.addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleCallback)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.deliver(callbackResult{err: err})
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(s.host, strconv.Itoa(port)), s.path), nil
}

// Wait blocks until a callback has been handled or ctx ends.
func (s *CallbackServer) Wait(ctx context.Context) (*oauth.TokenSet, error) {
	select {
	case res := <-s.resultCh:
		return res.tokens, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.complete(r.Context(), r.URL.Query())

	// A redirect that does not belong to the pending login is answered but
	// does not end the wait for the real one.
	var mismatch *oauth.AuthStateMismatchError
	if errors.As(err, &mismatch) {
		logging.Warn("CallbackServer", "Ignoring callback: %v", err)
		RenderCallbackPage(w, nil, err)
		return
	}

	handled := false
	s.once.Do(func() {
		handled = true
		s.finish(w, callbackResult{tokens: tokens, err: err})
	})
	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

func (s *CallbackServer) finish(w http.ResponseWriter, res callbackResult) {
	if res.err != nil {
		logging.Warn("CallbackServer", "Login callback failed: %v", res.err)
	}
	RenderCallbackPage(w, res.tokens, res.err)
	s.deliver(res)

	// Give the browser time to receive the page.
	go func() {
		time.Sleep(time.Second)
		s.Stop()
	}()
}

func (s *CallbackServer) deliver(res callbackResult) {
	select {
	case s.resultCh <- res:
	default:
	}
}

// Stop shuts the server down. It is safe to call more than once.
func (s *CallbackServer) Stop() {
	s.stopOnce.Do(func() {
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.server.Shutdown(ctx)
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}

// RenderCallbackPage writes the HTML page shown in the browser after a
// login callback.
func RenderCallbackPage(w http.ResponseWriter, tokens *oauth.TokenSet, err error) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err != nil {
		data := map[string]string{"Message": "The login could not be completed."}
		var exchangeErr *oauth.AuthExchangeError
		var mismatchErr *oauth.AuthStateMismatchError
		switch {
		case errors.As(err, &mismatchErr):
			data["Message"] = "This login link is no longer valid."
		case errors.As(err, &exchangeErr):
			data["Code"] = exchangeErr.ErrorCode
			if exchangeErr.Description != "" {
				data["Message"] = exchangeErr.Description
			}
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = callbackErrorTmpl.Execute(w, data)
		return
	}

	data := map[string]string{}
	if id := oauth.IdentityFromTokenSet(tokens, oauth.DefaultRoleNames()); id != nil {
		data["Username"] = id.PreferredUsername
	}
	_ = callbackSuccessTmpl.Execute(w, data)
}
