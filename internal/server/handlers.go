package server

import (
	"encoding/json"
	"net/http"

	"tokenward/internal/auth"
	"tokenward/pkg/logging"
	"tokenward/pkg/oauth"
)

type whoamiResponse struct {
	Authenticated bool            `json:"authenticated"`
	User          *oauth.Identity `json:"user,omitempty"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	LoginURL         string `json:"login_url,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("Server", "Failed to write response: %v", err)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	loginURL, err := s.opts.Session.Login(r.Context(), r.URL.Query().Get("locale"))
	if err != nil {
		logging.Error("Server", err, "Failed to start login")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "server_error", ErrorDescription: "could not start login"})
		return
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func (s *HTTPServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if _, err := s.opts.Session.CompleteCallback(r.Context(), r.URL.Query()); err != nil {
		logging.Warn("Server", "Login callback failed: %v", err)
		auth.RenderCallbackPage(w, nil, err)
		return
	}
	http.Redirect(w, r, s.opts.PostLoginRedirect, http.StatusFound)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	// Only the configured post-logout URI is used, never one from the query.
	logoutURL, err := s.opts.Session.Logout(r.Context(), "")
	if err != nil {
		logging.Error("Server", err, "Failed to clear session")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "server_error", ErrorDescription: "could not clear session"})
		return
	}
	http.Redirect(w, r, logoutURL, http.StatusFound)
}

func (s *HTTPServer) handleWhoami(w http.ResponseWriter, r *http.Request) {
	id := s.opts.Session.CurrentIdentity(r.Context())
	if id == nil {
		writeJSON(w, http.StatusUnauthorized, whoamiResponse{Authenticated: false})
		return
	}
	writeJSON(w, http.StatusOK, whoamiResponse{Authenticated: true, User: id})
}
