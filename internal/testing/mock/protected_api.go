package mock

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// RecordedRequest is what the protected API saw of one request.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	Body          string
}

// ProtectedAPI is a resource server that accepts bearer tokens issued by an
// OAuthServer. Requests without an Authorization header are served as
// anonymous; requests with an unknown or expired token get 401.
type ProtectedAPI struct {
	oauth  *OAuthServer
	server *httptest.Server

	mu         sync.Mutex
	rejectNext int
	requests   []RecordedRequest
}

// NewProtectedAPI starts a protected API validating against oauth.
func NewProtectedAPI(oauth *OAuthServer) *ProtectedAPI {
	api := &ProtectedAPI{oauth: oauth}
	api.server = httptest.NewServer(http.HandlerFunc(api.handle))
	return api
}

// URL returns the API base URL.
func (a *ProtectedAPI) URL() string {
	return a.server.URL
}

// Close shuts the API down.
func (a *ProtectedAPI) Close() {
	a.server.Close()
}

// RejectNext answers the next n authenticated requests with 401 regardless
// of the token, simulating server-side revocation the client cannot see.
func (a *ProtectedAPI) RejectNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejectNext = n
}

// Requests returns the requests received so far.
func (a *ProtectedAPI) Requests() []RecordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]RecordedRequest(nil), a.requests...)
}

func (a *ProtectedAPI) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	authz := r.Header.Get("Authorization")

	a.mu.Lock()
	a.requests = append(a.requests, RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: authz,
		Body:          string(body),
	})
	reject := authz != "" && a.rejectNext > 0
	if reject {
		a.rejectNext--
	}
	a.mu.Unlock()

	if authz == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"path": r.URL.Path, "anonymous": true})
		return
	}
	if reject || !a.oauth.ValidateAccessToken(ExtractBearerToken(authz)) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"path":      r.URL.Path,
		"anonymous": false,
		"body":      string(body),
	})
}
