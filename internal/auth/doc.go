// Package auth keeps a Keycloak session usable for outbound API calls.
//
// It owns the persisted token set, the pending PKCE login and the refresh
// gate. Everything that needs a bearer token goes through a Session:
//
//	session, err := auth.NewSession(auth.Options{
//	    Client:  client,
//	    Backend: backend,
//	    Policy:  oauth.DefaultExpiryPolicy(),
//	})
//
//	loginURL, err := session.Login(ctx, "de")
//	// ... browser returns to the redirect URI ...
//	tokens, err := session.HandleCallback(ctx, code, state)
//
//	httpClient := &http.Client{Transport: session.WrapTransport(nil)}
//
// # Refresh
//
// The Coordinator guarantees at most one refresh-token grant per expiry
// event. Callers that find the stored access token expired while a refresh
// is running wait for that refresh and all observe its outcome. The refresh
// itself runs detached from any single caller's context and is bounded by
// its own timeout.
//
// # Request wrapping
//
// Transport attaches the current access token, and on a 401 answer forces
// one refresh and replays the request once. A second 401 is handed back to
// the caller as is. When the refresh token is rejected the stored session is
// cleared and the caller receives the error.
//
// # Token storage
//
// SECURITY: token values are never logged. State changes are written to the
// log as SECURITY_AUDIT events carrying only non-secret metadata.
package auth
