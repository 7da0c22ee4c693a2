// Package mock provides in-process stand-ins for the services tokenward
// talks to, for use in tests.
//
// OAuthServer is a Keycloak realm serving the openid-connect auth, token,
// logout and certs endpoints. It enforces PKCE S256, rotates refresh tokens
// (each one is accepted exactly once), signs tokens with RS256 and counts
// grants, so tests can assert how many refreshes actually reached the
// server. Refresh answers can be delayed, held behind a gate or replaced by
// an error.
//
// ProtectedAPI is a resource server accepting the OAuthServer's access
// tokens. It records every request and can be told to reject the next
// requests with 401.
//
// MockClock drives token issue times and the client's expiry policy from
// the same controllable clock.
//
// Usage:
//
//	kc := mock.NewOAuthServer(mock.OAuthServerConfig{})
//	defer kc.Close()
//	api := mock.NewProtectedAPI(kc)
//	defer api.Close()
//
//	loginURL, _ := session.Login(ctx, "")
//	code, state, _ := kc.Authorize(loginURL)
//	_, err := session.HandleCallback(ctx, code, state)
package mock
