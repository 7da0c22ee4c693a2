// Package oauth implements the client side of the Keycloak Authorization Code
// flow with PKCE.
//
// It holds the pieces that carry no shared state:
//
//   - PKCE: verifier, state and S256 challenge generation (RFC 7636)
//   - TokenSet: the fixed-shape token endpoint response, validated at parse time
//   - Token codec: unverified JWT claim decoding and the expiry policy
//   - Client: login and logout URL construction, code exchange and refresh
//   - Identity: the role-aware projection of the ID token
//
// # Trust boundary
//
// Claims are decoded WITHOUT verifying the token signature. The tokens come
// straight from the authorization server over TLS and are only used for local
// bookkeeping (when to refresh, who to display as logged in). Resource servers
// that receive the access token must verify it themselves.
//
// # Usage
//
//	client, err := oauth.NewClient(oauth.ClientConfig{
//	    AuthBase:    "https://sso.example.com/realms/catalog",
//	    ClientID:    "catalog-web",
//	    RedirectURI: "http://localhost:3000/callback",
//	})
//
//	session := oauth.NewPKCESession()
//	loginURL := client.BuildLoginURL(session.State, oauth.Challenge(session.Verifier), "openid", "de")
//
//	tokens, err := client.ExchangeCode(ctx, code, session.Verifier)
//	expired := oauth.DefaultExpiryPolicy().IsExpired(tokens)
//
// Stateful concerns (persistence, single-flight refresh, request decoration)
// live in internal/auth.
package oauth
