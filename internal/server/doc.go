// Package server exposes a tokenward session over HTTP.
//
// It serves the browser-facing half of the login flow and an authenticating
// reverse proxy, so that local tools can reach the API without handling
// tokens themselves.
//
// # Routes
//
//	GET  /auth/login?locale=   302 to the Keycloak login page
//	GET  /auth/callback        completes the login, 302 to the post-login page
//	GET  /auth/logout          clears the session, 302 to the Keycloak logout page
//	GET  /auth/whoami          JSON identity, 401 when nobody is logged in
//	GET  /healthz              liveness
//	GET  /metrics              Prometheus metrics
//	*    <api_prefix>...       proxied to the upstream API with a bearer token
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                    tokenward serve                       │
//	│                                                          │
//	│  [ gorilla/mux router ]──► /auth/*  ──► auth.Session     │
//	│          │                                               │
//	│          ▼                                               │
//	│  [ httputil.ReverseProxy ]                               │
//	│          │                                               │
//	│          ▼                                               │
//	│  [ auth.Transport ]  ensure valid, retry once on 401     │
//	│          │                                               │
//	│          ▼                                               │
//	│  [ metrics.InstrumentTransport ]                         │
//	└──────────┼───────────────────────────────────────────────┘
//	           ▼
//	       upstream API
//
// # Security Considerations
//
// Inbound Authorization and Cookie headers are stripped before forwarding;
// the upstream only ever sees the session's own access token. The server is
// meant to listen on a loopback address: anyone who can reach it acts as the
// logged-in user.
//
// Request bodies up to Options.MaxReplayBytes are buffered so a request can
// be replayed after a refresh. Larger bodies are streamed and a 401 on them
// is returned to the caller as is.
package server
