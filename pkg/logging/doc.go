// Package logging provides the structured logger used across tokenward.
//
// It is a thin layer over log/slog that tags every entry with a subsystem
// and offers printf-style helpers:
//
//	logging.Init(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON})
//
//	logging.Info("Coordinator", "Refreshing access token (refresh_id=%s)", id)
//	logging.Error("TokenStore", err, "Failed to persist token set")
//
// Components that accept a *slog.Logger get one with Logger(subsystem).
//
// # Audit Logging
//
// Security-relevant events (token stored, cleared, forced logout, state
// mismatch) go through Audit. They are logged at INFO with a SECURITY_AUDIT
// prefix and an event attribute for filtering. Token values are never passed
// to Audit; log presence flags and expiry instants instead.
package logging
