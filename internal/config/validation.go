package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"tokenward/internal/storage"
	"tokenward/pkg/logging"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// Validate checks the whole configuration and reports every problem at once.
func (c Config) Validate() ValidationErrors {
	var errs ValidationErrors

	validateURL(&errs, "auth.base_url", c.Auth.BaseURL, true)
	if strings.TrimSpace(c.Auth.ClientID) == "" {
		errs.Add("auth.client_id", "is required")
	}
	validateURL(&errs, "auth.redirect_uri", c.Auth.RedirectURI, true)
	validateURL(&errs, "auth.post_logout_redirect_uri", c.Auth.PostLogoutRedirectURI, false)

	for _, d := range []struct {
		field string
		value time.Duration
		zero  bool
	}{
		{"auth.expiry_buffer", c.Auth.ExpiryBuffer, true},
		{"auth.clock_skew", c.Auth.ClockSkew, true},
		{"auth.refresh_timeout", c.Auth.RefreshTimeout, false},
		{"auth.login_timeout", c.Auth.LoginTimeout, false},
		{"auth.http_timeout", c.Auth.HTTPTimeout, false},
	} {
		if d.value < 0 || (d.value == 0 && !d.zero) {
			errs.Add(d.field, "must be positive", d.value.String())
		}
	}

	switch c.Storage.Backend {
	case storage.BackendFile:
		if c.Storage.Dir == "" {
			errs.Add("storage.dir", "is required for the file backend")
		}
	case storage.BackendSQLite, storage.BackendPostgres:
		if c.Storage.DSN == "" {
			errs.Add("storage.dsn", fmt.Sprintf("is required for the %s backend", c.Storage.Backend))
		}
	case storage.BackendMemory:
	default:
		errs.Add("storage.backend", "must be one of: file, memory, sqlite, postgres", c.Storage.Backend)
	}

	validateURL(&errs, "server.upstream", c.Server.Upstream, false)
	if c.Server.APIPrefix != "" && !strings.HasPrefix(c.Server.APIPrefix, "/") {
		errs.Add("server.api_prefix", "must start with /", c.Server.APIPrefix)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs.Add("log.level", "must be one of: debug, info, warn, error", c.Log.Level)
	}
	switch logging.Format(c.Log.Format) {
	case logging.FormatText, logging.FormatJSON, "":
	default:
		errs.Add("log.format", "must be one of: text, json", c.Log.Format)
	}

	return errs
}

func validateURL(errs *ValidationErrors, field, value string, required bool) {
	if value == "" {
		if required {
			errs.Add(field, "is required")
		}
		return
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs.Add(field, "must be an absolute http(s) URL", value)
	}
}
