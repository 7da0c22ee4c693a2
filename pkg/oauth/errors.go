package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedTokenResponse is wrapped by errors returned for 2xx token
// endpoint responses that lack mandatory fields or are not valid JSON.
var ErrMalformedTokenResponse = errors.New("malformed token response")

// ErrAuthRequired matches any *AuthRequiredError via errors.Is.
var ErrAuthRequired = &AuthRequiredError{}

// AuthRequiredError indicates there is no usable session.
// It is recoverable only by logging in again and is never retried.
type AuthRequiredError struct {
	// Reason says why the session is unusable, e.g. "no session".
	Reason string
}

// Error implements the error interface.
func (e *AuthRequiredError) Error() string {
	if e.Reason == "" {
		return "authentication required"
	}
	return "authentication required: " + e.Reason
}

// Is allows errors.Is() to work with wrapped errors.
func (e *AuthRequiredError) Is(target error) bool {
	_, ok := target.(*AuthRequiredError)
	return ok
}

// AuthExchangeError indicates the authorization server rejected a code
// exchange. It aborts the login in progress.
type AuthExchangeError struct {
	StatusCode  int
	ErrorCode   string
	Description string

	// Err is set when the failure was local, e.g. a malformed response.
	Err error
}

// Error implements the error interface.
func (e *AuthExchangeError) Error() string {
	return endpointErrorMessage("code exchange", e.StatusCode, e.ErrorCode, e.Description, e.Err)
}

// Unwrap returns the underlying error, if any.
func (e *AuthExchangeError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is() to work with wrapped errors.
func (e *AuthExchangeError) Is(target error) bool {
	_, ok := target.(*AuthExchangeError)
	return ok
}

// AuthRefreshError indicates the authorization server rejected a refresh.
type AuthRefreshError struct {
	StatusCode  int
	ErrorCode   string
	Description string
	Err         error
}

// Error implements the error interface.
func (e *AuthRefreshError) Error() string {
	return endpointErrorMessage("token refresh", e.StatusCode, e.ErrorCode, e.Description, e.Err)
}

// Unwrap returns the underlying error, if any.
func (e *AuthRefreshError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is() to work with wrapped errors.
func (e *AuthRefreshError) Is(target error) bool {
	_, ok := target.(*AuthRefreshError)
	return ok
}

// Revoked reports whether the failure means the refresh token itself is no
// longer accepted (a 4xx answer or an unusable response), as opposed to a
// temporary server-side failure.
func (e *AuthRefreshError) Revoked() bool {
	if e.Err != nil {
		return true
	}
	return e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError
}

// AuthStateMismatchError indicates a callback whose state does not match a
// pending login. It is treated as a possible CSRF attempt.
type AuthStateMismatchError struct {
	Reason string
}

// Error implements the error interface.
func (e *AuthStateMismatchError) Error() string {
	if e.Reason == "" {
		return "login state mismatch"
	}
	return "login state mismatch: " + e.Reason
}

// Is allows errors.Is() to work with wrapped errors.
func (e *AuthStateMismatchError) Is(target error) bool {
	_, ok := target.(*AuthStateMismatchError)
	return ok
}

func endpointErrorMessage(op string, status int, code, description string, err error) string {
	msg := op + " failed"
	if status != 0 {
		msg = fmt.Sprintf("%s with status %d", msg, status)
	}
	if code != "" {
		msg += ": " + code
	}
	if description != "" {
		msg += " (" + description + ")"
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return msg
}
