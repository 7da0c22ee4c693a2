package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tokenward/internal/storage"
	"tokenward/pkg/logging"
	"tokenward/pkg/oauth"
)

// PKCESessionKey is the storage key of the pending login record.
const PKCESessionKey = "pkce_session"

// DefaultLoginTimeout bounds how long a started login stays redeemable.
const DefaultLoginTimeout = 10 * time.Minute

// LoginStore holds the one pending PKCE login.
//
// The record is single-use: Consume takes it out of storage atomically, so
// a replayed callback can never redeem it again. A callback whose state does
// not match is rejected without touching the record, so a forged request
// cannot cancel the user's login.
type LoginStore struct {
	backend storage.Backend
	ttl     time.Duration
	clock   oauth.Clock
}

// NewLoginStore returns a login store on backend. A zero ttl disables
// expiry; a nil clock means the wall clock.
func NewLoginStore(backend storage.Backend, ttl time.Duration, clock oauth.Clock) *LoginStore {
	if clock == nil {
		clock = oauth.SystemClock
	}
	return &LoginStore{backend: backend, ttl: ttl, clock: clock}
}

// Save records session as the pending login, replacing any earlier one.
func (s *LoginStore) Save(ctx context.Context, session oauth.PKCESession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode login session: %w", err)
	}
	if err := s.backend.Save(ctx, PKCESessionKey, data); err != nil {
		return fmt.Errorf("failed to persist login session: %w", err)
	}
	return nil
}

// Pending reports whether a login has been started and not yet redeemed.
func (s *LoginStore) Pending(ctx context.Context) (bool, error) {
	data, err := s.backend.Load(ctx, PKCESessionKey)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var session oauth.PKCESession
	if err := json.Unmarshal(data, &session); err != nil {
		return false, nil
	}
	return !session.Expired(s.clock.Now(), s.ttl), nil
}

// Consume redeems the pending login for state. Any mismatch, including a
// missing or expired record, is an *oauth.AuthStateMismatchError.
func (s *LoginStore) Consume(ctx context.Context, state string) (*oauth.PKCESession, error) {
	if _, err := s.check(ctx, state); err != nil {
		return nil, err
	}

	data, err := s.backend.Take(ctx, PKCESessionKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logging.Audit("login_state_rejected", "reason", "login already redeemed")
			return nil, &oauth.AuthStateMismatchError{Reason: "no pending login"}
		}
		return nil, fmt.Errorf("failed to read login session: %w", err)
	}

	// A new login may have replaced the record since Check.
	session, err := s.verify(data, state)
	if err != nil {
		var mismatch *oauth.AuthStateMismatchError
		if errors.As(err, &mismatch) && session != nil {
			if restoreErr := s.backend.Save(ctx, PKCESessionKey, data); restoreErr != nil {
				logging.Error("LoginStore", restoreErr, "Failed to restore replaced login session")
			}
		}
		return nil, err
	}
	return session, nil
}

// check validates state against the pending login without redeeming it.
func (s *LoginStore) check(ctx context.Context, state string) (*oauth.PKCESession, error) {
	data, err := s.backend.Load(ctx, PKCESessionKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logging.Audit("login_state_rejected", "reason", "no pending login")
			return nil, &oauth.AuthStateMismatchError{Reason: "no pending login"}
		}
		return nil, fmt.Errorf("failed to read login session: %w", err)
	}
	session, err := s.verify(data, state)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// verify decodes a stored record and matches it against state. On a state
// mismatch the decoded session is returned alongside the error.
func (s *LoginStore) verify(data []byte, state string) (*oauth.PKCESession, error) {
	var session oauth.PKCESession
	if err := json.Unmarshal(data, &session); err != nil {
		logging.Audit("login_state_rejected", "reason", "unreadable login session")
		return nil, &oauth.AuthStateMismatchError{Reason: "unreadable login session"}
	}

	if session.Expired(s.clock.Now(), s.ttl) {
		logging.Audit("login_state_rejected", "reason", "login session expired")
		return nil, &oauth.AuthStateMismatchError{Reason: "login session expired"}
	}

	if state == "" || subtle.ConstantTimeCompare([]byte(session.State), []byte(state)) != 1 {
		logging.Audit("login_state_rejected", "reason", "state does not match")
		return &session, &oauth.AuthStateMismatchError{Reason: "state does not match pending login"}
	}

	return &session, nil
}

// Abandon discards the pending login, if any.
func (s *LoginStore) Abandon(ctx context.Context) error {
	return s.backend.Delete(ctx, PKCESessionKey)
}
