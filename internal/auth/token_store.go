package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"tokenward/internal/storage"
	"tokenward/pkg/logging"
	"tokenward/pkg/oauth"
)

// TokenSetKey is the storage key of the durable token set record.
const TokenSetKey = "token_set"

// TokenStore is the single source of truth for the current token set.
// It holds no copy of its own: every Get reads the backend, so a Set or
// Clear is visible to all readers as soon as it returns.
type TokenStore struct {
	// mu orders Set against the read-compare-delete in ClearIf.
	mu      sync.Mutex
	backend storage.Backend
}

// NewTokenStore returns a token store on backend.
func NewTokenStore(backend storage.Backend) *TokenStore {
	return &TokenStore{backend: backend}
}

// Get returns the stored token set, or nil when there is none.
// A record that cannot be decoded is reported as absent.
func (s *TokenStore) Get(ctx context.Context) (*oauth.TokenSet, error) {
	data, err := s.backend.Load(ctx, TokenSetKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token set: %w", err)
	}

	var ts oauth.TokenSet
	if err := json.Unmarshal(data, &ts); err != nil {
		logging.Warn("TokenStore", "Ignoring unreadable token set record: %v", err)
		return nil, nil
	}
	if err := ts.Validate(); err != nil {
		logging.Warn("TokenStore", "Ignoring invalid token set record: %v", err)
		return nil, nil
	}
	return &ts, nil
}

// Set replaces the stored token set.
func (s *TokenStore) Set(ctx context.Context, ts *oauth.TokenSet) error {
	if ts == nil {
		return errors.New("token set is nil")
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("failed to encode token set: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Save(ctx, TokenSetKey, data); err != nil {
		logging.Audit("token_store_failed", "error", err.Error())
		return fmt.Errorf("failed to persist token set: %w", err)
	}

	logging.Audit("token_stored",
		"has_id_token", ts.IDToken != "",
		"expires_in", ts.ExpiresIn,
		"refresh_expires_in", ts.RefreshExpiresIn,
	)
	return nil
}

// Clear removes the stored token set.
func (s *TokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(ctx, "logout")
}

// ClearIf removes the stored token set only while it still carries
// refreshToken. It reports whether a record was removed.
func (s *TokenStore) ClearIf(ctx context.Context, refreshToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Get(ctx)
	if err != nil {
		return false, err
	}
	if current == nil || current.RefreshToken != refreshToken {
		return false, nil
	}
	if err := s.clearLocked(ctx, "session_invalidated"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *TokenStore) clearLocked(ctx context.Context, reason string) error {
	if err := s.backend.Delete(ctx, TokenSetKey); err != nil {
		return fmt.Errorf("failed to clear token set: %w", err)
	}
	logging.Audit("token_cleared", "reason", reason)
	return nil
}
