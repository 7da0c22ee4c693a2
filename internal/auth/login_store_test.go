package auth

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenward/internal/storage"
	"tokenward/internal/testing/mock"
	"tokenward/pkg/oauth"
)

func TestLoginStore_Consume(t *testing.T) {
	ctx := context.Background()
	clock := mock.NewMockClock(time.Now())

	newStore := func(t *testing.T) *LoginStore {
		store := NewLoginStore(storage.NewMemoryBackend(), 10*time.Minute, clock)
		require.NoError(t, store.Save(ctx, oauth.PKCESession{Verifier: "V", State: "S123", CreatedAt: clock.Now()}))
		return store
	}

	t.Run("matching state succeeds once", func(t *testing.T) {
		store := newStore(t)

		session, err := store.Consume(ctx, "S123")
		require.NoError(t, err)
		assert.Equal(t, "V", session.Verifier)

		_, err = store.Consume(ctx, "S123")
		assert.ErrorIs(t, err, &oauth.AuthStateMismatchError{})
	})

	t.Run("wrong state fails closed", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Consume(ctx, "forged")
		assert.ErrorIs(t, err, &oauth.AuthStateMismatchError{})

		session, err := store.Consume(ctx, "S123")
		require.NoError(t, err, "a forged callback cannot cancel the pending login")
		assert.Equal(t, "V", session.Verifier)
	})

	t.Run("empty state is rejected", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Consume(ctx, "")
		assert.ErrorIs(t, err, &oauth.AuthStateMismatchError{})

		pending, err := store.Pending(ctx)
		require.NoError(t, err)
		assert.True(t, pending)
	})

	t.Run("login replaced after check is restored", func(t *testing.T) {
		backend := &replacingBackend{Backend: storage.NewMemoryBackend()}
		store := NewLoginStore(backend, 10*time.Minute, clock)
		require.NoError(t, store.Save(ctx, oauth.PKCESession{Verifier: "V", State: "S123", CreatedAt: clock.Now()}))
		backend.replacement = oauth.PKCESession{Verifier: "V2", State: "S456", CreatedAt: clock.Now()}

		_, err := store.Consume(ctx, "S123")
		assert.ErrorIs(t, err, &oauth.AuthStateMismatchError{})

		session, err := store.Consume(ctx, "S456")
		require.NoError(t, err, "the newer login is still redeemable")
		assert.Equal(t, "V2", session.Verifier)
	})

	t.Run("expired login is rejected", func(t *testing.T) {
		store := newStore(t)
		clock.Advance(11 * time.Minute)
		defer clock.Advance(-11 * time.Minute)

		_, err := store.Consume(ctx, "S123")
		var mismatch *oauth.AuthStateMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Contains(t, mismatch.Reason, "expired")
	})

	t.Run("no pending login", func(t *testing.T) {
		store := NewLoginStore(storage.NewMemoryBackend(), 0, nil)
		_, err := store.Consume(ctx, "S123")
		assert.ErrorIs(t, err, &oauth.AuthStateMismatchError{})
	})
}

// replacingBackend saves replacement as the pending login right before the
// first Take, as a second "auth login" racing a callback would.
type replacingBackend struct {
	storage.Backend
	replacement oauth.PKCESession
	replaced    bool
}

func (b *replacingBackend) Take(ctx context.Context, key string) ([]byte, error) {
	if !b.replaced && key == PKCESessionKey {
		b.replaced = true
		data, err := json.Marshal(b.replacement)
		if err != nil {
			return nil, err
		}
		if err := b.Backend.Save(ctx, key, data); err != nil {
			return nil, err
		}
	}
	return b.Backend.Take(ctx, key)
}

func TestLoginStore_Pending(t *testing.T) {
	ctx := context.Background()
	store := NewLoginStore(storage.NewMemoryBackend(), time.Minute, nil)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, store.Save(ctx, oauth.NewPKCESession()))
	pending, err = store.Pending(ctx)
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, store.Abandon(ctx))
	pending, err = store.Pending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)
}
