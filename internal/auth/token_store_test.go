package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenward/internal/storage"
	"tokenward/pkg/oauth"
)

func testTokenSet(access, refresh string) *oauth.TokenSet {
	return &oauth.TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    300,
		TokenType:    oauth.TokenTypeBearer,
		ObtainedAt:   time.Now().Truncate(time.Second),
	}
}

func TestTokenStore_GetSetClear(t *testing.T) {
	ctx := context.Background()
	store := NewTokenStore(storage.NewMemoryBackend())

	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	ts := testTokenSet("a1", "r1")
	require.NoError(t, store.Set(ctx, ts))

	got, err = store.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a1", got.AccessToken)
	assert.Equal(t, "r1", got.RefreshToken)
	assert.True(t, ts.ObtainedAt.Equal(got.ObtainedAt))

	require.NoError(t, store.Clear(ctx))
	got, err = store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTokenStore_SharedBackend(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	writer := NewTokenStore(backend)
	reader := NewTokenStore(backend)

	require.NoError(t, writer.Set(ctx, testTokenSet("a1", "r1")))
	got, err := reader.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a1", got.AccessToken, "writes are visible to other readers immediately")
}

func TestTokenStore_ClearIf(t *testing.T) {
	ctx := context.Background()
	store := NewTokenStore(storage.NewMemoryBackend())
	require.NoError(t, store.Set(ctx, testTokenSet("a2", "r2")))

	cleared, err := store.ClearIf(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, cleared, "a newer session must survive")
	got, _ := store.Get(ctx)
	assert.NotNil(t, got)

	cleared, err = store.ClearIf(ctx, "r2")
	require.NoError(t, err)
	assert.True(t, cleared)
	got, _ = store.Get(ctx)
	assert.Nil(t, got)
}

func TestTokenStore_IgnoresUnusableRecords(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	store := NewTokenStore(backend)

	require.NoError(t, backend.Save(ctx, TokenSetKey, []byte("{not json")))
	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, backend.Save(ctx, TokenSetKey, []byte(`{"access_token":"a1"}`)))
	got, err = store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "a record missing mandatory fields is no session")
}

func TestTokenStore_SetNil(t *testing.T) {
	store := NewTokenStore(storage.NewMemoryBackend())
	assert.Error(t, store.Set(context.Background(), nil))
}
