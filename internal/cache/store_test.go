package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Credits int    `json:"credits"`
	Note    string `json:"note"`
}

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, "test:"), mr
}

func TestStore_SetGetDelete(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", entry{Credits: 7, Note: "x"}, time.Minute))
	assert.True(t, mr.Exists("test:k"))

	var got entry
	require.NoError(t, store.Get(ctx, "k", &got))
	assert.Equal(t, entry{Credits: 7, Note: "x"}, got)

	require.NoError(t, store.Delete(ctx, "k"))
	assert.ErrorIs(t, store.Get(ctx, "k", &got), ErrMiss)
}

func TestStore_Expiry(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", entry{Credits: 1}, 30*time.Second))
	mr.FastForward(31 * time.Second)

	var got entry
	assert.ErrorIs(t, store.Get(ctx, "k", &got), ErrMiss)
}

func TestStore_TakeIsSingleUse(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "state", entry{Note: "verifier"}, time.Minute))

	var got entry
	require.NoError(t, store.Take(ctx, "state", &got))
	assert.Equal(t, "verifier", got.Note)
	assert.ErrorIs(t, store.Take(ctx, "state", &got), ErrMiss)
}
