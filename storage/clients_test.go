package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientLifecycle(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	id := testClientID(1)

	require.NoError(t, store.RegisterClient(ctx, id, "alice"))

	got, err := store.GetClientByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
	assert.Nil(t, got.PublicKey)
	assert.Nil(t, got.SessionKey)
	assert.NotZero(t, got.LastSeen)

	byName, err := store.GetClientByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)

	publicKey := []byte("public-key-bytes")
	sessionKey := []byte("session-key-bytes")
	require.NoError(t, store.UpdateClientKeys(ctx, id, publicKey, sessionKey))

	got, err = store.GetClientByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, publicKey, got.PublicKey)
	assert.Equal(t, sessionKey, got.SessionKey)

	fresh := []byte("fresh-session-key")
	require.NoError(t, store.UpdateSessionKey(ctx, id, fresh))

	got, err = store.GetClientByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, fresh, got.SessionKey)

	require.NoError(t, store.RemoveClient(ctx, id))
	_, err = store.GetClientByID(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterClientRejectsDuplicateName(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, store.RegisterClient(ctx, testClientID(1), "alice"))
	err := store.RegisterClient(ctx, testClientID(2), "alice")
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestConcurrentRegistrationSameName(t *testing.T) {
	store := newTestStore(t, Options{PoolSize: 4})
	ctx := context.Background()

	const attempts = 8
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.RegisterClient(ctx, testClientID(byte(i+1)), "alice")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrNameTaken)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestTouchClientRefreshesLastSeen(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	id := testClientID(3)

	require.NoError(t, store.RegisterClient(ctx, id, "carol"))
	before, err := store.GetClientByID(ctx, id)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.TouchClient(ctx, id))

	after, err := store.GetClientByID(ctx, id)
	require.NoError(t, err)
	assert.Greater(t, after.LastSeen, before.LastSeen)
}

func TestTouchUnknownClient(t *testing.T) {
	store := newTestStore(t, Options{})
	err := store.TouchClient(context.Background(), testClientID(9))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientCountUsesTTLCache(t *testing.T) {
	store := newTestStore(t, Options{CacheTTL: 50 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, store.RegisterClient(ctx, testClientID(1), "alice"))

	count, err := store.ClientCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// A write inside the TTL is not reflected: time-based invalidation only.
	require.NoError(t, store.RegisterClient(ctx, testClientID(2), "bob"))
	count, err = store.ClientCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	time.Sleep(60 * time.Millisecond)
	count, err = store.ClientCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
