package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/protocol"
)

func testID(seed byte) protocol.ClientID {
	var id protocol.ClientID
	for i := range id {
		id[i] = seed
	}
	return id
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry()
	id := testID(1)

	first := r.GetOrCreate(id, "alice")
	second := r.GetOrCreate(id, "alice")
	assert.Same(t, first, second)
	assert.Equal(t, 1, r.Len())
}

func TestWithSessionUnknownIdentity(t *testing.T) {
	r := NewRegistry()
	err := r.WithSession(testID(1), func(s *Session) error { return nil })
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestUpdateSessionKeyReplacesKey(t *testing.T) {
	r := NewRegistry()
	id := testID(1)
	r.GetOrCreate(id, "alice")

	require.NoError(t, r.UpdateSessionKey(id, []byte("first-key")))
	require.NoError(t, r.UpdateSessionKey(id, []byte("second-key")))

	s, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, []byte("second-key"), s.SessionKeyCopy())
}

func TestConcurrentSameIdentityOperationsSerialize(t *testing.T) {
	r := NewRegistry()
	id := testID(1)
	r.GetOrCreate(id, "alice")

	// A non-atomic counter mutated only under the session lock: interleaved
	// access would lose increments.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.WithSession(id, func(s *Session) error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestPartialTransferLifecycle(t *testing.T) {
	r := NewRegistry()
	id := testID(1)
	r.GetOrCreate(id, "alice")

	err := r.WithSession(id, func(s *Session) error {
		p := s.BeginPartial("notes.txt", 10, 2)

		done, err := p.AppendChunk(1, []byte("hello"))
		require.NoError(t, err)
		assert.False(t, done)

		done, err = p.AppendChunk(2, []byte("world"))
		require.NoError(t, err)
		assert.True(t, done)
		assert.Equal(t, []byte("helloworld"), p.Bytes())

		s.DropPartial("notes.txt")
		_, ok := s.Partial("notes.txt")
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestAppendChunkRejectsOutOfOrder(t *testing.T) {
	p := &PartialTransfer{DeclaredTotal: 10, NextSequence: 1}

	_, err := p.AppendChunk(2, []byte("x"))
	assert.ErrorIs(t, err, ErrChunkOutOfOrder)
}

func TestAppendChunkRejectsOverflow(t *testing.T) {
	p := &PartialTransfer{DeclaredTotal: 4, NextSequence: 1}

	_, err := p.AppendChunk(1, []byte("too long"))
	assert.ErrorIs(t, err, ErrTransferOverflow)
}

func TestSweepIdleRemovesStaleSessions(t *testing.T) {
	r := NewRegistry()
	stale := testID(1)
	fresh := testID(2)

	s := r.GetOrCreate(stale, "old")
	s.mu.Lock()
	s.lastSeen = time.Now().Add(-time.Hour)
	s.mu.Unlock()
	r.GetOrCreate(fresh, "new")

	removed := r.SweepIdle(10 * time.Minute)
	require.Len(t, removed, 1)
	assert.Equal(t, stale, removed[0])

	_, ok := r.Get(stale)
	assert.False(t, ok)
	_, ok = r.Get(fresh)
	assert.True(t, ok)
}

func TestSweepPartialsIsIndependentOfSessionAge(t *testing.T) {
	r := NewRegistry()
	id := testID(1)
	r.GetOrCreate(id, "alice")

	require.NoError(t, r.WithSession(id, func(s *Session) error {
		p := s.BeginPartial("stale.txt", 100, 1)
		p.CreatedAt = time.Now().Add(-time.Hour)
		s.BeginPartial("fresh.txt", 100, 1)
		return nil
	}))

	discarded := r.SweepPartials(10 * time.Minute)
	assert.Equal(t, 1, discarded)

	require.NoError(t, r.WithSession(id, func(s *Session) error {
		_, staleOK := s.Partial("stale.txt")
		_, freshOK := s.Partial("fresh.txt")
		assert.False(t, staleOK)
		assert.True(t, freshOK)
		assert.Equal(t, 1, s.PartialCount())
		return nil
	}))

	// The session itself survives: partial timeout is independent.
	_, ok := r.Get(id)
	assert.True(t, ok)
}

func TestRemoveSession(t *testing.T) {
	r := NewRegistry()
	id := testID(1)
	r.GetOrCreate(id, "alice")
	r.Remove(id)

	assert.Zero(t, r.Len())
	_, ok := r.Get(id)
	assert.False(t, ok)
}
