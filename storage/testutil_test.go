package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()

	store, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func testClientID(seed byte) []byte {
	id := make([]byte, 16)
	for i := range id {
		id[i] = seed
	}
	return id
}
