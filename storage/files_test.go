package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRecordLifecycle(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	id := testClientID(1)

	require.NoError(t, store.RegisterClient(ctx, id, "alice"))

	rec := FileRecord{
		ClientID:    id,
		Filename:    "notes.txt",
		StoragePath: "/data/alice/notes.txt",
		Size:        10000,
		Checksum:    0xB75D6A42,
	}
	require.NoError(t, store.UpsertFileRecord(ctx, rec))

	got, err := store.GetFileRecord(ctx, id, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, rec.StoragePath, got.StoragePath)
	assert.Equal(t, rec.Size, got.Size)
	assert.Equal(t, rec.Checksum, got.Checksum)
	assert.False(t, got.Verified)

	require.NoError(t, store.MarkFileVerified(ctx, id, "notes.txt"))
	got, err = store.GetFileRecord(ctx, id, "notes.txt")
	require.NoError(t, err)
	assert.True(t, got.Verified)
}

func TestUpsertFileRecordOverwritesAndResetsVerified(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	id := testClientID(1)

	require.NoError(t, store.RegisterClient(ctx, id, "alice"))
	require.NoError(t, store.UpsertFileRecord(ctx, FileRecord{
		ClientID: id, Filename: "notes.txt", StoragePath: "/data/a", Size: 100, Checksum: 1,
	}))
	require.NoError(t, store.MarkFileVerified(ctx, id, "notes.txt"))

	// Re-upload of the same name replaces the record rather than appending.
	require.NoError(t, store.UpsertFileRecord(ctx, FileRecord{
		ClientID: id, Filename: "notes.txt", StoragePath: "/data/b", Size: 200, Checksum: 2,
	}))

	records, err := store.ListFileRecords(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/data/b", records[0].StoragePath)
	assert.Equal(t, int64(200), records[0].Size)
	assert.False(t, records[0].Verified)
}

func TestRemoveClientCascadesToFiles(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	id := testClientID(1)

	require.NoError(t, store.RegisterClient(ctx, id, "alice"))
	require.NoError(t, store.UpsertFileRecord(ctx, FileRecord{
		ClientID: id, Filename: "notes.txt", StoragePath: "/data/a", Size: 100, Checksum: 1,
	}))

	require.NoError(t, store.RemoveClient(ctx, id))

	records, err := store.ListFileRecords(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDeleteFileRecord(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	id := testClientID(1)

	require.NoError(t, store.RegisterClient(ctx, id, "alice"))
	require.NoError(t, store.UpsertFileRecord(ctx, FileRecord{
		ClientID: id, Filename: "notes.txt", StoragePath: "/data/a", Size: 100, Checksum: 1,
	}))
	require.NoError(t, store.DeleteFileRecord(ctx, id, "notes.txt"))

	_, err := store.GetFileRecord(ctx, id, "notes.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkFileVerifiedUnknownRecord(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	id := testClientID(1)

	require.NoError(t, store.RegisterClient(ctx, id, "alice"))
	err := store.MarkFileVerified(ctx, id, "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}
