package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "nested", "extbridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreCRUD(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "settings", "theme")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "settings", "theme", map[string]any{"mode": "dark"}))
	require.NoError(t, store.Put(ctx, "settings", "font", "mono"))

	raw, err := store.Get(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"dark"}`, string(raw))

	records, err := store.List(ctx, "settings")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "font", records[0].Key)
	assert.Equal(t, "theme", records[1].Key)

	existed, err := store.Delete(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.Delete(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.False(t, existed)

	existed, err = store.Delete(ctx, "never-created", "x")
	require.NoError(t, err)
	assert.False(t, existed)

	records, err = store.List(ctx, "never-created")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStoreRejectsEmptyKeys(t *testing.T) {
	store := openTestStore(t)

	assert.Error(t, store.Put(context.Background(), "", "k", 1))
	assert.Error(t, store.Put(context.Background(), "settings", "", 1))
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extbridge.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "chats", "c1", []string{"hi"}))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	raw, err := store.Get(ctx, "chats", "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `["hi"]`, string(raw))
	assert.Equal(t, path, store.Path())
}

func TestStoreClosed(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.Get(context.Background(), "settings", "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Put(context.Background(), "settings", "k", 1), ErrClosed)
	_, err = store.List(context.Background(), "settings")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Get(ctx, "settings", "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestRecordMarshalsRawValue(t *testing.T) {
	data, err := json.Marshal(Record{Key: "k", Value: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"k","value":{"a":1}}`, string(data))
}
