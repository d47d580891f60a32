package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "files"))
	require.NoError(t, err)
	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func sampleSession(key string) *Session {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	return &Session{
		Key:       key,
		CreatedAt: ts,
		UpdatedAt: ts,
		Metadata:  map[string]string{"channel": "cli"},
		Turns: []Message{
			{Role: RoleUser, Content: "hello", Timestamp: ts},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "current_time", Arguments: map[string]interface{}{"tz": "UTC"}}}, Timestamp: ts},
			{Role: RoleTool, ToolCallID: "c1", ToolName: "current_time", Content: "03:04", Timestamp: ts},
		},
	}
}

func TestStoreConformance(t *testing.T) {
	ctx := context.Background()

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Read(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			keys := []string{"cli:local", "telegram:-100200", "gateway:a/b", "../escape", ".hidden", "100%", "telegram:" + strings.Repeat("x", 300)}
			for _, key := range keys {
				require.NoError(t, store.Write(ctx, sampleSession(key)))
			}

			for _, key := range keys {
				got, err := store.Read(ctx, key)
				require.NoError(t, err, key)
				assert.Equal(t, sampleSession(key), got, key)
			}

			listed, err := store.List(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, keys, listed)

			updated := sampleSession("cli:local")
			updated.Turns = append(updated.Turns, Message{Role: RoleAssistant, Content: "It is 03:04", Timestamp: updated.CreatedAt})
			require.NoError(t, store.Write(ctx, updated))
			got, err := store.Read(ctx, "cli:local")
			require.NoError(t, err)
			assert.Len(t, got.Turns, 4)

			require.NoError(t, store.Delete(ctx, "cli:local"))
			require.NoError(t, store.Delete(ctx, "cli:local"))
			_, err = store.Read(ctx, "cli:local")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sess := sampleSession("k")
	require.NoError(t, store.Write(ctx, sess))
	sess.Turns[0].Content = "mutated after write"

	got, err := store.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Turns[0].Content)

	got.Turns[0].Content = "mutated after read"
	again, _ := store.Read(ctx, "k")
	assert.Equal(t, "hello", again.Turns[0].Content)
}

func TestFileStoreStaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "sessions"))
	require.NoError(t, err)

	require.NoError(t, store.Write(context.Background(), sampleSession("../../etc/passwd")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sessions", entries[0].Name())
}

func TestFileStoreCorruptRecord(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.path("broken"), []byte("{not json"), 0o600))

	_, err = store.Read(context.Background(), "broken")
	require.Error(t, err)
	assert.True(t, IsStorageError(err))
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestFileStoreIgnoresTempFiles(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), tempPrefix+"123"), []byte("partial"), 0o600))
	require.NoError(t, store.Write(context.Background(), sampleSession("real")))

	keys, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, keys)
}

func TestFileStoreLongKeys(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	long := "telegram:" + strings.Repeat("x", 300)
	wide := "gateway:" + strings.Repeat("é", 200)
	require.NoError(t, store.Write(ctx, sampleSession(long)))
	require.NoError(t, store.Write(ctx, sampleSession(wide)))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.LessOrEqual(t, len(entry.Name()), maxNameBytes)
		assert.True(t, strings.HasPrefix(entry.Name(), digestPrefix))
	}

	got, err := store.Read(ctx, long)
	require.NoError(t, err)
	assert.Equal(t, long, got.Key)

	// A short key spelled like a digest does not land on the long key's file.
	spoof := strings.TrimSuffix(strings.TrimPrefix(fileName(long), digestPrefix), fileSuffix)
	require.NoError(t, store.Write(ctx, sampleSession(spoof)))
	got, err = store.Read(ctx, long)
	require.NoError(t, err)
	assert.Equal(t, long, got.Key)

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{long, wide, spoof}, keys)

	require.NoError(t, store.Delete(ctx, long))
	_, err = store.Read(ctx, long)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenStore(BackendMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = OpenStore(BackendFile, dir)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = OpenStore(BackendSQLite, dir)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = OpenStore("redis", dir)
	assert.Error(t, err)
}
