package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, NamespaceIntents, "i1", map[string]string{"state": "proposed"}))

	v, err := s.Get(ctx, NamespaceIntents, "i1")
	require.NoError(t, err)
	assert.Equal(t, "proposed", v.(map[string]string)["state"])

	_, err = s.Get(ctx, NamespaceIntents, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, NamespaceIntents, "i1"))
	_, err = s.Get(ctx, NamespaceIntents, "i1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, NamespaceRuns, "r1", "a"))
	require.NoError(t, s.Put(ctx, NamespaceRuns, "r2", "b"))

	vals, err := s.List(ctx, NamespaceRuns)
	require.NoError(t, err)
	assert.Len(t, vals, 2)

	empty, err := s.List(ctx, NamespaceProjects)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")

	s := NewMemoryStoreWithSnapshot(path)
	require.NoError(t, s.Put(ctx, NamespaceIntents, "i1", "hello"))
	require.NoError(t, s.Close())

	_, err := os.Stat(path)
	require.NoError(t, err)

	reopened := NewMemoryStoreWithSnapshot(path)
	v, err := reopened.Get(ctx, NamespaceIntents, "i1")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	require.NoError(t, reopened.Close())
}
