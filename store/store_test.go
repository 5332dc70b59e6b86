package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ringdht/ringdht/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")

	key := ring.Hash([]byte("k"))
	require.NoError(t, s.Put(ctx, Object{Key: key, Value: []byte("v"), BlockNumber: 1}))

	obj, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), obj.Value)
}

func TestMemoryStoreRejectsOlderVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")
	key := ring.Hash([]byte("k"))

	require.NoError(t, s.Put(ctx, Object{Key: key, Value: []byte("v2"), BlockNumber: 2}))
	err := s.Put(ctx, Object{Key: key, Value: []byte("v1"), BlockNumber: 1})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMemoryStoreRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")

	var low, mid, high ring.Key
	low[31] = 10
	mid[31] = 20
	high[31] = 30
	require.NoError(t, s.Put(ctx, Object{Key: low, BlockNumber: 1}))
	require.NoError(t, s.Put(ctx, Object{Key: mid, BlockNumber: 1}))
	require.NoError(t, s.Put(ctx, Object{Key: high, BlockNumber: 1}))

	var start, end ring.Key
	start[31] = 15
	end[31] = 25
	objs, err := s.Range(ctx, start, end)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, mid, objs[0].Key)
}

func TestMemoryStoreEncodeDecodeRoundTrip(t *testing.T) {
	s := NewMemoryStore("")
	obj := Object{Key: ring.Hash([]byte("k")), Value: []byte("value"), BlockNumber: 7}

	data, err := s.Encode(obj)
	require.NoError(t, err)

	decoded, err := s.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, obj, decoded)
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.gob")

	s := NewMemoryStore(path)
	key := ring.Hash([]byte("k"))
	require.NoError(t, s.Put(ctx, Object{Key: key, Value: []byte("v"), BlockNumber: 5}))
	require.NoError(t, s.Snapshot())

	restored := NewMemoryStore(path)
	require.NoError(t, restored.LoadSnapshot())

	obj, ok, err := restored.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), obj.Value)

	height, err := restored.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), height)
}

func TestMemoryStoreLoadSnapshotMissingFileIsNotError(t *testing.T) {
	s := NewMemoryStore(filepath.Join(t.TempDir(), "missing.gob"))
	assert.NoError(t, s.LoadSnapshot())
}

func TestMemoryStoreLoadSnapshotCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.gob")
	require.NoError(t, os.WriteFile(path, []byte("not a gob stream"), 0o600))

	s := NewMemoryStore(path)
	assert.ErrorIs(t, s.LoadSnapshot(), ErrCorruptSnapshot)

	// The store stays usable, just empty.
	ctx := context.Background()
	_, ok, err := s.Get(ctx, ring.Hash([]byte("k")))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Put(ctx, Object{Key: ring.Hash([]byte("k")), Value: []byte("v"), BlockNumber: 1}))
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")
	key := ring.Hash([]byte("k"))
	require.NoError(t, s.Put(ctx, Object{Key: key, BlockNumber: 1}))

	s.Delete(key)
	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
