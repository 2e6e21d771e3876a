package commit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lattice/internal/chunk"
)

func TestPutLoad_Snapshot(t *testing.T) {
	ctx := context.Background()
	store := chunk.NewMemoryStore()
	lease := store.NewLease()
	defer lease.Release(ctx)

	data, err := lease.Put(ctx, []byte("data root"))
	require.NoError(t, err)

	in := &Snapshot{Cookie: "7", LastMutationIDs: map[string]uint64{"b": 2, "a": 1}, DataRoot: data}
	d, err := Put(ctx, lease, in)
	require.NoError(t, err)

	c, err := store.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []chunk.Digest{data}, c.Refs)

	var out Snapshot
	require.NoError(t, Load(ctx, store, d, &out))
	assert.Equal(t, in.Cookie, out.Cookie)
	assert.Equal(t, in.LastMutationIDs, out.LastMutationIDs)
	assert.Equal(t, data, out.DataRoot)
}

func TestEncode_Deterministic(t *testing.T) {
	a, err := Encode(&Local{Applied: map[string]uint64{"x": 1, "y": 2, "z": 3}})
	require.NoError(t, err)
	for range 10 {
		b, err := Encode(&Local{Applied: map[string]uint64{"z": 3, "y": 2, "x": 1}})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestRefs_SkipZero(t *testing.T) {
	assert.Empty(t, (&Server{Version: 1}).Refs())
	assert.Len(t, (&Local{DataRoot: chunk.Compute([]byte("x"))}).Refs(), 1)
}

func TestLoadHead(t *testing.T) {
	ctx := context.Background()
	store := chunk.NewMemoryStore()

	_, ok, err := LoadHead(ctx, store, "server/main", &Server{})
	require.NoError(t, err)
	assert.False(t, ok)

	lease := store.NewLease()
	defer lease.Release(ctx)
	d, err := Put(ctx, lease, &Server{Version: 3})
	require.NoError(t, err)
	require.NoError(t, store.UpdateHead(ctx, "server/main", chunk.Digest{}, d))

	var s Server
	got, ok, err := LoadHead(ctx, store, "server/main", &s)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, d, got)
	assert.Equal(t, int64(3), s.Version)
}

func TestLoad_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	store := chunk.NewMemoryStore()
	lease := store.NewLease()
	defer lease.Release(ctx)
	d, err := lease.Put(ctx, []byte{0xc1})
	require.NoError(t, err)
	err = Load(ctx, store, d, &Lease{})
	assert.True(t, chunk.IsCorruption(err))
}
