package btree

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/ir"
)

var smallNodes = Config{MinSize: 64, MaxSize: 160}

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	tr, err := New(chunk.NewMemoryStore(), WithConfig(smallNodes))
	require.NoError(t, err)
	return tr
}

// commitMap writes kv on top of base and returns the new root.
func commitMap(t *testing.T, tr *Tree, base chunk.Digest, puts map[string]ir.Value, dels ...string) chunk.Digest {
	t.Helper()
	ctx := context.Background()
	w, err := tr.Write(ctx, base)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close(ctx) })

	keys := make([]string, 0, len(puts))
	for k := range puts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		require.NoError(t, w.Put(ctx, k, puts[k]))
	}
	for _, k := range dels {
		_, err := w.Delete(ctx, k)
		require.NoError(t, err)
	}
	root, err := w.Commit(ctx)
	require.NoError(t, err)
	return root
}

func readAll(t *testing.T, tr *Tree, root chunk.Digest) map[string]ir.Value {
	t.Helper()
	ctx := context.Background()
	r, err := tr.Read(ctx, root)
	require.NoError(t, err)
	defer r.Close(ctx)

	out := map[string]ir.Value{}
	var last string
	for e, err := range r.Scan(ctx, KeyRange{}) {
		require.NoError(t, err)
		if len(out) > 0 {
			require.Greater(t, e.Key, last, "scan must be strictly ordered")
		}
		last = e.Key
		out[e.Key] = e.Value
	}
	return out
}

func TestDiff_AddOneKey(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)

	r1 := commitMap(t, tr, chunk.Digest{}, map[string]ir.Value{
		"a": ir.Int(1), "b": ir.Int(2), "c": ir.Int(3),
	})
	r2 := commitMap(t, tr, r1, map[string]ir.Value{"d": ir.Int(4)})

	diff, err := tr.DiffAll(ctx, r1, r2)
	require.NoError(t, err)
	assert.Equal(t, []DiffEntry{{Key: "d", Op: OpAdd, New: ir.Int(4)}}, diff)

	back, err := tr.DiffAll(ctx, r2, r1)
	require.NoError(t, err)
	assert.Equal(t, []DiffEntry{{Key: "d", Op: OpDelete, Old: ir.Int(4)}}, back)
}

func TestDiff_SameRootIsEmpty(t *testing.T) {
	tr := newTestTree(t)
	r := commitMap(t, tr, chunk.Digest{}, map[string]ir.Value{"a": ir.Int(1)})

	diff, err := tr.DiffAll(context.Background(), r, r)
	require.NoError(t, err)
	assert.Empty(t, diff)
}

func TestWrite_GetPutDelete(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)

	w, err := tr.Write(ctx, chunk.Digest{})
	require.NoError(t, err)
	defer w.Close(ctx)

	require.NoError(t, w.Put(ctx, "k", ir.String("v1")))
	v, err := w.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, ir.String("v1"), v)

	require.NoError(t, w.Put(ctx, "k", ir.String("v2")))
	v, err = w.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, ir.String("v2"), v)

	found, err := w.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = w.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = w.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	root, err := w.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, root.IsZero(), "an empty tree commits to the zero digest")
}

func TestWrite_RejectsNilValue(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)
	w, err := tr.Write(ctx, chunk.Digest{})
	require.NoError(t, err)
	defer w.Close(ctx)

	assert.Error(t, w.Put(ctx, "k", nil))
}

func TestManyKeys_SplitAndMerge(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)

	puts := map[string]ir.Value{}
	for i := range 500 {
		puts[fmt.Sprintf("row/%04d", i)] = ir.Object{"n": ir.Int(int64(i))}
	}
	root := commitMap(t, tr, chunk.Digest{}, puts)

	stats, err := tr.Stats(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 500, stats.Entries)
	assert.Greater(t, stats.Depth, 2, "small nodes force a multi-level tree")

	assert.Equal(t, puts, readAll(t, tr, root))

	// Deleting most keys merges nodes back down.
	var dels []string
	for i := range 490 {
		dels = append(dels, fmt.Sprintf("row/%04d", i))
	}
	small := commitMap(t, tr, root, nil, dels...)
	got := readAll(t, tr, small)
	assert.Len(t, got, 10)

	shrunk, err := tr.Stats(ctx, small)
	require.NoError(t, err)
	assert.Less(t, shrunk.Nodes, stats.Nodes)
	assert.Equal(t, 10, shrunk.Entries)
}

func TestScan_Ranges(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)

	puts := map[string]ir.Value{}
	for _, k := range []string{"a/1", "a/2", "a/3", "b/1", "b/2", "c/1"} {
		puts[k] = ir.String(k)
	}
	root := commitMap(t, tr, chunk.Digest{}, puts)

	r, err := tr.Read(ctx, root)
	require.NoError(t, err)
	defer r.Close(ctx)

	keys := func(rng KeyRange) []string {
		var out []string
		for e, err := range r.Scan(ctx, rng) {
			require.NoError(t, err)
			out = append(out, e.Key)
		}
		return out
	}

	tests := []struct {
		name string
		rng  KeyRange
		want []string
	}{
		{"all", KeyRange{}, []string{"a/1", "a/2", "a/3", "b/1", "b/2", "c/1"}},
		{"prefix", Prefix("b/"), []string{"b/1", "b/2"}},
		{"start inclusive", KeyRange{Start: "a/3"}, []string{"a/3", "b/1", "b/2", "c/1"}},
		{"restart exclusive", KeyRange{Start: "a/3", Exclusive: true}, []string{"b/1", "b/2", "c/1"}},
		{"end", KeyRange{Start: "a/2", End: "b/2"}, []string{"a/2", "a/3", "b/1"}},
		{"prefix restart", KeyRange{Prefix: "a/", Start: "a/1", Exclusive: true}, []string{"a/2", "a/3"}},
		{"missing prefix", Prefix("z/"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keys(tt.rng))
		})
	}
}

func TestScan_StopsEarly(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)

	puts := map[string]ir.Value{}
	for i := range 100 {
		puts[fmt.Sprintf("k%03d", i)] = ir.Int(int64(i))
	}
	root := commitMap(t, tr, chunk.Digest{}, puts)

	r, err := tr.Read(ctx, root)
	require.NoError(t, err)
	defer r.Close(ctx)

	n := 0
	for _, err := range r.Scan(ctx, KeyRange{}) {
		require.NoError(t, err)
		n++
		if n == 5 {
			break
		}
	}
	assert.Equal(t, 5, n)
}

func TestRead_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)

	r1 := commitMap(t, tr, chunk.Digest{}, map[string]ir.Value{"a": ir.Int(1)})
	r, err := tr.Read(ctx, r1)
	require.NoError(t, err)
	defer r.Close(ctx)

	commitMap(t, tr, r1, map[string]ir.Value{"a": ir.Int(2), "b": ir.Int(3)})

	v, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ir.Int(1), v)
	ok, err := r.Has(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStructuralSharing(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)

	puts := map[string]ir.Value{}
	for i := range 1000 {
		puts[fmt.Sprintf("row/%05d", i)] = ir.Int(int64(i))
	}
	r1 := commitMap(t, tr, chunk.Digest{}, puts)
	before, err := tr.Nodes(ctx, r1)
	require.NoError(t, err)
	stats, err := tr.Stats(ctx, r1)
	require.NoError(t, err)

	r2 := commitMap(t, tr, r1, map[string]ir.Value{"row/00500": ir.Int(-1)})
	after, err := tr.Nodes(ctx, r2)
	require.NoError(t, err)

	old := make(map[chunk.Digest]bool, len(before))
	for _, d := range before {
		old[d] = true
	}
	fresh := 0
	for _, d := range after {
		if !old[d] {
			fresh++
		}
	}
	assert.LessOrEqual(t, fresh, 2*stats.Depth+1, "a single-key change rewrites one path")
	assert.Less(t, fresh, len(after)/4)

	// Every node of the old tree is still there, byte for byte.
	for _, d := range before {
		c, err := tr.Store().Get(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, d, c.Digest)
	}

	diff, err := tr.DiffAll(ctx, r1, r2)
	require.NoError(t, err)
	assert.Equal(t, []DiffEntry{{Key: "row/00500", Op: OpChange, Old: ir.Int(500), New: ir.Int(-1)}}, diff)
}

// referenceDiff computes the diff between two maps directly.
func referenceDiff(a, b map[string]ir.Value) []DiffEntry {
	keys := map[string]bool{}
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var out []DiffEntry
	for _, k := range sorted {
		va, inA := a[k]
		vb, inB := b[k]
		switch {
		case inA && !inB:
			out = append(out, DiffEntry{Key: k, Op: OpDelete, Old: va})
		case !inA && inB:
			out = append(out, DiffEntry{Key: k, Op: OpAdd, New: vb})
		case !ir.Equal(va, vb):
			out = append(out, DiffEntry{Key: k, Op: OpChange, Old: va, New: vb})
		}
	}
	return out
}

func TestDiff_MatchesReference(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 2))

	for round := range 20 {
		t.Run(fmt.Sprintf("round%d", round), func(t *testing.T) {
			tr := newTestTree(t)

			state := map[string]ir.Value{}
			for i := range 300 {
				state[fmt.Sprintf("k%04d", rng.IntN(1000))] = ir.Int(int64(i))
			}
			ra := commitMap(t, tr, chunk.Digest{}, state)

			puts := map[string]ir.Value{}
			var dels []string
			for range rng.IntN(60) + 1 {
				k := fmt.Sprintf("k%04d", rng.IntN(1000))
				if rng.IntN(3) == 0 {
					dels = append(dels, k)
				} else {
					puts[k] = ir.Int(int64(rng.IntN(5)))
				}
			}

			// commitMap applies puts before deletes.
			next := map[string]ir.Value{}
			for k, v := range state {
				next[k] = v
			}
			for k, v := range puts {
				next[k] = v
			}
			for _, k := range dels {
				delete(next, k)
			}
			rb := commitMap(t, tr, ra, puts, dels...)

			require.Equal(t, next, readAll(t, tr, rb))

			got, err := tr.DiffAll(ctx, ra, rb)
			require.NoError(t, err)
			assert.Equal(t, referenceDiff(state, next), got)

			// Applying the diff to A reproduces B's rows.
			w, err := tr.Write(ctx, ra)
			require.NoError(t, err)
			defer w.Close(ctx)
			require.NoError(t, w.ApplyDiff(ctx, got))
			rc, err := w.Commit(ctx)
			require.NoError(t, err)
			assert.Equal(t, next, readAll(t, tr, rc))
		})
	}
}

func TestRead_CorruptNode(t *testing.T) {
	ctx := context.Background()
	tr := newTestTree(t)

	l := tr.Store().NewLease()
	defer l.Release(ctx)
	bad, err := l.Put(ctx, []byte{0xc1})
	require.NoError(t, err)

	_, err = tr.Read(ctx, bad)
	require.Error(t, err)
	assert.True(t, chunk.IsCorruption(err))
}

func TestDecodeNode_Invariants(t *testing.T) {
	unsorted := &node{level: 0, entries: []entry{
		newLeafEntry("b", []byte("1")),
		newLeafEntry("a", []byte("2")),
	}}
	payload, _, err := encodeNode(unsorted)
	require.NoError(t, err)

	_, err = decodeNode(chunk.Chunk{Digest: chunk.Compute(payload), Payload: payload})
	assert.True(t, chunk.IsCorruption(err))

	emptyInternal := &node{level: 1}
	payload, _, err = encodeNode(emptyInternal)
	require.NoError(t, err)
	_, err = decodeNode(chunk.Chunk{Digest: chunk.Compute(payload), Payload: payload})
	assert.True(t, chunk.IsCorruption(err))
}

func TestPartition(t *testing.T) {
	mk := func(sizes ...int) []entry {
		out := make([]entry, len(sizes))
		for i, s := range sizes {
			out[i] = entry{key: fmt.Sprint(i), size: s}
		}
		return out
	}
	lens := func(parts [][]entry) []int {
		var out []int
		for _, p := range parts {
			out = append(out, len(p))
		}
		return out
	}

	assert.Equal(t, []int{2, 2}, lens(partition(mk(5, 5, 5, 5), 10, 20)))
	assert.Equal(t, []int{1, 1, 1}, lens(partition(mk(3, 30, 3), 10, 20)))
	assert.Equal(t, []int{3}, lens(partition(mk(6, 6, 1), 10, 20)), "short tail joins previous run")
	assert.Nil(t, partition(nil, 10, 20))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{MinSize: 4, MaxSize: 100}.Validate())
	assert.Error(t, Config{MinSize: 100, MaxSize: 100}.Validate())
}
