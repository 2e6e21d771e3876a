package mutator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/ir"
)

func newTx(t *testing.T) *WriteTx {
	t.Helper()
	tr, err := btree.New(chunk.NewMemoryStore())
	require.NoError(t, err)
	w, err := tr.Write(context.Background(), chunk.Digest{})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close(context.Background()) })
	return NewWriteTx(w, "c1", 1, ReasonInitial)
}

func TestRows(t *testing.T) {
	ctx := context.Background()
	tx := newTx(t)
	reg := Rows("id")

	require.NoError(t, reg.Run(ctx, "putRow", tx, ir.MustDecode(`{"table":"todo","row":{"id":"1","title":"a"}}`)))
	v, err := tx.Get(ctx, "todo/1")
	require.NoError(t, err)
	assert.Equal(t, ir.MustDecode(`{"id":"1","title":"a"}`), v)

	require.NoError(t, reg.Run(ctx, "updateRow", tx, ir.MustDecode(`{"table":"todo","id":"1","set":{"done":true}}`)))
	v, err = tx.Get(ctx, "todo/1")
	require.NoError(t, err)
	assert.Equal(t, ir.MustDecode(`{"id":"1","title":"a","done":true}`), v)

	err = reg.Run(ctx, "updateRow", tx, ir.MustDecode(`{"table":"todo","id":"9","set":{"done":true}}`))
	assert.ErrorIs(t, err, ErrRowMissing)

	err = reg.Run(ctx, "updateRow", tx, ir.MustDecode(`{"table":"todo","id":"1","set":{"id":"2"}}`))
	assert.Error(t, err)

	require.NoError(t, reg.Run(ctx, "deleteRow", tx, ir.MustDecode(`{"table":"todo","id":"1"}`)))
	ok, err := tx.Has(ctx, "todo/1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRows_BadArgs(t *testing.T) {
	ctx := context.Background()
	tx := newTx(t)
	reg := Rows("id")
	for name, args := range map[string]string{
		"putRow":    `{"table":"todo","row":{"title":"no id"}}`,
		"updateRow": `{"table":"todo","set":{}}`,
		"deleteRow": `[1]`,
	} {
		assert.Error(t, reg.Run(ctx, name, tx, ir.MustDecode(args)), name)
	}
}

func TestRegistry_Unknown(t *testing.T) {
	err := Registry{}.Run(context.Background(), "nope", newTx(t), ir.Null{})
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestMerge(t *testing.T) {
	called := ""
	reg := Merge(Rows("id"), Registry{
		"putRow": func(context.Context, *WriteTx, ir.Value) error { called = "override"; return nil },
	})
	assert.Equal(t, []string{"deleteRow", "putRow", "updateRow"}, reg.Names())
	require.NoError(t, reg.Run(context.Background(), "putRow", newTx(t), ir.Null{}))
	assert.Equal(t, "override", called)
}
