// Package mutator defines named, deterministic write functions shared by
// clients and the server, and the transaction they run against.
//
// A mutator must be a pure function of its arguments and the state it
// reads through the WriteTx. The same mutator runs optimistically on the
// client, again on every rebase, and once authoritatively on the server.
package mutator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/ir"
)

// Reason says why a mutator is running.
type Reason string

const (
	ReasonInitial       Reason = "initial"
	ReasonRebase        Reason = "rebase"
	ReasonAuthoritative Reason = "authoritative"
)

// Func is a mutator. A returned error rejects the mutation.
type Func func(ctx context.Context, tx *WriteTx, args ir.Value) error

// ErrUnknown is returned by Registry.Run for a name with no mutator.
var ErrUnknown = errors.New("unknown mutator")

// Registry maps mutation names to mutators.
type Registry map[string]Func

// Names returns the registered names in order.
func (r Registry) Names() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Run applies the named mutator.
func (r Registry) Run(ctx context.Context, name string, tx *WriteTx, args ir.Value) error {
	fn, ok := r[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknown, name)
	}
	return fn(ctx, tx, args)
}

// WriteTx is the view of the data tree a mutator sees.
type WriteTx struct {
	w *btree.Write

	ClientID   string
	MutationID uint64
	Reason     Reason
}

// NewWriteTx wraps a B-tree write handle.
func NewWriteTx(w *btree.Write, clientID string, mutationID uint64, reason Reason) *WriteTx {
	return &WriteTx{w: w, ClientID: clientID, MutationID: mutationID, Reason: reason}
}

// Get returns the value at key. Missing keys return btree.ErrNotFound.
func (tx *WriteTx) Get(ctx context.Context, key string) (ir.Value, error) {
	return tx.w.Get(ctx, key)
}

func (tx *WriteTx) Has(ctx context.Context, key string) (bool, error) {
	return tx.w.Has(ctx, key)
}

func (tx *WriteTx) Put(ctx context.Context, key string, v ir.Value) error {
	return tx.w.Put(ctx, key, v)
}

func (tx *WriteTx) Delete(ctx context.Context, key string) (bool, error) {
	return tx.w.Delete(ctx, key)
}

func (tx *WriteTx) Scan(ctx context.Context, rng btree.KeyRange) iter.Seq2[btree.Entry, error] {
	return tx.w.Scan(ctx, rng)
}
