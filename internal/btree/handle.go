package btree

import (
	"context"
	"fmt"
	"iter"

	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/ir"
)

// Read is a snapshot of the tree at a fixed root. The root is pinned by a
// lease until Close.
type Read struct {
	tree  *Tree
	lease *chunk.Lease
	root  *node
}

// Read opens a snapshot at root. The zero digest is the empty tree.
func (t *Tree) Read(ctx context.Context, root chunk.Digest) (*Read, error) {
	lease := t.store.NewLease()
	if err := lease.Pin(ctx, root); err != nil {
		lease.Release(ctx)
		return nil, fmt.Errorf("pin root: %w", err)
	}
	n, err := t.load(ctx, root, -1)
	if err != nil {
		lease.Release(ctx)
		return nil, err
	}
	return &Read{tree: t, lease: lease, root: n}, nil
}

// Root returns the digest the snapshot is fixed at.
func (r *Read) Root() chunk.Digest {
	return r.root.digest
}

// Get returns the value at key or ErrNotFound.
func (r *Read) Get(ctx context.Context, key string) (ir.Value, error) {
	return getValue(ctx, r.tree, r.root, key)
}

// Has reports whether key is present.
func (r *Read) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := r.tree.get(ctx, r.root, key)
	return ok, err
}

// Scan iterates entries in key order within rng.
func (r *Read) Scan(ctx context.Context, rng KeyRange) iter.Seq2[Entry, error] {
	return r.tree.scanSeq(ctx, r.root, rng)
}

// Close releases the snapshot's lease.
func (r *Read) Close(ctx context.Context) error {
	return r.lease.Release(ctx)
}

// Write is a copy-on-write transaction starting from a root.
// Modified nodes stay in memory until Commit.
type Write struct {
	tree  *Tree
	lease *chunk.Lease
	base  chunk.Digest
	root  *node
}

// Write opens a write handle on root. The zero digest is the empty tree.
func (t *Tree) Write(ctx context.Context, root chunk.Digest) (*Write, error) {
	lease := t.store.NewLease()
	if err := lease.Pin(ctx, root); err != nil {
		lease.Release(ctx)
		return nil, fmt.Errorf("pin root: %w", err)
	}
	n, err := t.load(ctx, root, -1)
	if err != nil {
		lease.Release(ctx)
		return nil, err
	}
	return &Write{tree: t, lease: lease, base: root, root: n}, nil
}

// Base returns the root the write started from.
func (w *Write) Base() chunk.Digest {
	return w.base
}

// Lease returns the lease pinning chunks written by this handle.
func (w *Write) Lease() *chunk.Lease {
	return w.lease
}

// Get returns the value at key, including uncommitted writes.
func (w *Write) Get(ctx context.Context, key string) (ir.Value, error) {
	return getValue(ctx, w.tree, w.root, key)
}

// Has reports whether key is present, including uncommitted writes.
func (w *Write) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := w.tree.get(ctx, w.root, key)
	return ok, err
}

// Scan iterates the current state of the write, in key order.
// The write must not be modified during iteration.
func (w *Write) Scan(ctx context.Context, rng KeyRange) iter.Seq2[Entry, error] {
	return w.tree.scanSeq(ctx, w.root, rng)
}

// Put sets key to v.
func (w *Write) Put(ctx context.Context, key string, v ir.Value) error {
	raw, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	root, err := w.tree.put(ctx, w.root, key, raw)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	w.root = w.tree.splitRoot(root)
	return nil
}

// Delete removes key and reports whether it was present.
func (w *Write) Delete(ctx context.Context, key string) (bool, error) {
	root, found, err := w.tree.del(ctx, w.root, key)
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	if !found {
		return false, nil
	}
	if w.root, err = w.tree.collapseRoot(ctx, root); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes every key.
func (w *Write) Clear() {
	w.root = &node{}
}

// Commit stores modified nodes and returns the new root digest. An empty
// tree commits to the zero digest. Written chunks stay pinned by the
// write's lease, so the caller should move a head before Close.
func (w *Write) Commit(ctx context.Context) (chunk.Digest, error) {
	if len(w.root.entries) == 0 {
		return chunk.Digest{}, nil
	}
	d, err := w.tree.flush(ctx, w.lease, w.root)
	if err != nil {
		return chunk.Digest{}, fmt.Errorf("commit: %w", err)
	}
	return d, nil
}

// Close releases the write's lease. Uncommitted changes are discarded.
func (w *Write) Close(ctx context.Context) error {
	return w.lease.Release(ctx)
}

// ApplyDiff applies diff entries as puts and deletes.
func (w *Write) ApplyDiff(ctx context.Context, entries []DiffEntry) error {
	for _, e := range entries {
		switch e.Op {
		case OpAdd, OpChange:
			if err := w.Put(ctx, e.Key, e.New); err != nil {
				return err
			}
		case OpDelete:
			if _, err := w.Delete(ctx, e.Key); err != nil {
				return err
			}
		default:
			return fmt.Errorf("apply diff: unknown op %q", e.Op)
		}
	}
	return nil
}

func getValue(ctx context.Context, t *Tree, root *node, key string) (ir.Value, error) {
	raw, ok, err := t.get(ctx, root, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	v, err := ir.Decode(raw)
	if err != nil {
		return nil, chunk.Corruptf(root.digest, err, "value of %q", key)
	}
	return v, nil
}
