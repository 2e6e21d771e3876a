package btree

import (
	"bytes"
	"context"
	"iter"

	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/ir"
)

// Op is the kind of a diff entry.
type Op string

const (
	OpAdd    Op = "add"
	OpChange Op = "change"
	OpDelete Op = "delete"
)

// DiffEntry is one key whose value differs between two roots.
// Old is nil for OpAdd, New is nil for OpDelete.
type DiffEntry struct {
	Key string
	Op  Op
	Old ir.Value
	New ir.Value
}

// cursorItem is either an unexpanded subtree or a single leaf entry.
type cursorItem struct {
	subtree bool
	digest  chunk.Digest
	level   int
	key     string // subtree: max key; leaf entry: key
	value   []byte
	owner   *node
}

// cursor is a stack of pending items; the next item in key order is last.
type cursor []cursorItem

func (c cursor) head() *cursorItem { return &c[len(c)-1] }

// Diff yields the entries that turn the tree at a into the tree at b, in
// key order. Subtrees with equal digests at both cursors are skipped
// without being read.
func (t *Tree) Diff(ctx context.Context, a, b chunk.Digest) iter.Seq2[DiffEntry, error] {
	return func(yield func(DiffEntry, error) bool) {
		if a == b {
			return
		}
		lease := t.store.NewLease()
		defer lease.Release(ctx)
		for _, d := range []chunk.Digest{a, b} {
			if err := lease.Pin(ctx, d); err != nil {
				yield(DiffEntry{}, err)
				return
			}
		}

		ca, err := t.rootCursor(ctx, a)
		if err != nil {
			yield(DiffEntry{}, err)
			return
		}
		cb, err := t.rootCursor(ctx, b)
		if err != nil {
			yield(DiffEntry{}, err)
			return
		}
		t.diff(ctx, ca, cb, yield)
	}
}

func (t *Tree) rootCursor(ctx context.Context, d chunk.Digest) (cursor, error) {
	if d.IsZero() {
		return nil, nil
	}
	n, err := t.load(ctx, d, -1)
	if err != nil {
		return nil, err
	}
	if len(n.entries) == 0 {
		return nil, nil
	}
	return cursor{{subtree: true, digest: d, level: n.level, key: n.maxKey()}}, nil
}

// expand replaces the head subtree with its entries.
func (t *Tree) expand(ctx context.Context, c cursor) (cursor, error) {
	h := c[len(c)-1]
	c = c[:len(c)-1]
	n, err := t.load(ctx, h.digest, h.level)
	if err != nil {
		return nil, err
	}
	if len(n.entries) == 0 || n.maxKey() != h.key {
		return nil, chunk.Corruptf(h.digest, nil, "child bound mismatch for %q", h.key)
	}
	for i := len(n.entries) - 1; i >= 0; i-- {
		e := n.entries[i]
		if n.isLeaf() {
			c = append(c, cursorItem{key: e.key, value: e.value, owner: n})
		} else {
			c = append(c, cursorItem{subtree: true, digest: e.child, level: n.level - 1, key: e.key})
		}
	}
	return c, nil
}

func (t *Tree) diff(ctx context.Context, a, b cursor, yield func(DiffEntry, error) bool) {
	emit := func(op Op, key string, oldItem, newItem *cursorItem) bool {
		de := DiffEntry{Key: key, Op: op}
		var err error
		if oldItem != nil {
			if de.Old, err = decodeValue(oldItem.owner, key, oldItem.value); err != nil {
				yield(DiffEntry{}, err)
				return false
			}
		}
		if newItem != nil {
			if de.New, err = decodeValue(newItem.owner, key, newItem.value); err != nil {
				yield(DiffEntry{}, err)
				return false
			}
		}
		return yield(de, nil)
	}

	var err error
	for len(a) > 0 || len(b) > 0 {
		if err := ctx.Err(); err != nil {
			yield(DiffEntry{}, err)
			return
		}

		switch {
		case len(b) == 0:
			if a.head().subtree {
				a, err = t.expand(ctx, a)
				break
			}
			h := *a.head()
			a = a[:len(a)-1]
			if !emit(OpDelete, h.key, &h, nil) {
				return
			}
			continue

		case len(a) == 0:
			if b.head().subtree {
				b, err = t.expand(ctx, b)
				break
			}
			h := *b.head()
			b = b[:len(b)-1]
			if !emit(OpAdd, h.key, nil, &h) {
				return
			}
			continue

		default:
			ha, hb := a.head(), b.head()
			switch {
			case ha.subtree && hb.subtree && ha.digest == hb.digest:
				a, b = a[:len(a)-1], b[:len(b)-1]
			case ha.subtree && hb.subtree:
				switch {
				case ha.level > hb.level:
					a, err = t.expand(ctx, a)
				case hb.level > ha.level:
					b, err = t.expand(ctx, b)
				default:
					if a, err = t.expand(ctx, a); err == nil {
						b, err = t.expand(ctx, b)
					}
				}
			case ha.subtree:
				a, err = t.expand(ctx, a)
			case hb.subtree:
				b, err = t.expand(ctx, b)
			default:
				ea, eb := *ha, *hb
				switch {
				case ea.key < eb.key:
					a = a[:len(a)-1]
					if !emit(OpDelete, ea.key, &ea, nil) {
						return
					}
				case eb.key < ea.key:
					b = b[:len(b)-1]
					if !emit(OpAdd, eb.key, nil, &eb) {
						return
					}
				default:
					a, b = a[:len(a)-1], b[:len(b)-1]
					if !bytes.Equal(ea.value, eb.value) {
						if !emit(OpChange, ea.key, &ea, &eb) {
							return
						}
					}
				}
			}
		}
		if err != nil {
			yield(DiffEntry{}, err)
			return
		}
	}
}

// DiffAll collects Diff into a slice.
func (t *Tree) DiffAll(ctx context.Context, a, b chunk.Digest) ([]DiffEntry, error) {
	var out []DiffEntry
	for e, err := range t.Diff(ctx, a, b) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
