package btree

import (
	"context"

	"github.com/roach88/lattice/internal/chunk"
)

// Stats describes the shape of a committed tree.
type Stats struct {
	Nodes   int `json:"nodes"`
	Leaves  int `json:"leaves"`
	Entries int `json:"entries"`
	Depth   int `json:"depth"`
}

// Stats walks every node under root.
func (t *Tree) Stats(ctx context.Context, root chunk.Digest) (Stats, error) {
	var s Stats
	if root.IsZero() {
		return s, nil
	}
	err := t.walk(ctx, root, -1, func(n *node) {
		s.Nodes++
		if n.isLeaf() {
			s.Leaves++
			s.Entries += len(n.entries)
		}
		if n.level+1 > s.Depth {
			s.Depth = n.level + 1
		}
	})
	return s, err
}

// Nodes returns the digest of every node under root.
func (t *Tree) Nodes(ctx context.Context, root chunk.Digest) ([]chunk.Digest, error) {
	var out []chunk.Digest
	if root.IsZero() {
		return nil, nil
	}
	err := t.walk(ctx, root, -1, func(n *node) {
		out = append(out, n.digest)
	})
	return out, err
}

func (t *Tree) walk(ctx context.Context, d chunk.Digest, level int, fn func(*node)) error {
	n, err := t.load(ctx, d, level)
	if err != nil {
		return err
	}
	return t.walkNode(ctx, n, fn)
}

func (t *Tree) walkNode(ctx context.Context, n *node, fn func(*node)) error {
	fn(n)
	if n.isLeaf() {
		return nil
	}
	for i := range n.entries {
		child, err := t.child(ctx, n, i)
		if err != nil {
			return err
		}
		if err := t.walkNode(ctx, child, fn); err != nil {
			return err
		}
	}
	return nil
}
