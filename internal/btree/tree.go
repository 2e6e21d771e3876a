package btree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/ir"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("key not found")

// Entry is a key and its value.
type Entry struct {
	Key   string
	Value ir.Value
}

// Tree reads and writes B-trees in a chunk store.
// A Tree is stateless apart from its configuration and is safe for
// concurrent use; Read and Write handles are not.
type Tree struct {
	store  *chunk.Store
	cfg    Config
	logger *slog.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithConfig sets node size bounds.
func WithConfig(cfg Config) Option {
	return func(t *Tree) {
		t.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tree) {
		t.logger = l
	}
}

// New returns a Tree over store.
func New(store *chunk.Store, opts ...Option) (*Tree, error) {
	t := &Tree{store: store, cfg: DefaultConfig(), logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.cfg.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Store returns the underlying chunk store.
func (t *Tree) Store() *chunk.Store {
	return t.store
}

// load reads the node d. level is the expected level, or -1 for a root.
func (t *Tree) load(ctx context.Context, d chunk.Digest, level int) (*node, error) {
	if d.IsZero() {
		return &node{}, nil
	}
	c, err := t.store.Get(ctx, d)
	if err != nil {
		if chunk.IsNotFound(err) {
			return nil, chunk.Corruptf(d, err, "missing node")
		}
		return nil, err
	}
	n, err := decodeNode(c)
	if err != nil {
		return nil, err
	}
	if level >= 0 && n.level != level {
		return nil, chunk.Corruptf(d, nil, "node level %d, parent expects %d", n.level, level)
	}
	return n, nil
}

// child resolves the i'th child of an internal node.
func (t *Tree) child(ctx context.Context, n *node, i int) (*node, error) {
	e := n.entries[i]
	if e.node != nil {
		return e.node, nil
	}
	c, err := t.load(ctx, e.child, n.level-1)
	if err != nil {
		return nil, err
	}
	if len(c.entries) == 0 || c.maxKey() != e.key {
		return nil, chunk.Corruptf(e.child, nil, "child bound mismatch for %q", e.key)
	}
	return c, nil
}

// get returns the raw value for key below n.
func (t *Tree) get(ctx context.Context, n *node, key string) ([]byte, bool, error) {
	for {
		i := n.lowerBound(key)
		if i == len(n.entries) {
			return nil, false, nil
		}
		if n.isLeaf() {
			if n.entries[i].key != key {
				return nil, false, nil
			}
			return n.entries[i].value, true, nil
		}
		next, err := t.child(ctx, n, i)
		if err != nil {
			return nil, false, err
		}
		n = next
	}
}

// put returns the node replacing n once key holds value. n itself is
// never modified; an unchanged value returns n.
func (t *Tree) put(ctx context.Context, n *node, key string, value []byte) (*node, error) {
	i := n.lowerBound(key)
	if n.isLeaf() {
		found := i < len(n.entries) && n.entries[i].key == key
		if found && string(n.entries[i].value) == string(value) {
			return n, nil
		}
		entries := make([]entry, 0, len(n.entries)+1)
		entries = append(entries, n.entries[:i]...)
		entries = append(entries, newLeafEntry(key, value))
		if found {
			i++
		}
		entries = append(entries, n.entries[i:]...)
		return &node{level: 0, entries: entries}, nil
	}

	if i == len(n.entries) {
		i--
	}
	child, err := t.child(ctx, n, i)
	if err != nil {
		return nil, err
	}
	updated, err := t.put(ctx, child, key, value)
	if err != nil {
		return nil, err
	}
	if updated == child {
		return n, nil
	}
	return t.replaceChild(ctx, n, i, updated)
}

// del returns the node replacing n once key is removed, and whether key
// was present.
func (t *Tree) del(ctx context.Context, n *node, key string) (*node, bool, error) {
	i := n.lowerBound(key)
	if i == len(n.entries) {
		return n, false, nil
	}
	if n.isLeaf() {
		if n.entries[i].key != key {
			return n, false, nil
		}
		entries := make([]entry, 0, len(n.entries)-1)
		entries = append(entries, n.entries[:i]...)
		entries = append(entries, n.entries[i+1:]...)
		return &node{level: 0, entries: entries}, true, nil
	}

	child, err := t.child(ctx, n, i)
	if err != nil {
		return nil, false, err
	}
	updated, found, err := t.del(ctx, child, key)
	if err != nil || !found {
		return n, false, err
	}
	replaced, err := t.replaceChild(ctx, n, i, updated)
	return replaced, true, err
}

// replaceChild swaps the i'th child of n for child, rebalancing when the
// child is empty or out of bounds.
func (t *Tree) replaceChild(ctx context.Context, n *node, i int, child *node) (*node, error) {
	if len(child.entries) == 0 {
		entries := make([]entry, 0, len(n.entries)-1)
		entries = append(entries, n.entries[:i]...)
		entries = append(entries, n.entries[i+1:]...)
		return &node{level: n.level, entries: entries}, nil
	}

	if size := child.size(); size >= t.cfg.MinSize && size <= t.cfg.MaxSize {
		entries := append([]entry(nil), n.entries...)
		entries[i] = newChildEntry(child)
		return &node{level: n.level, entries: entries}, nil
	}
	return t.mergeAndPartition(ctx, n, i, child)
}

// mergeAndPartition joins an out-of-bounds child with a neighbour and
// re-partitions the combined entries into new children.
func (t *Tree) mergeAndPartition(ctx context.Context, n *node, i int, child *node) (*node, error) {
	var (
		values        []entry
		start, remove int
	)
	switch {
	case i > 0:
		prev, err := t.child(ctx, n, i-1)
		if err != nil {
			return nil, err
		}
		values = append(append(values, prev.entries...), child.entries...)
		start, remove = i-1, 2
	case i < len(n.entries)-1:
		next, err := t.child(ctx, n, i+1)
		if err != nil {
			return nil, err
		}
		values = append(append(values, child.entries...), next.entries...)
		start, remove = i, 2
	default:
		values = child.entries
		start, remove = i, 1
	}

	parts := partition(values, t.cfg.MinSize-nodeHeaderSize, t.cfg.MaxSize-nodeHeaderSize)
	entries := make([]entry, 0, len(n.entries)-remove+len(parts))
	entries = append(entries, n.entries[:start]...)
	for _, p := range parts {
		entries = append(entries, newChildEntry(&node{level: n.level - 1, entries: p}))
	}
	entries = append(entries, n.entries[start+remove:]...)
	return &node{level: n.level, entries: entries}, nil
}

// splitRoot adds a level when the root has outgrown MaxSize.
func (t *Tree) splitRoot(root *node) *node {
	if root.size() <= t.cfg.MaxSize || len(root.entries) < 2 {
		return root
	}
	parts := partition(root.entries, t.cfg.MinSize-nodeHeaderSize, t.cfg.MaxSize-nodeHeaderSize)
	if len(parts) < 2 {
		return root
	}
	entries := make([]entry, len(parts))
	for i, p := range parts {
		entries[i] = newChildEntry(&node{level: root.level, entries: p})
	}
	return &node{level: root.level + 1, entries: entries}
}

// collapseRoot removes levels that hold a single child.
func (t *Tree) collapseRoot(ctx context.Context, root *node) (*node, error) {
	for !root.isLeaf() {
		switch len(root.entries) {
		case 0:
			return &node{}, nil
		case 1:
			next, err := t.child(ctx, root, 0)
			if err != nil {
				return nil, err
			}
			root = next
		default:
			return root, nil
		}
	}
	return root, nil
}

// flush stores every dirty node below and including n, children first.
func (t *Tree) flush(ctx context.Context, lease *chunk.Lease, n *node) (chunk.Digest, error) {
	if !n.dirty() {
		return n.digest, nil
	}
	for i := range n.entries {
		e := &n.entries[i]
		if e.node == nil {
			continue
		}
		d, err := t.flush(ctx, lease, e.node)
		if err != nil {
			return chunk.Digest{}, err
		}
		e.child = d
	}
	payload, refs, err := encodeNode(n)
	if err != nil {
		return chunk.Digest{}, fmt.Errorf("encode node: %w", err)
	}
	d, err := lease.Put(ctx, payload, refs...)
	if err != nil {
		return chunk.Digest{}, err
	}
	n.digest = d
	return d, nil
}

func decodeValue(n *node, key string, raw []byte) (ir.Value, error) {
	v, err := ir.Decode(raw)
	if err != nil {
		return nil, chunk.Corruptf(n.digest, err, "value of %q", key)
	}
	return v, nil
}
