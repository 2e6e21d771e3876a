// Package mutlog is the durable queue of a client's pending mutations.
//
// Each client's log is a B-tree under the head "log/<clientID>". Mutations
// are stored under their id as a 20-digit zero-padded key so key order is
// id order. The highest id ever appended is kept under a separate key so
// ids stay monotonic after the log is pruned empty.
package mutlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/ir"
	"github.com/roach88/lattice/internal/protocol"
)

// lastKey sorts after every id key.
const lastKey = "~last"

// ErrOutOfOrder is returned by Append for an id other than NextID.
var ErrOutOfOrder = errors.New("mutation id out of order")

// Log is one client's pending mutations. Safe for concurrent use.
type Log struct {
	tree     *btree.Tree
	clientID string
	head     string
	logger   *slog.Logger

	mu   sync.Mutex
	last uint64
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) {
		lg.logger = l
	}
}

// HeadName returns the chunk store head holding clientID's log.
func HeadName(clientID string) string {
	return "log/" + clientID
}

// Key returns the tree key of mutation id.
func Key(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

// Open loads clientID's log, recovering whatever a previous process left.
func Open(ctx context.Context, tree *btree.Tree, clientID string, opts ...Option) (*Log, error) {
	l := &Log{
		tree:     tree,
		clientID: clientID,
		head:     HeadName(clientID),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	root, err := tree.Store().Head(ctx, l.head)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", clientID, err)
	}
	r, err := tree.Read(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", clientID, err)
	}
	defer r.Close(ctx)
	if l.last, err = readLast(ctx, r.Get); err != nil {
		return nil, fmt.Errorf("open log %s: %w", clientID, err)
	}
	l.logger.Debug("mutation log opened", "client", clientID, "last_id", l.last)
	return l, nil
}

// ClientID returns the owning client.
func (l *Log) ClientID() string {
	return l.clientID
}

// LastID returns the highest id appended or acknowledged.
func (l *Log) LastID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// NextID returns the id the next Append must use.
func (l *Log) NextID() uint64 {
	return l.LastID() + 1
}

// Append durably adds m. m.ID must equal NextID and m.ClientID the log's
// client.
func (l *Log) Append(ctx context.Context, m protocol.Mutation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m.ClientID != l.clientID {
		return fmt.Errorf("append: mutation for %s in log of %s", m.ClientID, l.clientID)
	}
	err := l.update(ctx, func(w *btree.Write) error {
		last, err := readLast(ctx, w.Get)
		if err != nil {
			return err
		}
		if m.ID != last+1 {
			return fmt.Errorf("append %d after %d: %w", m.ID, last, ErrOutOfOrder)
		}
		if err := w.Put(ctx, Key(m.ID), encode(m)); err != nil {
			return err
		}
		return w.Put(ctx, lastKey, ir.Int(m.ID))
	})
	if err != nil {
		return err
	}
	l.last = m.ID
	return nil
}

// Pending returns the stored mutations in id order, skipping dropped ones.
func (l *Log) Pending(ctx context.Context) ([]protocol.Mutation, error) {
	var out []protocol.Mutation
	err := l.scan(ctx, 0, func(m protocol.Mutation, dropped bool) {
		if !dropped {
			out = append(out, m)
		}
	})
	return out, err
}

// Outbox returns every stored mutation with id > after, for pushing.
// Dropped mutations appear as protocol.SkipName placeholders so the
// server sees a gapless id sequence.
func (l *Log) Outbox(ctx context.Context, after uint64) ([]protocol.Mutation, error) {
	var out []protocol.Mutation
	err := l.scan(ctx, after, func(m protocol.Mutation, dropped bool) {
		if dropped {
			m.Name, m.Args = protocol.SkipName, ir.Null{}
		}
		out = append(out, m)
	})
	return out, err
}

func (l *Log) scan(ctx context.Context, after uint64, fn func(m protocol.Mutation, dropped bool)) error {
	root, err := l.tree.Store().Head(ctx, l.head)
	if err != nil {
		return err
	}
	r, err := l.tree.Read(ctx, root)
	if err != nil {
		return err
	}
	defer r.Close(ctx)

	rng := btree.KeyRange{Start: Key(after), Exclusive: true, End: lastKey}
	for e, err := range r.Scan(ctx, rng) {
		if err != nil {
			return err
		}
		m, dropped, err := decode(e.Value)
		if err != nil {
			return fmt.Errorf("log %s key %s: %w", l.clientID, e.Key, err)
		}
		fn(m, dropped)
	}
	return nil
}

// Prune removes every mutation with id <= n, the server's acknowledgement.
// If n is past the last appended id, later appends continue after n.
func (l *Log) Prune(ctx context.Context, n uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	last := l.last
	err := l.update(ctx, func(w *btree.Write) error {
		var keys []string
		for e, err := range w.Scan(ctx, btree.KeyRange{End: Key(n + 1)}) {
			if err != nil {
				return err
			}
			keys = append(keys, e.Key)
		}
		for _, k := range keys {
			if _, err := w.Delete(ctx, k); err != nil {
				return err
			}
		}
		removed = len(keys)

		stored, err := readLast(ctx, w.Get)
		if err != nil {
			return err
		}
		last = max(stored, n)
		if last != stored {
			return w.Put(ctx, lastKey, ir.Int(last))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune log %s to %d: %w", l.clientID, n, err)
	}
	l.last = last
	if removed > 0 {
		l.logger.Debug("mutation log pruned", "client", l.clientID, "through", n, "removed", removed)
	}
	return removed, nil
}

// Drop marks a single mutation as rejected, reporting whether it was
// pending. A dropped mutation is no longer replayed but keeps its slot
// until pruned, so its id is still pushed as a skip.
func (l *Log) Drop(ctx context.Context, id uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	found := false
	err := l.update(ctx, func(w *btree.Write) error {
		v, err := w.Get(ctx, Key(id))
		if errors.Is(err, btree.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		m, dropped, err := decode(v)
		if err != nil || dropped {
			return err
		}
		found = true
		return w.Put(ctx, Key(id), tombstone(m))
	})
	if err != nil {
		return false, fmt.Errorf("drop %d from log %s: %w", id, l.clientID, err)
	}
	if found {
		l.logger.Debug("mutation dropped", "client", l.clientID, "id", id)
	}
	return found, nil
}

// update runs fn on a write of the current log and moves the head.
func (l *Log) update(ctx context.Context, fn func(w *btree.Write) error) error {
	store := l.tree.Store()
	base, err := store.Head(ctx, l.head)
	if err != nil {
		return err
	}
	w, err := l.tree.Write(ctx, base)
	if err != nil {
		return err
	}
	defer w.Close(ctx)

	if err := fn(w); err != nil {
		return err
	}
	root, err := w.Commit(ctx)
	if err != nil {
		return err
	}
	if root == base {
		return nil
	}
	return store.UpdateHead(ctx, l.head, base, root)
}

func readLast(ctx context.Context, get func(context.Context, string) (ir.Value, error)) (uint64, error) {
	v, err := get(ctx, lastKey)
	if errors.Is(err, btree.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, ok := v.(ir.Int)
	if !ok || n < 0 {
		return 0, fmt.Errorf("last id is %s, not a non-negative int", ir.Kind(v))
	}
	return uint64(n), nil
}

func encode(m protocol.Mutation) ir.Value {
	return ir.Object{
		"id":        ir.Int(m.ID),
		"clientID":  ir.String(m.ClientID),
		"name":      ir.String(m.Name),
		"args":      m.Args,
		"timestamp": ir.Int(m.Timestamp),
	}
}

func tombstone(m protocol.Mutation) ir.Value {
	return ir.Object{
		"id":        ir.Int(m.ID),
		"clientID":  ir.String(m.ClientID),
		"timestamp": ir.Int(m.Timestamp),
		"dropped":   ir.Bool(true),
	}
}

func decode(v ir.Value) (protocol.Mutation, bool, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return protocol.Mutation{}, false, fmt.Errorf("stored mutation is %s", ir.Kind(v))
	}
	id, _ := obj["id"].(ir.Int)
	clientID, _ := obj["clientID"].(ir.String)
	ts, _ := obj["timestamp"].(ir.Int)
	m := protocol.Mutation{ID: uint64(id), ClientID: string(clientID), Timestamp: int64(ts)}
	if dropped, _ := obj["dropped"].(ir.Bool); dropped {
		return m, true, nil
	}
	name, _ := obj["name"].(ir.String)
	m.Name, m.Args = string(name), obj["args"]
	if err := m.Validate(); err != nil {
		return protocol.Mutation{}, false, err
	}
	return m, false, nil
}
