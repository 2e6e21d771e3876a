package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/commit"
	"github.com/roach88/lattice/internal/ir"
	"github.com/roach88/lattice/internal/ivm"
	"github.com/roach88/lattice/internal/mutator"
	"github.com/roach88/lattice/internal/mutlog"
	"github.com/roach88/lattice/internal/protocol"
)

// maxCommitAttempts bounds retries when another client sharing the store
// moves main between our read and our compare-and-swap.
const maxCommitAttempts = 16

// Client is one client of a client group. It is the session context for
// every store operation: it carries the group and client ids, the
// mutation log and the connection lease. Methods are safe for concurrent
// use; writes are serialized.
type Client struct {
	tree     *btree.Tree
	store    *chunk.Store
	mutators mutator.Registry
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	groupID  string
	clientID string
	log      *mutlog.Log

	mu       sync.Mutex
	closed   bool
	graph    *ivm.Graph
	viewRoot chunk.Digest
	subs     map[*subscription]struct{}
	receipts map[uint64]*Receipt

	stateMu   sync.Mutex
	state     State
	listeners []func(from, to State)

	kick chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithClientGroupID sets the group. The default is a new UUIDv7.
func WithClientGroupID(id string) Option {
	return func(c *Client) {
		c.groupID = id
	}
}

// WithClientID sets the client id. The default is a new UUIDv7.
func WithClientID(id string) Option {
	return func(c *Client) {
		c.clientID = id
	}
}

// WithClock sets the time source for mutation timestamps and leases.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Open starts a client on tree's store, recovering the group's state and
// the client's log from a previous process.
func Open(ctx context.Context, tree *btree.Tree, mutators mutator.Registry, opts ...Option) (*Client, error) {
	c := &Client{
		tree:     tree,
		store:    tree.Store(),
		mutators: mutators,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		now:      time.Now,
		subs:     make(map[*subscription]struct{}),
		receipts: make(map[uint64]*Receipt),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.groupID == "" {
		c.groupID = newID()
	}
	if c.clientID == "" {
		c.clientID = newID()
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}

	var err error
	if c.log, err = mutlog.Open(ctx, tree, c.clientID, mutlog.WithLogger(c.logger)); err != nil {
		return nil, err
	}
	if err := c.register(ctx); err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	if err := c.initHeads(ctx); err != nil {
		return nil, fmt.Errorf("init group %s: %w", c.groupID, err)
	}

	c.graph = ivm.NewGraph(ivm.WithLogger(c.logger))
	for table, pk := range c.cfg.Tables {
		c.graph.AddSource(table, pk)
	}
	_, local, err := c.loadLocal(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.feed(ctx, local.DataRoot); err != nil {
		return nil, fmt.Errorf("hydrate views: %w", err)
	}
	snapRef, _, err := c.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if local.Snapshot != snapRef {
		// A previous process applied a response but stopped before rebasing.
		if err := c.rebase(ctx); err != nil {
			return nil, fmt.Errorf("recover rebase: %w", err)
		}
	}

	c.logger.Info("client opened", "group", c.groupID, "client", c.clientID, "pending", c.log.LastID())
	return c, nil
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ClientID returns the client's id.
func (c *Client) ClientID() string { return c.clientID }

// ClientGroupID returns the group's id.
func (c *Client) ClientGroupID() string { return c.groupID }

// Close destroys the client's views. The store stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for sub := range c.subs {
		sub.view.Destroy()
	}
	clear(c.subs)
	for id, r := range c.receipts {
		r.resolve(ErrClosed)
		delete(c.receipts, id)
	}
	return nil
}

// Receipt tracks one mutation until the server applies it or it is
// rejected.
type Receipt struct {
	ID   uint64
	done chan error
}

func newReceipt(id uint64) *Receipt {
	return &Receipt{ID: id, done: make(chan error, 1)}
}

// Done delivers nil once the server acknowledged the mutation, or a
// *MutationError if it was rejected.
func (r *Receipt) Done() <-chan error {
	return r.done
}

// Wait blocks for the outcome or until ctx ends.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receipt) resolve(err error) {
	r.done <- err
}

// resolve settles the receipt of one of our mutations. c.mu must be held.
func (c *Client) resolve(id uint64, err error) {
	if r, ok := c.receipts[id]; ok {
		r.resolve(err)
		delete(c.receipts, id)
	}
}

// locked runs fn with c.mu held, then delivers view updates fn caused.
func (c *Client) locked(fn func() error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	err := fn()
	fire := c.collectUpdates()
	c.mu.Unlock()
	for _, f := range fire {
		f()
	}
	return err
}

// Mutate applies the named mutator optimistically and queues the mutation
// for the server. A mutator error rejects the mutation before anything is
// stored.
//
// The receipt and the error together say what happened to the mutation:
//   - receipt, nil: applied locally and queued for the server
//   - nil, error: discarded; nothing will reach the server under its id
//     except a skip placeholder
//   - receipt, error: queued and durable, but a later step failed (for
//     example updating views); the receipt still reports the outcome
func (c *Client) Mutate(ctx context.Context, name string, args ir.Value) (*Receipt, error) {
	if args == nil {
		args = ir.Null{}
	}
	var receipt *Receipt
	err := c.locked(func() error {
		m := protocol.Mutation{
			ID:        c.log.NextID(),
			ClientID:  c.clientID,
			Name:      name,
			Args:      args,
			Timestamp: c.now().UnixMilli(),
		}
		kept, err := c.mutate(ctx, m)
		if kept {
			receipt = newReceipt(m.ID)
			c.receipts[m.ID] = receipt
		}
		return err
	})
	if receipt != nil {
		c.signalPush()
	}
	return receipt, err
}

// mutate reports whether m ended up in the log as a pending mutation.
func (c *Client) mutate(ctx context.Context, m protocol.Mutation) (bool, error) {
	appended := false
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		mainRef, local, err := c.loadLocal(ctx)
		if err != nil {
			return c.abandon(ctx, m, appended, err)
		}
		w, err := c.tree.Write(ctx, local.DataRoot)
		if err != nil {
			return c.abandon(ctx, m, appended, err)
		}
		tx := mutator.NewWriteTx(w, c.clientID, m.ID, mutator.ReasonInitial)
		if err := c.mutators.Run(ctx, m.Name, tx, m.Args); err != nil {
			w.Close(ctx)
			phase := mutator.ReasonInitial
			if appended {
				// Main moved under us and the mutation no longer applies.
				phase = mutator.ReasonRebase
			}
			return c.abandon(ctx, m, appended, &MutationError{ClientID: c.clientID, ID: m.ID, Name: m.Name, Phase: phase, Err: err})
		}
		root, err := w.Commit(ctx)
		if err != nil {
			w.Close(ctx)
			return c.abandon(ctx, m, appended, err)
		}
		if !appended {
			if err := c.log.Append(ctx, m); err != nil {
				w.Close(ctx)
				return false, err
			}
			appended = true
		}

		applied := copyMap(local.Applied)
		applied[c.clientID] = m.ID
		err = c.commitMain(ctx, w.Lease(), mainRef, &commit.Local{Snapshot: local.Snapshot, DataRoot: root, Applied: applied})
		if chunk.IsConflict(err) {
			w.Close(ctx)
			c.logger.Debug("main moved during mutate, retrying", "client", c.clientID, "id", m.ID)
			continue
		}
		if err != nil {
			w.Close(ctx)
			return c.abandon(ctx, m, true, err)
		}
		err = c.feed(ctx, root)
		w.Close(ctx)
		if err != nil {
			return true, fmt.Errorf("mutate %d: update views: %w", m.ID, err)
		}
		return true, nil
	}
	return c.abandon(ctx, m, appended, fmt.Errorf("mutate %d: %w", m.ID, chunk.ErrConflict))
}

// abandon settles a mutation whose local commit failed with err. Once
// appended, the mutation is dropped from the log so it is pushed only as a
// skip. If even the drop fails the mutation stays pending and is reported
// as kept. The drop ignores ctx cancellation, which may be what failed.
func (c *Client) abandon(ctx context.Context, m protocol.Mutation, appended bool, err error) (bool, error) {
	if !appended {
		return false, err
	}
	if _, derr := c.log.Drop(context.WithoutCancel(ctx), m.ID); derr != nil {
		c.logger.Warn("mutation kept after failed commit", "client", c.clientID, "id", m.ID, "error", derr)
		return true, errors.Join(err, derr)
	}
	c.logger.Debug("mutation discarded", "client", c.clientID, "id", m.ID, "error", err)
	return false, err
}

// commitMain stores next and moves main from expected to it.
func (c *Client) commitMain(ctx context.Context, lease *chunk.Lease, expected chunk.Digest, next *commit.Local) error {
	ref, err := commit.Put(ctx, lease, next)
	if err != nil {
		return err
	}
	return c.store.UpdateHead(ctx, mainHead(c.groupID), expected, ref)
}

// feed moves the views from the last root they saw to root. c.mu must be
// held.
func (c *Client) feed(ctx context.Context, root chunk.Digest) error {
	if root == c.viewRoot {
		return nil
	}
	entries, err := c.tree.DiffAll(ctx, c.viewRoot, root)
	if err != nil {
		return err
	}
	c.viewRoot = root
	if err := ivm.FeedDiff(c.graph, entries); err != nil {
		c.logger.Warn("view update failed", "client", c.clientID, "error", err)
	}
	return nil
}

// Read returns a snapshot of the local state, pending mutations included.
// The caller must Close it.
func (c *Client) Read(ctx context.Context) (*btree.Read, error) {
	_, local, err := c.loadLocal(ctx)
	if err != nil {
		return nil, err
	}
	return c.tree.Read(ctx, local.DataRoot)
}

// Get reads one key of the local state.
func (c *Client) Get(ctx context.Context, key string) (ir.Value, error) {
	r, err := c.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close(ctx)
	return r.Get(ctx, key)
}

// Entries returns every entry of the local state within rng.
func (c *Client) Entries(ctx context.Context, rng btree.KeyRange) ([]btree.Entry, error) {
	r, err := c.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close(ctx)
	var out []btree.Entry
	for e, err := range r.Scan(ctx, rng) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Cookie returns the cookie of the last applied server state, or "" if
// the client never synced.
func (c *Client) Cookie(ctx context.Context) (protocol.Cookie, error) {
	_, snap, err := c.loadSnapshot(ctx)
	return protocol.Cookie(snap.Cookie), err
}

// LastMutationIDs returns the server-acknowledged mutation id per client.
func (c *Client) LastMutationIDs(ctx context.Context) (map[string]uint64, error) {
	_, snap, err := c.loadSnapshot(ctx)
	return copyMap(snap.LastMutationIDs), err
}

// Pending returns the client's own unacknowledged mutations.
func (c *Client) Pending(ctx context.Context) ([]protocol.Mutation, error) {
	return c.log.Pending(ctx)
}

// Refresh picks up changes other clients sharing the store made to main,
// and settles receipts the lease holder acknowledged or dropped for us.
func (c *Client) Refresh(ctx context.Context) error {
	return c.locked(func() error {
		_, local, err := c.loadLocal(ctx)
		if err != nil {
			return err
		}
		if err := c.feed(ctx, local.DataRoot); err != nil {
			return err
		}
		if len(c.receipts) == 0 {
			return nil
		}
		_, snap, err := c.loadSnapshot(ctx)
		if err != nil {
			return err
		}
		pending, err := c.log.Pending(ctx)
		if err != nil {
			return err
		}
		live := make(map[uint64]bool, len(pending))
		for _, m := range pending {
			live[m.ID] = true
		}
		acked := snap.LastMutationIDs[c.clientID]
		for id := range c.receipts {
			switch {
			case id <= acked:
				c.resolve(id, nil)
			case !live[id]:
				c.resolve(id, &MutationError{ClientID: c.clientID, ID: id, Phase: mutator.ReasonRebase, Err: ErrDropped})
			}
		}
		return nil
	})
}

func (c *Client) signalPush() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func copyMap(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
