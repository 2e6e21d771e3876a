package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/commit"
	"github.com/roach88/lattice/internal/ivm"
	"github.com/roach88/lattice/internal/metrics"
	"github.com/roach88/lattice/internal/mutator"
	"github.com/roach88/lattice/internal/protocol"
)

// MainHead points at the current server commit.
const MainHead = "server/main"

// HistoryHead names the head that keeps version v reachable.
func HistoryHead(v int64) string {
	return "server/v/" + strconv.FormatInt(v, 10)
}

// CookieFor returns the cookie of version v.
func CookieFor(v int64) protocol.Cookie {
	return protocol.Cookie(strconv.FormatInt(v, 10))
}

// ErrStopped is returned for calls made after the Run loop ended.
var ErrStopped = errors.New("server stopped")

// Server is the authoritative store behind a set of client groups.
type Server struct {
	store    *chunk.Store
	tree     *btree.Tree
	mutators mutator.Registry
	cfg      Config
	auth     Authenticator
	logger   *slog.Logger
	newID    func() string

	queue *taskQueue
	clock *Clock
	conns *xsync.MapOf[string, *connection]

	// Owned by the Run loop.
	head     commit.Server
	headRef  chunk.Digest
	buffered map[string]map[uint64]protocol.Mutation
	graph    *ivm.Graph
	subs     map[*subscription]struct{}

	// feed moves the graph along a commit's diff.
	feed func(*ivm.Graph, []btree.DiffEntry) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithAuthenticator sets how Connect tokens are checked. The default
// accepts everyone.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// WithConnectionIDs sets the generator for connection ids. The default
// issues ULIDs.
func WithConnectionIDs(fn func() string) Option {
	return func(s *Server) {
		s.newID = fn
	}
}

// Open loads the server state from tree's store, creating version 0 when
// the store is empty. Call Run to start processing.
func Open(ctx context.Context, tree *btree.Tree, mutators mutator.Registry, opts ...Option) (*Server, error) {
	s := &Server{
		store:    tree.Store(),
		tree:     tree,
		mutators: mutators,
		cfg:      DefaultConfig(),
		auth:     AllowAll{},
		logger:   slog.Default(),
		newID:    func() string { return ulid.Make().String() },
		queue:    newTaskQueue(),
		conns:    xsync.NewMapOf[string, *connection](),
		buffered: make(map[string]map[uint64]protocol.Mutation),
		subs:     make(map[*subscription]struct{}),
		feed:     ivm.FeedDiff,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	ref, ok, err := commit.LoadHead(ctx, s.store, MainHead, &s.head)
	if err != nil {
		return nil, err
	}
	if !ok {
		if ref, err = s.genesis(ctx); err != nil {
			return nil, err
		}
	}
	s.headRef = ref
	s.clock = NewClockAt(s.head.Version)
	metrics.ServerVersion.Set(float64(s.head.Version))

	g, rows, err := s.hydrate(ctx, s.head.DataRoot)
	if err != nil {
		return nil, err
	}
	s.graph = g

	s.logger.Info("server opened", "version", s.head.Version, "rows", rows)
	return s, nil
}

// hydrate builds a graph over the configured tables holding every row at
// root. It returns the number of entries fed.
func (s *Server) hydrate(ctx context.Context, root chunk.Digest) (*ivm.Graph, int, error) {
	g := ivm.NewGraph(ivm.WithLogger(s.logger))
	for table, pk := range s.cfg.Tables {
		g.AddSource(table, pk)
	}
	entries, err := s.tree.DiffAll(ctx, chunk.Digest{}, root)
	if err != nil {
		return nil, 0, fmt.Errorf("hydrate: %w", err)
	}
	if err := ivm.FeedDiff(g, entries); err != nil {
		return nil, 0, fmt.Errorf("hydrate: %w", err)
	}
	return g, len(entries), nil
}

// rebuildGraph replaces the graph with one hydrated from the current data
// root and moves every subscription onto it. The old graph is left as is
// when any step fails. Every subscriber is notified on success since the
// old views may have been partly updated.
func (s *Server) rebuildGraph(ctx context.Context) error {
	g, _, err := s.hydrate(ctx, s.head.DataRoot)
	if err != nil {
		return err
	}
	views := make(map[*subscription]*ivm.View, len(s.subs))
	for sub := range s.subs {
		v, err := g.Materialize(sub.query)
		if err != nil {
			for _, v := range views {
				v.Destroy()
			}
			return fmt.Errorf("rebuild views: %w", err)
		}
		views[sub] = v
	}
	for sub, v := range views {
		sub.view.Destroy()
		sub.attach(v)
		sub.dirty = true
	}
	s.graph = g
	return nil
}

func (s *Server) genesis(ctx context.Context) (chunk.Digest, error) {
	lease := s.store.NewLease()
	defer lease.Release(ctx)

	s.head = commit.Server{}
	ref, err := commit.Put(ctx, lease, &s.head)
	if err != nil {
		return chunk.Digest{}, fmt.Errorf("genesis: %w", err)
	}
	if err := s.store.UpdateHead(ctx, HistoryHead(0), chunk.Digest{}, ref); err != nil && !chunk.IsConflict(err) {
		return chunk.Digest{}, err
	}
	if err := s.store.UpdateHead(ctx, MainHead, chunk.Digest{}, ref); err != nil {
		return chunk.Digest{}, fmt.Errorf("genesis: %w", err)
	}
	return ref, nil
}

// Version returns the latest committed version.
func (s *Server) Version() int64 {
	return s.clock.Current()
}

// Cookie returns the cookie of the latest committed version.
func (s *Server) Cookie() protocol.Cookie {
	return CookieFor(s.clock.Current())
}

// Entries returns the rows of the latest version within rng.
func (s *Server) Entries(ctx context.Context, rng btree.KeyRange) ([]btree.Entry, error) {
	var out []btree.Entry
	err := s.do(ctx, "entries", func(ctx context.Context) error {
		r, err := s.tree.Read(ctx, s.head.DataRoot)
		if err != nil {
			return err
		}
		defer r.Close(ctx)
		for e, err := range r.Scan(ctx, rng) {
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Run processes tasks until ctx is cancelled or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("server running", "version", s.clock.Current())
	defer s.logger.Info("server stopped", "version", s.clock.Current())
	defer s.closeSubscriptions()
	for {
		if t, ok := s.queue.TryDequeue(); ok {
			s.runTask(ctx, t)
			continue
		}
		select {
		case <-ctx.Done():
			s.queue.Close()
			s.drain()
			return ctx.Err()
		case <-s.queue.Wait():
			if s.queue.Closed() && s.queue.Len() == 0 {
				return nil
			}
		}
	}
}

func (s *Server) runTask(ctx context.Context, t task) {
	err := t.run(ctx)
	if err != nil {
		s.logger.Debug("task failed", "task", t.name, "error", err)
	}
	t.done <- err
}

func (s *Server) drain() {
	for {
		t, ok := s.queue.TryDequeue()
		if !ok {
			return
		}
		t.done <- ErrStopped
	}
}

// Stop ends Run once queued tasks finish.
func (s *Server) Stop() {
	s.queue.Close()
}

// do runs fn on the Run loop and waits for it.
func (s *Server) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	t := task{name: name, run: fn, done: make(chan error, 1)}
	if !s.queue.Enqueue(t) {
		return ErrStopped
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// txn accumulates one commit's worth of changes.
type txn struct {
	data   chunk.Digest
	meta   *btree.Write
	writes []*btree.Write
}

func (s *Server) begin(ctx context.Context) (*txn, error) {
	meta, err := s.tree.Write(ctx, s.head.MetaRoot)
	if err != nil {
		return nil, err
	}
	return &txn{data: s.head.DataRoot, meta: meta}, nil
}

// update applies fn to a write of the current data root. On success the
// new root becomes the txn's data root; on failure nothing changes.
func (s *Server) update(ctx context.Context, st *txn, fn func(w *btree.Write) error) error {
	w, err := s.tree.Write(ctx, st.data)
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		w.Close(ctx)
		return err
	}
	root, err := w.Commit(ctx)
	if err != nil {
		w.Close(ctx)
		return err
	}
	st.data = root
	st.writes = append(st.writes, w)
	return nil
}

func (st *txn) close(ctx context.Context) {
	for _, w := range st.writes {
		w.Close(ctx)
	}
	st.meta.Close(ctx)
}

// commit stores st as the next version. It reports false when st changed
// nothing.
func (s *Server) commit(ctx context.Context, st *txn) (bool, error) {
	metaRoot, err := st.meta.Commit(ctx)
	if err != nil {
		return false, err
	}
	if st.data == s.head.DataRoot && metaRoot == s.head.MetaRoot {
		return false, nil
	}

	next := commit.Server{Version: s.clock.Current() + 1, DataRoot: st.data, MetaRoot: metaRoot}
	lease := s.store.NewLease()
	defer lease.Release(ctx)
	ref, err := commit.Put(ctx, lease, &next)
	if err != nil {
		return false, err
	}
	if err := s.store.UpdateHead(ctx, HistoryHead(next.Version), chunk.Digest{}, ref); err != nil {
		return false, err
	}
	if err := s.store.UpdateHead(ctx, MainHead, s.headRef, ref); err != nil {
		s.store.UpdateHead(ctx, HistoryHead(next.Version), ref, chunk.Digest{})
		return false, err
	}
	s.clock.Next()
	prev := s.head
	s.head, s.headRef = next, ref
	metrics.ServerVersion.Set(float64(next.Version))
	s.trimHistory(ctx, next.Version)
	s.logger.Debug("committed", "version", next.Version)

	entries, diffErr := s.tree.DiffAll(ctx, prev.DataRoot, next.DataRoot)
	feedErr := diffErr
	if feedErr == nil {
		feedErr = s.feed(s.graph, entries)
	}
	if feedErr != nil {
		s.logger.Warn("view update failed, rebuilding views", "version", next.Version, "error", feedErr)
		if err := s.rebuildGraph(ctx); err != nil {
			return true, fmt.Errorf("views at version %d: %w", next.Version, errors.Join(feedErr, err))
		}
	}
	s.notify()
	// Without the diff, connections keep their cookie and the next
	// commit's poke patches them from it.
	if diffErr == nil {
		s.pokeAll(ctx, prev.Version, entries)
	}
	s.collect(ctx, next.Version)
	return true, nil
}

// collect reclaims chunks of trimmed versions every GCInterval commits.
// It runs after the commit's diff and pokes, which may still read the
// previous version. Failures are logged; the next interval retries.
func (s *Server) collect(ctx context.Context, v int64) {
	if s.cfg.GCInterval == 0 || v%int64(s.cfg.GCInterval) != 0 {
		return
	}
	n, err := s.store.GC(ctx, nil)
	if err != nil {
		s.logger.Warn("gc failed", "version", v, "error", err)
		return
	}
	s.logger.Debug("gc", "version", v, "collected", n)
}

func (s *Server) trimHistory(ctx context.Context, v int64) {
	old := v - int64(s.cfg.HistorySize)
	if old < 0 {
		return
	}
	name := HistoryHead(old)
	d, err := s.store.Head(ctx, name)
	if err != nil || d.IsZero() {
		return
	}
	if err := s.store.UpdateHead(ctx, name, d, chunk.Digest{}); err != nil {
		s.logger.Warn("trim history failed", "version", old, "error", err)
	}
}

// history loads the commit of version v if it is still kept.
func (s *Server) history(ctx context.Context, v int64) (commit.Server, bool, error) {
	if v == s.head.Version {
		return s.head, true, nil
	}
	var c commit.Server
	_, ok, err := commit.LoadHead(ctx, s.store, HistoryHead(v), &c)
	return c, ok, err
}
