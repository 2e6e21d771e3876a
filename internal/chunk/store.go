package chunk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/lattice/internal/metrics"
)

// DefaultPinTTL is how long a store's pins outlive its last renewal.
const DefaultPinTTL = 2 * time.Minute

// Store is the content-addressed chunk store.
//
// Thread-safety model:
//   - Get, Head, Heads: safe from any goroutine, no store lock
//   - Lease.Put, Lease.Pin, UpdateHead: shared lock, run concurrently
//   - GC: exclusive lock, so no pin can change between mark and sweep
//
// Each Store is one pin owner. While open it renews its owner every third
// of the pin TTL; Close releases the owner and its pins. Other processes
// on the same backend drop the pins only after the TTL lapses.
type Store struct {
	backend Backend
	logger  *slog.Logger
	owner   string
	pinTTL  time.Duration
	now     func() time.Time

	// gcMu orders pin changes against collection.
	gcMu sync.RWMutex

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithPinTTL sets how long pins survive without renewal. Defaults to
// DefaultPinTTL.
func WithPinTTL(d time.Duration) Option {
	return func(s *Store) {
		s.pinTTL = d
	}
}

// WithClock sets the time source for pin expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New wraps a backend and registers a fresh pin owner. Pins of owners
// whose TTL lapsed, such as a crashed process, are released.
func New(ctx context.Context, b Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: b,
		logger:  slog.Default(),
		owner:   ulid.Make().String(),
		pinTTL:  DefaultPinTTL,
		now:     time.Now,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pinTTL <= 0 {
		return nil, fmt.Errorf("pin ttl must be positive, got %s", s.pinTTL)
	}
	if err := s.renew(ctx); err != nil {
		return nil, err
	}
	if _, err := s.expireOwners(ctx); err != nil {
		return nil, err
	}
	go s.keepalive()
	return s, nil
}

// Owner returns the id this store pins chunks under.
func (s *Store) Owner() string {
	return s.owner
}

func (s *Store) renew(ctx context.Context) error {
	expires := s.now().Add(s.pinTTL).UnixMilli()
	if err := s.backend.RenewOwner(ctx, s.owner, expires); err != nil {
		return fmt.Errorf("renew pins: %w", err)
	}
	return nil
}

func (s *Store) expireOwners(ctx context.Context) (int, error) {
	n, err := s.backend.ExpireOwners(ctx, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire pins: %w", err)
	}
	if n > 0 {
		s.logger.Info("released pins of expired owners", "owners", n)
	}
	return n, nil
}

func (s *Store) keepalive() {
	defer close(s.stopped)
	t := time.NewTicker(s.pinTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if err := s.renew(context.Background()); err != nil {
				s.logger.Warn("pin renewal failed", "owner", s.owner, "error", err)
			}
		}
	}
}

// halt stops renewal without releasing the owner, as a crash would.
func (s *Store) halt() {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.stopped
	})
}

// Open creates a store for the named backend ("sqlite", "bolt" or "memory").
// path is ignored for the memory backend.
func Open(ctx context.Context, backend, path string, opts ...Option) (*Store, error) {
	var (
		b   Backend
		err error
	)
	switch backend {
	case "sqlite":
		b, err = OpenSQLite(path)
	case "bolt":
		b, err = OpenBolt(path)
	case "memory", "":
		b = NewMemory()
	default:
		return nil, fmt.Errorf("unknown chunk backend %q", backend)
	}
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, b, opts...)
	if err != nil {
		b.Close()
		return nil, err
	}
	return s, nil
}

// NewMemoryStore returns a store over a fresh memory backend.
func NewMemoryStore(opts ...Option) *Store {
	s, err := New(context.Background(), NewMemory(), opts...)
	if err != nil {
		// Only an invalid option can fail over a memory backend.
		panic(err)
	}
	return s
}

// Close releases this store's pins and closes the backend.
func (s *Store) Close() error {
	s.halt()
	if err := s.backend.ReleaseOwner(context.Background(), s.owner); err != nil {
		s.logger.Warn("release pins failed", "owner", s.owner, "error", err)
	}
	return s.backend.Close()
}

// NewLease starts a lease. Callers must Release it when the transaction ends.
func (s *Store) NewLease() *Lease {
	return &Lease{store: s, pins: make(map[Digest]int)}
}

// Get returns a verified chunk, ErrNotFound, or a CorruptionError.
func (s *Store) Get(ctx context.Context, d Digest) (Chunk, error) {
	if d.IsZero() {
		return Chunk{}, ErrNotFound
	}
	c, err := s.backend.GetChunk(ctx, d)
	if err != nil {
		return Chunk{}, err
	}
	if err := c.Verify(); err != nil {
		s.logger.Error("chunk failed verification", "digest", d.String(), "error", err)
		return Chunk{}, err
	}
	return c, nil
}

// Has reports whether a chunk is present.
func (s *Store) Has(ctx context.Context, d Digest) (bool, error) {
	_, err := s.backend.GetChunk(ctx, d)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Head returns the digest a head points at, or the zero digest.
func (s *Store) Head(ctx context.Context, name string) (Digest, error) {
	return s.backend.GetHead(ctx, name)
}

// Heads returns every head.
func (s *Store) Heads(ctx context.Context) (map[string]Digest, error) {
	return s.backend.ListHeads(ctx)
}

// UpdateHead atomically moves name from expected to next.
// expected zero means the head must not exist; next zero deletes it.
// Returns ErrConflict if the head moved. next must already be stored.
func (s *Store) UpdateHead(ctx context.Context, name string, expected, next Digest) error {
	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	if !next.IsZero() {
		ok, err := s.Has(ctx, next)
		if err != nil {
			return fmt.Errorf("update head %s: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("update head %s to %s: %w", name, next.Short(), ErrNotFound)
		}
	}
	if err := s.backend.CompareAndSwapHead(ctx, name, expected, next); err != nil {
		if IsConflict(err) {
			metrics.HeadConflicts.Inc()
		}
		return fmt.Errorf("update head %s: %w", name, err)
	}
	return nil
}

// GC reclaims chunks unreachable from the kept heads and from every pinned
// chunk. A nil keep list keeps every head. Heads not in a non-nil keep list
// are deleted first, so no head is left dangling.
//
// Pins count whichever store holds them, in this process or another one
// sharing the backend; only owners past their TTL are released first.
// Returns the number of chunks collected.
func (s *Store) GC(ctx context.Context, keep []string) (int, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	if err := s.renew(ctx); err != nil {
		return 0, err
	}
	if _, err := s.expireOwners(ctx); err != nil {
		return 0, err
	}

	heads, err := s.backend.ListHeads(ctx)
	if err != nil {
		return 0, fmt.Errorf("gc: list heads: %w", err)
	}

	if keep != nil {
		kept := make(map[string]bool, len(keep))
		for _, name := range keep {
			kept[name] = true
		}
		for name, d := range heads {
			if kept[name] {
				continue
			}
			if err := s.backend.CompareAndSwapHead(ctx, name, d, Digest{}); err != nil {
				return 0, fmt.Errorf("gc: drop head %s: %w", name, err)
			}
			delete(heads, name)
		}
	}

	refs := make(map[Digest][]Digest)
	var roots []Digest
	for _, d := range heads {
		roots = append(roots, d)
	}
	err = s.backend.ForEachChunk(ctx, func(d Digest, r []Digest, refCount int) error {
		refs[d] = r
		if refCount > 0 {
			roots = append(roots, d)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("gc: scan chunks: %w", err)
	}

	// Mark.
	live := make(map[Digest]bool, len(refs))
	stack := roots
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if d.IsZero() || live[d] {
			continue
		}
		live[d] = true
		stack = append(stack, refs[d]...)
	}

	// Sweep.
	var dead []Digest
	for d := range refs {
		if !live[d] {
			dead = append(dead, d)
		}
	}
	if len(dead) == 0 {
		return 0, nil
	}
	if err := s.backend.DeleteChunks(ctx, dead); err != nil {
		return 0, fmt.Errorf("gc: delete: %w", err)
	}

	metrics.ChunksCollected.Add(float64(len(dead)))
	s.logger.Debug("gc collected chunks", "collected", len(dead), "live", len(live))
	return len(dead), nil
}
