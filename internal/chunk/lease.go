package chunk

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/lattice/internal/metrics"
)

// Lease pins chunks for the lifetime of a transaction.
//
// Every Put and Pin adds one to the chunk's reference count; Release
// removes all of them at once. While a lease is held, GC treats its
// chunks as roots.
type Lease struct {
	store *Store

	mu       sync.Mutex
	pins     map[Digest]int
	released bool
}

// Put stores payload and returns its digest. refs lists the chunks the
// payload points at. Putting an existing payload only adds a pin.
func (l *Lease) Put(ctx context.Context, payload []byte, refs ...Digest) (Digest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return Digest{}, ErrLeaseReleased
	}

	d := Compute(payload)

	l.store.gcMu.RLock()
	defer l.store.gcMu.RUnlock()

	existed, err := l.store.Has(ctx, d)
	if err != nil {
		return Digest{}, fmt.Errorf("put chunk: %w", err)
	}
	c := Chunk{Digest: d, Payload: payload, Refs: refs}
	if err := l.store.backend.PutChunk(ctx, c, l.store.owner, 1); err != nil {
		return Digest{}, fmt.Errorf("put chunk %s: %w", d.Short(), err)
	}
	if !existed {
		metrics.ChunksWritten.Inc()
	}
	l.pins[d]++
	return d, nil
}

// Pin holds an existing chunk (and so everything reachable from it) for
// the rest of the lease. Pinning the zero digest is a no-op.
func (l *Lease) Pin(ctx context.Context, d Digest) error {
	if d.IsZero() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrLeaseReleased
	}

	l.store.gcMu.RLock()
	defer l.store.gcMu.RUnlock()

	ok, err := l.store.Has(ctx, d)
	if err != nil {
		return fmt.Errorf("pin %s: %w", d.Short(), err)
	}
	if !ok {
		return fmt.Errorf("pin %s: %w", d.Short(), ErrNotFound)
	}
	if err := l.store.backend.AddPins(ctx, l.store.owner, map[Digest]int{d: 1}); err != nil {
		return fmt.Errorf("pin %s: %w", d.Short(), err)
	}
	l.pins[d]++
	return nil
}

// Release drops every pin taken by the lease. Safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	if len(l.pins) == 0 {
		return nil
	}

	delta := make(map[Digest]int, len(l.pins))
	for d, n := range l.pins {
		delta[d] = -n
	}
	l.pins = nil

	l.store.gcMu.RLock()
	defer l.store.gcMu.RUnlock()
	if err := l.store.backend.AddPins(ctx, l.store.owner, delta); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Store returns the store the lease belongs to.
func (l *Lease) Store() *Store {
	return l.store
}
