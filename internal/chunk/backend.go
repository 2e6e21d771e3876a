package chunk

import "context"

// Chunk is an immutable, content-addressed block.
type Chunk struct {
	Digest   Digest
	Payload  []byte
	Refs     []Digest
	RefCount int // pins across all owners
}

// Verify re-hashes the payload and reports corruption.
func (c Chunk) Verify() error {
	if got := Compute(c.Payload); got != c.Digest {
		return Corruptf(c.Digest, nil, "payload hashes to %s", got.Short())
	}
	return nil
}

// Backend is the durable storage beneath a Store.
//
// Backends are dumb: they do not hash, verify, or decide reachability.
// The Store serializes pin changes against GC, so backends only need
// each call to be atomic on its own.
//
// Pins belong to an owner, one per open Store. Several processes may open
// the same durable backend; each keeps its owner alive by renewing it, and
// an owner that stops renewing (a crashed process) has its pins dropped
// by whichever store next expires owners. A reference count is the sum
// over owners, so GC in one process honours leases held in another.
type Backend interface {
	// GetChunk returns ErrNotFound when the digest is absent.
	GetChunk(ctx context.Context, d Digest) (Chunk, error)

	// PutChunk stores c if absent and adds pins to owner's count for it.
	// A chunk that already exists keeps its original payload.
	PutChunk(ctx context.Context, c Chunk, owner string, pins int) error

	// AddPins adjusts owner's counts for existing chunks by delta.
	// Counts never drop below zero. Missing digests are ignored.
	AddPins(ctx context.Context, owner string, delta map[Digest]int) error

	// RenewOwner records that owner's pins are live until expiresMs
	// (unix milliseconds), creating the owner if needed.
	RenewOwner(ctx context.Context, owner string, expiresMs int64) error

	// ReleaseOwner drops owner and every pin it holds.
	ReleaseOwner(ctx context.Context, owner string) error

	// ExpireOwners releases every owner whose expiry is before nowMs and
	// returns how many were released.
	ExpireOwners(ctx context.Context, nowMs int64) (int, error)

	// GetHead returns the zero digest when the head does not exist.
	GetHead(ctx context.Context, name string) (Digest, error)

	// CompareAndSwapHead sets name to next only if it currently holds
	// expected (zero meaning absent). A zero next deletes the head.
	// Returns ErrConflict on mismatch.
	CompareAndSwapHead(ctx context.Context, name string, expected, next Digest) error

	// ListHeads returns every head.
	ListHeads(ctx context.Context) (map[string]Digest, error)

	// ForEachChunk visits digest, refs and reference count of every chunk.
	// The reference count sums the pins of all owners.
	ForEachChunk(ctx context.Context, fn func(d Digest, refs []Digest, refCount int) error) error

	// DeleteChunks removes the given chunks.
	DeleteChunks(ctx context.Context, ds []Digest) error

	// Close releases backend resources.
	Close() error
}
