package chunk

import (
	"context"
	"sync"
)

// Memory is an in-process Backend, used by tests and ephemeral clients.
type Memory struct {
	mu     sync.Mutex
	chunks map[Digest]*Chunk
	heads  map[string]Digest
	pins   map[string]map[Digest]int
	owners map[string]int64
}

// NewMemory returns an empty memory backend.
func NewMemory() *Memory {
	return &Memory{
		chunks: make(map[Digest]*Chunk),
		heads:  make(map[string]Digest),
		pins:   make(map[string]map[Digest]int),
		owners: make(map[string]int64),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetChunk(ctx context.Context, d Digest) (Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[d]
	if !ok {
		return Chunk{}, ErrNotFound
	}
	return Chunk{
		Digest:   c.Digest,
		Payload:  append([]byte(nil), c.Payload...),
		Refs:     append([]Digest(nil), c.Refs...),
		RefCount: m.refCount(d),
	}, nil
}

// refCount requires m.mu.
func (m *Memory) refCount(d Digest) int {
	n := 0
	for _, held := range m.pins {
		n += held[d]
	}
	return n
}

func (m *Memory) PutChunk(ctx context.Context, c Chunk, owner string, pins int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chunks[c.Digest]; !ok {
		m.chunks[c.Digest] = &Chunk{
			Digest:  c.Digest,
			Payload: append([]byte(nil), c.Payload...),
			Refs:    append([]Digest(nil), c.Refs...),
		}
	}
	m.addPin(owner, c.Digest, pins)
	return nil
}

func (m *Memory) AddPins(ctx context.Context, owner string, delta map[Digest]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for d, n := range delta {
		if _, ok := m.chunks[d]; ok {
			m.addPin(owner, d, n)
		}
	}
	return nil
}

// addPin requires m.mu.
func (m *Memory) addPin(owner string, d Digest, delta int) {
	held := m.pins[owner]
	if held == nil {
		if delta <= 0 {
			return
		}
		held = make(map[Digest]int)
		m.pins[owner] = held
	}
	if n := max(held[d]+delta, 0); n > 0 {
		held[d] = n
	} else {
		delete(held, d)
	}
}

func (m *Memory) RenewOwner(ctx context.Context, owner string, expiresMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[owner] = expiresMs
	return nil
}

func (m *Memory) ReleaseOwner(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, owner)
	delete(m.pins, owner)
	return nil
}

func (m *Memory) ExpireOwners(ctx context.Context, nowMs int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for owner, expires := range m.owners {
		if expires < nowMs {
			delete(m.owners, owner)
			delete(m.pins, owner)
			n++
		}
	}
	// Pins without a registered owner cannot be renewed.
	for owner := range m.pins {
		if _, ok := m.owners[owner]; !ok {
			delete(m.pins, owner)
		}
	}
	return n, nil
}

func (m *Memory) GetHead(ctx context.Context, name string) (Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heads[name], nil
}

func (m *Memory) CompareAndSwapHead(ctx context.Context, name string, expected, next Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heads[name] != expected {
		return ErrConflict
	}
	if next.IsZero() {
		delete(m.heads, name)
	} else {
		m.heads[name] = next
	}
	return nil
}

func (m *Memory) ListHeads(ctx context.Context) (map[string]Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Digest, len(m.heads))
	for k, v := range m.heads {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) ForEachChunk(ctx context.Context, fn func(d Digest, refs []Digest, refCount int) error) error {
	m.mu.Lock()
	snapshot := make([]Chunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		snapshot = append(snapshot, Chunk{Digest: c.Digest, Refs: c.Refs, RefCount: m.refCount(c.Digest)})
	}
	m.mu.Unlock()

	for _, c := range snapshot {
		if err := fn(c.Digest, c.Refs, c.RefCount); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) DeleteChunks(ctx context.Context, ds []Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range ds {
		delete(m.chunks, d)
		for _, held := range m.pins {
			delete(held, d)
		}
	}
	return nil
}

// corrupt overwrites a stored payload in place. Used by tests.
func (m *Memory) corrupt(d Digest, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chunks[d]; ok {
		c.Payload = payload
	}
}
