// Package commit defines the small msgpack records that heads point at:
// client snapshot and local commits, server commits, and leader leases.
//
// A record lists the chunks it references so the chunk store can trace
// reachability from heads through records into B-tree roots.
package commit

import (
	"bytes"
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/lattice/internal/chunk"
)

// Record is a value stored as a single chunk.
type Record interface {
	Refs() []chunk.Digest
}

// Snapshot is the last server state a client applied.
type Snapshot struct {
	_msgpack        struct{} `msgpack:",as_array"`
	Cookie          string
	LastMutationIDs map[string]uint64
	DataRoot        chunk.Digest
}

func (s *Snapshot) Refs() []chunk.Digest { return nonZero(s.DataRoot) }

// Local is a snapshot with the client's pending mutations replayed on top.
// Applied holds the highest replayed mutation id per client.
type Local struct {
	_msgpack struct{} `msgpack:",as_array"`
	Snapshot chunk.Digest
	DataRoot chunk.Digest
	Applied  map[string]uint64
}

func (l *Local) Refs() []chunk.Digest { return nonZero(l.Snapshot, l.DataRoot) }

// Server is one version of the authoritative state. MetaRoot is a B-tree
// of per-client bookkeeping.
type Server struct {
	_msgpack struct{} `msgpack:",as_array"`
	Version  int64
	DataRoot chunk.Digest
	MetaRoot chunk.Digest
}

func (s *Server) Refs() []chunk.Digest { return nonZero(s.DataRoot, s.MetaRoot) }

// Lease records which client owns a client group's network connection.
type Lease struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Holder    string
	ExpiresMs int64
}

func (*Lease) Refs() []chunk.Digest { return nil }

// Member registers a client as part of a client group sharing a store.
type Member struct {
	_msgpack struct{} `msgpack:",as_array"`
	ClientID string
	JoinedMs int64
}

func (*Member) Refs() []chunk.Digest { return nil }

// Encode serializes r with sorted map keys, so equal records share a digest.
func Encode(r Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(r)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Put stores r through lease and returns its digest.
func Put(ctx context.Context, lease *chunk.Lease, r Record) (chunk.Digest, error) {
	payload, err := Encode(r)
	if err != nil {
		return chunk.Digest{}, fmt.Errorf("encode %T: %w", r, err)
	}
	return lease.Put(ctx, payload, r.Refs()...)
}

// Load reads the record at d into r.
func Load(ctx context.Context, store *chunk.Store, d chunk.Digest, r Record) error {
	c, err := store.Get(ctx, d)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(c.Payload, r); err != nil {
		return chunk.Corruptf(d, err, "decode %T", r)
	}
	return nil
}

// LoadHead reads the record the named head points at. It reports false
// when the head does not exist.
func LoadHead(ctx context.Context, store *chunk.Store, head string, r Record) (chunk.Digest, bool, error) {
	d, err := store.Head(ctx, head)
	if err != nil {
		return chunk.Digest{}, false, err
	}
	if d.IsZero() {
		return d, false, nil
	}
	if err := Load(ctx, store, d, r); err != nil {
		return d, false, fmt.Errorf("load head %s: %w", head, err)
	}
	return d, true, nil
}

func nonZero(ds ...chunk.Digest) []chunk.Digest {
	var out []chunk.Digest
	for _, d := range ds {
		if !d.IsZero() {
			out = append(out, d)
		}
	}
	return out
}
