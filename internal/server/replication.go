package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/ir"
	"github.com/roach88/lattice/internal/ivm"
)

// RowOp is the kind of a replicated row change.
type RowOp string

const (
	RowAdd    RowOp = "add"
	RowRemove RowOp = "remove"
)

// RowChange is one row written to or removed from upstream storage.
// Remove needs only the primary key field in Row.
type RowChange struct {
	Table string    `json:"table"`
	Op    RowOp     `json:"op"`
	Row   ir.Object `json:"row"`
}

// ReplicationBatch is a set of upstream changes committed together.
// Versions must strictly increase.
type ReplicationBatch struct {
	Version int64       `json:"version"`
	Changes []RowChange `json:"changes"`
}

// ReplicationSource yields batches from upstream. Next returns io.EOF when
// the source is exhausted.
type ReplicationSource interface {
	Next(ctx context.Context) (ReplicationBatch, error)
}

// ErrStaleReplication is returned for a batch whose version is not newer
// than the last ingested one.
var ErrStaleReplication = errors.New("replication version is not newer")

// Ingest applies an upstream batch as one server commit. Clients see the
// rows through the usual pulls and pokes.
func (s *Server) Ingest(ctx context.Context, b ReplicationBatch) error {
	for i, c := range b.Changes {
		if c.Table == "" {
			return fmt.Errorf("ingest: change[%d]: table is required", i)
		}
		if c.Op != RowAdd && c.Op != RowRemove {
			return fmt.Errorf("ingest: change[%d]: unknown op %q", i, c.Op)
		}
		if _, ok := c.Row[s.cfg.PrimaryKey(c.Table)]; !ok {
			return fmt.Errorf("ingest: change[%d]: row has no %q field", i, s.cfg.PrimaryKey(c.Table))
		}
	}
	return s.do(ctx, "ingest", func(ctx context.Context) error {
		return s.ingest(ctx, b)
	})
}

func (s *Server) ingest(ctx context.Context, b ReplicationBatch) error {
	st, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer st.close(ctx)

	cur, err := readInt(ctx, st.meta, replVersionKey)
	if err != nil {
		return err
	}
	if b.Version <= int64(cur) {
		return fmt.Errorf("ingest version %d after %d: %w", b.Version, cur, ErrStaleReplication)
	}

	err = s.update(ctx, st, func(w *btree.Write) error {
		for _, c := range b.Changes {
			key := ivm.RowKey(c.Table, c.Row[s.cfg.PrimaryKey(c.Table)])
			if c.Op == RowRemove {
				if _, err := w.Delete(ctx, key); err != nil {
					return err
				}
				continue
			}
			if err := w.Put(ctx, key, c.Row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ingest version %d: %w", b.Version, err)
	}
	if err := st.meta.Put(ctx, replVersionKey, ir.Int(b.Version)); err != nil {
		return err
	}
	if _, err := s.commit(ctx, st); err != nil {
		return err
	}
	s.logger.Debug("ingested batch", "replication_version", b.Version, "changes", len(b.Changes))
	return nil
}

// ReplicationVersion returns the version of the last ingested batch.
func (s *Server) ReplicationVersion(ctx context.Context) (int64, error) {
	var v uint64
	err := s.do(ctx, "repl-version", func(ctx context.Context) error {
		r, err := s.tree.Read(ctx, s.head.MetaRoot)
		if err != nil {
			return err
		}
		defer r.Close(ctx)
		v, err = readInt(ctx, r, replVersionKey)
		return err
	})
	return int64(v), err
}

// Replicate ingests batches from src until it is exhausted or ctx ends.
// Batches at or below the current replication version are skipped.
func (s *Server) Replicate(ctx context.Context, src ReplicationSource) error {
	for {
		b, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("replicate: %w", err)
		}
		err = s.Ingest(ctx, b)
		if errors.Is(err, ErrStaleReplication) {
			s.logger.Debug("skipping replayed batch", "replication_version", b.Version)
			continue
		}
		if err != nil {
			return err
		}
	}
}

// SliceSource replays a fixed list of batches.
type SliceSource struct {
	Batches []ReplicationBatch
	next    int
}

func (s *SliceSource) Next(ctx context.Context) (ReplicationBatch, error) {
	if err := ctx.Err(); err != nil {
		return ReplicationBatch{}, err
	}
	if s.next >= len(s.Batches) {
		return ReplicationBatch{}, io.EOF
	}
	b := s.Batches[s.next]
	s.next++
	return b, nil
}
