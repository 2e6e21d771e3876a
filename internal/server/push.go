package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/ir"
	"github.com/roach88/lattice/internal/metrics"
	"github.com/roach88/lattice/internal/mutator"
	"github.com/roach88/lattice/internal/protocol"
)

// Meta tree keys.
func lmidKey(group, clientID string) string { return "lmid/" + group + "/" + clientID }
func groupKey(clientID string) string       { return "cg/" + clientID }

const replVersionKey = "repl/version"

// Push applies req's mutations and commits once. Mutations that were
// already applied are ignored; a failing mutator is reported in the
// response without failing the push.
func (s *Server) Push(ctx context.Context, req protocol.PushRequest) (protocol.PushResponse, error) {
	if err := req.Validate(); err != nil {
		return protocol.PushResponse{}, protocol.Errorf(protocol.KindInvalidMessage, "%v", err)
	}
	var resp protocol.PushResponse
	err := s.do(ctx, "push", func(ctx context.Context) error {
		var err error
		resp, err = s.push(ctx, req, nil)
		return err
	})
	return resp, err
}

// push runs req. When ack is set it receives the response before the
// commit pokes connections, so a client learns of rejected mutations
// before it sees them acknowledged.
func (s *Server) push(ctx context.Context, req protocol.PushRequest, ack func(protocol.PushResponse)) (protocol.PushResponse, error) {
	var resp protocol.PushResponse
	st, err := s.begin(ctx)
	if err != nil {
		return resp, err
	}
	defer st.close(ctx)

	for _, m := range req.Mutations {
		g, err := readString(ctx, st.meta, groupKey(m.ClientID))
		if err != nil {
			return resp, err
		}
		if g != "" && g != req.ClientGroupID {
			return resp, protocol.Errorf(protocol.KindInvalidMessage,
				"client %s belongs to group %s, not %s", m.ClientID, g, req.ClientGroupID)
		}
	}

	for _, m := range req.Mutations {
		if err := s.receive(ctx, st, req.ClientGroupID, m, &resp); err != nil {
			return resp, err
		}
	}
	if ack != nil {
		ack(resp)
	}
	if _, err := s.commit(ctx, st); err != nil {
		return resp, err
	}
	return resp, nil
}

// receive handles one pushed mutation according to the client's last
// applied id.
func (s *Server) receive(ctx context.Context, st *txn, group string, m protocol.Mutation, resp *protocol.PushResponse) error {
	last, err := readInt(ctx, st.meta, lmidKey(group, m.ClientID))
	if err != nil {
		return err
	}
	switch {
	case m.ID <= last:
		metrics.Mutations.WithLabelValues("duplicate").Inc()
		s.logger.Debug("duplicate mutation", "client", m.ClientID, "id", m.ID, "last", last)
		return nil
	case m.ID > last+1:
		s.gap(group, last, m)
		return nil
	}

	if err := s.apply(ctx, st, group, m, resp); err != nil {
		return err
	}

	// Drain buffered successors.
	key := group + "/" + m.ClientID
	buf := s.buffered[key]
	for next := m.ID + 1; len(buf) > 0; next++ {
		bm, ok := buf[next]
		if !ok {
			break
		}
		delete(buf, next)
		if err := s.apply(ctx, st, group, bm, resp); err != nil {
			return err
		}
	}
	if len(buf) == 0 {
		delete(s.buffered, key)
	}
	return nil
}

func (s *Server) gap(group string, last uint64, m protocol.Mutation) {
	key := group + "/" + m.ClientID
	if s.cfg.GapPolicy == GapBuffer && len(s.buffered[key]) < s.cfg.GapBuffer {
		buf := s.buffered[key]
		if buf == nil {
			buf = make(map[uint64]protocol.Mutation)
			s.buffered[key] = buf
		}
		buf[m.ID] = m
		metrics.Mutations.WithLabelValues("buffered").Inc()
		s.logger.Debug("mutation buffered", "client", m.ClientID, "id", m.ID, "expected", last+1)
		return
	}
	metrics.Mutations.WithLabelValues("gap").Inc()
	s.logger.Warn("mutation gap, discarding", "client", m.ClientID, "id", m.ID, "expected", last+1)
}

// apply runs the mutator and advances the client's last mutation id,
// whether or not the mutator succeeded.
func (s *Server) apply(ctx context.Context, st *txn, group string, m protocol.Mutation, resp *protocol.PushResponse) error {
	var err error
	if m.Name != protocol.SkipName {
		err = s.update(ctx, st, func(w *btree.Write) error {
			tx := mutator.NewWriteTx(w, m.ClientID, m.ID, mutator.ReasonAuthoritative)
			return s.mutators.Run(ctx, m.Name, tx, m.Args)
		})
	}
	switch {
	case m.Name == protocol.SkipName:
		metrics.Mutations.WithLabelValues("skipped").Inc()
	case err == nil:
		metrics.Mutations.WithLabelValues("applied").Inc()
	case chunk.IsCorruption(err) || errors.Is(err, context.Canceled):
		return fmt.Errorf("mutation %s/%d: %w", m.ClientID, m.ID, err)
	default:
		metrics.Mutations.WithLabelValues("rejected").Inc()
		s.logger.Warn("mutation rejected", "client", m.ClientID, "id", m.ID, "name", m.Name, "error", err)
		resp.Errors = append(resp.Errors, protocol.MutationFailure{ClientID: m.ClientID, ID: m.ID, Message: err.Error()})
	}
	if err := st.meta.Put(ctx, groupKey(m.ClientID), ir.String(group)); err != nil {
		return err
	}
	return st.meta.Put(ctx, lmidKey(group, m.ClientID), ir.Int(m.ID))
}

// LastMutationIDs returns the last applied mutation id of every client in
// group.
func (s *Server) LastMutationIDs(ctx context.Context, group string) (map[string]uint64, error) {
	var out map[string]uint64
	err := s.do(ctx, "lmids", func(ctx context.Context) error {
		var err error
		out, err = s.lastMutationIDs(ctx, group, s.head.MetaRoot)
		return err
	})
	return out, err
}

func (s *Server) lastMutationIDs(ctx context.Context, group string, metaRoot chunk.Digest) (map[string]uint64, error) {
	r, err := s.tree.Read(ctx, metaRoot)
	if err != nil {
		return nil, err
	}
	defer r.Close(ctx)

	prefix := lmidKey(group, "")
	out := make(map[string]uint64)
	for e, err := range r.Scan(ctx, btree.Prefix(prefix)) {
		if err != nil {
			return nil, err
		}
		n, ok := e.Value.(ir.Int)
		if !ok || n < 0 {
			return nil, fmt.Errorf("meta %s is %s", e.Key, ir.Kind(e.Value))
		}
		out[strings.TrimPrefix(e.Key, prefix)] = uint64(n)
	}
	return out, nil
}

// Groups lists the client groups that pushed at least once.
func (s *Server) Groups(ctx context.Context) ([]string, error) {
	var out []string
	err := s.do(ctx, "groups", func(ctx context.Context) error {
		r, err := s.tree.Read(ctx, s.head.MetaRoot)
		if err != nil {
			return err
		}
		defer r.Close(ctx)
		seen := make(map[string]bool)
		for e, err := range r.Scan(ctx, btree.Prefix("cg/")) {
			if err != nil {
				return err
			}
			if g, ok := e.Value.(ir.String); ok && !seen[string(g)] {
				seen[string(g)] = true
				out = append(out, string(g))
			}
		}
		sort.Strings(out)
		return nil
	})
	return out, err
}

type getter interface {
	Get(ctx context.Context, key string) (ir.Value, error)
}

func readInt(ctx context.Context, g getter, key string) (uint64, error) {
	v, err := g.Get(ctx, key)
	if errors.Is(err, btree.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, ok := v.(ir.Int)
	if !ok || n < 0 {
		return 0, fmt.Errorf("meta %s is %s, not a non-negative int", key, ir.Kind(v))
	}
	return uint64(n), nil
}

func readString(ctx context.Context, g getter, key string) (string, error) {
	v, err := g.Get(ctx, key)
	if errors.Is(err, btree.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	str, ok := v.(ir.String)
	if !ok {
		return "", fmt.Errorf("meta %s is %s, not a string", key, ir.Kind(v))
	}
	return string(str), nil
}
