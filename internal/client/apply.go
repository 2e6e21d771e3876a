package client

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/commit"
	"github.com/roach88/lattice/internal/metrics"
	"github.com/roach88/lattice/internal/mutator"
	"github.com/roach88/lattice/internal/mutlog"
	"github.com/roach88/lattice/internal/protocol"
)

// Apply applies a pull response or poke: the patch moves the snapshot to
// resp.Cookie, acknowledged mutations are pruned and the rest are
// replayed on top. A response whose cookie the client already has is a
// no-op. A response that does not build on the current cookie is
// discarded with ErrStaleResponse.
//
// A reset is only taken while the client has no cookie, which is at first
// open or after ResetCookie. A reset that arrives once the client holds a
// cookie may have been overtaken by the patches applied since, so it is
// discarded with ErrStaleResponse rather than rolling the data back.
func (c *Client) Apply(ctx context.Context, resp protocol.PullResponse) error {
	if err := resp.Validate(); err != nil {
		return protocol.Errorf(protocol.KindInvalidMessage, "%v", err)
	}
	return c.locked(func() error {
		return c.apply(ctx, resp)
	})
}

func (c *Client) apply(ctx context.Context, resp protocol.PullResponse) error {
	snapRef, snap, err := c.loadSnapshot(ctx)
	if err != nil {
		return err
	}
	cur := protocol.Cookie(snap.Cookie)
	if cur != "" && resp.Cookie == cur {
		c.logger.Debug("duplicate response", "client", c.clientID, "cookie", string(cur))
		return nil
	}
	if resp.BaseCookie == "" && cur != "" {
		return fmt.Errorf("reset to %q, client at %q: %w", resp.Cookie, cur, ErrStaleResponse)
	}
	if resp.BaseCookie != "" && resp.BaseCookie != cur {
		return fmt.Errorf("base cookie %q, client at %q: %w", resp.BaseCookie, cur, ErrStaleResponse)
	}

	w, err := c.tree.Write(ctx, snap.DataRoot)
	if err != nil {
		return err
	}
	defer w.Close(ctx)
	for _, op := range resp.Patch {
		switch op.Op {
		case protocol.PatchClear:
			w.Clear()
		case protocol.PatchPut:
			err = w.Put(ctx, op.Key, op.Value)
		case protocol.PatchDel:
			_, err = w.Delete(ctx, op.Key)
		}
		if err != nil {
			return fmt.Errorf("apply patch: %w", err)
		}
	}
	data, err := w.Commit(ctx)
	if err != nil {
		return err
	}

	lmids := copyMap(snap.LastMutationIDs)
	if resp.IsReset() {
		lmids = make(map[string]uint64, len(resp.LastMutationIDs))
	}
	for id, n := range resp.LastMutationIDs {
		lmids[id] = max(lmids[id], n)
	}
	next := &commit.Snapshot{Cookie: string(resp.Cookie), LastMutationIDs: lmids, DataRoot: data}
	nextRef, err := commit.Put(ctx, w.Lease(), next)
	if err != nil {
		return err
	}
	if err := c.store.UpdateHead(ctx, snapshotHead(c.groupID), snapRef, nextRef); err != nil {
		return fmt.Errorf("apply cookie %s: %w", resp.Cookie, err)
	}
	c.logger.Debug("applied response", "client", c.clientID, "base", string(resp.BaseCookie),
		"cookie", string(resp.Cookie), "ops", len(resp.Patch))

	if err := c.prune(ctx, lmids); err != nil {
		return err
	}
	return c.rebase(ctx)
}

// ResetCookie forgets the client's cookie so the next pull asks for a full
// reset. The local data stays until the reset arrives.
func (c *Client) ResetCookie(ctx context.Context) error {
	return c.locked(func() error {
		snapRef, snap, err := c.loadSnapshot(ctx)
		if err != nil || snap.Cookie == "" {
			return err
		}
		lease := c.store.NewLease()
		defer lease.Release(ctx)
		snap.Cookie = ""
		ref, err := commit.Put(ctx, lease, &snap)
		if err != nil {
			return err
		}
		c.logger.Info("cookie reset, resyncing", "group", c.groupID, "client", c.clientID)
		return c.store.UpdateHead(ctx, snapshotHead(c.groupID), snapRef, ref)
	})
}

// memberLog returns the mutation log of a group member.
func (c *Client) memberLog(ctx context.Context, clientID string) (*mutlog.Log, error) {
	if clientID == c.clientID {
		return c.log, nil
	}
	return mutlog.Open(ctx, c.tree, clientID, mutlog.WithLogger(c.logger))
}

// prune removes acknowledged mutations from every member's log and
// settles our receipts.
func (c *Client) prune(ctx context.Context, lmids map[string]uint64) error {
	members, err := c.Members(ctx)
	if err != nil {
		return err
	}
	for _, id := range members {
		n := lmids[id]
		if n == 0 {
			continue
		}
		lg, err := c.memberLog(ctx, id)
		if err != nil {
			return err
		}
		if _, err := lg.Prune(ctx, n); err != nil {
			return err
		}
		if id == c.clientID {
			for rid := range c.receipts {
				if rid <= n {
					c.resolve(rid, nil)
				}
			}
		}
	}
	return nil
}

// groupPending returns the pending mutations of every member not yet
// acknowledged in lmids, ordered by timestamp across clients and by id
// within a client.
func (c *Client) groupPending(ctx context.Context, lmids map[string]uint64) ([]protocol.Mutation, error) {
	members, err := c.Members(ctx)
	if err != nil {
		return nil, err
	}
	var queues [][]protocol.Mutation
	total := 0
	for _, id := range members {
		lg, err := c.memberLog(ctx, id)
		if err != nil {
			return nil, err
		}
		pending, err := lg.Pending(ctx)
		if err != nil {
			return nil, err
		}
		var q []protocol.Mutation
		for _, m := range pending {
			if m.ID > lmids[id] {
				q = append(q, m)
			}
		}
		if len(q) > 0 {
			queues = append(queues, q)
			total += len(q)
		}
	}

	out := make([]protocol.Mutation, 0, total)
	for len(out) < total {
		best := -1
		for i, q := range queues {
			if len(q) == 0 {
				continue
			}
			if best < 0 || replayOrder(q[0], queues[best][0]) < 0 {
				best = i
			}
		}
		out = append(out, queues[best][0])
		queues[best] = queues[best][1:]
	}
	return out, nil
}

func replayOrder(a, b protocol.Mutation) int {
	return cmp.Or(
		cmp.Compare(a.Timestamp, b.Timestamp),
		cmp.Compare(a.ClientID, b.ClientID),
		cmp.Compare(a.ID, b.ID),
	)
}

// rebase replays pending mutations on the snapshot and moves main to the
// result. Mutations whose mutator fails are dropped from their log.
func (c *Client) rebase(ctx context.Context) error {
	start := time.Now()
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		snapRef, snap, err := c.loadSnapshot(ctx)
		if err != nil {
			return err
		}
		mainRef, _, err := c.loadLocal(ctx)
		if err != nil {
			return err
		}
		pending, err := c.groupPending(ctx, snap.LastMutationIDs)
		if err != nil {
			return err
		}

		data, applied, rejected, writes, err := c.replay(ctx, snap.DataRoot, pending)
		if err != nil {
			return err
		}
		lease := c.store.NewLease()
		err = c.commitMain(ctx, lease, mainRef, &commit.Local{Snapshot: snapRef, DataRoot: data, Applied: applied})
		for _, w := range writes {
			w.Close(ctx)
		}
		if chunk.IsConflict(err) {
			lease.Release(ctx)
			c.logger.Debug("main moved during rebase, retrying", "client", c.clientID)
			continue
		}
		if err == nil {
			err = c.feed(ctx, data)
		}
		lease.Release(ctx)
		if err != nil {
			return err
		}

		for _, r := range rejected {
			if err := c.reject(ctx, r.m, r.err); err != nil {
				return err
			}
		}
		metrics.Rebases.Inc()
		metrics.RebaseDuration.Observe(time.Since(start).Seconds())
		c.logger.Debug("rebased", "client", c.clientID, "replayed", len(pending), "rejected", len(rejected))
		return nil
	}
	return fmt.Errorf("rebase: %w", chunk.ErrConflict)
}

type rejection struct {
	m   protocol.Mutation
	err error
}

// replay runs pending on top of root. The returned writes pin the
// intermediate roots and must be closed once main moved.
func (c *Client) replay(ctx context.Context, root chunk.Digest, pending []protocol.Mutation) (chunk.Digest, map[string]uint64, []rejection, []*btree.Write, error) {
	applied := make(map[string]uint64)
	var (
		rejected []rejection
		writes   []*btree.Write
	)
	fail := func(err error) (chunk.Digest, map[string]uint64, []rejection, []*btree.Write, error) {
		for _, w := range writes {
			w.Close(ctx)
		}
		return chunk.Digest{}, nil, nil, nil, err
	}
	for _, m := range pending {
		w, err := c.tree.Write(ctx, root)
		if err != nil {
			return fail(err)
		}
		tx := mutator.NewWriteTx(w, m.ClientID, m.ID, mutator.ReasonRebase)
		if err := c.mutators.Run(ctx, m.Name, tx, m.Args); err != nil {
			w.Close(ctx)
			if chunk.IsCorruption(err) || errors.Is(err, context.Canceled) {
				return fail(err)
			}
			rejected = append(rejected, rejection{m: m, err: err})
			continue
		}
		next, err := w.Commit(ctx)
		if err != nil {
			w.Close(ctx)
			return fail(err)
		}
		root = next
		writes = append(writes, w)
		applied[m.ClientID] = m.ID
	}
	return root, applied, rejected, writes, nil
}

// reject drops m from its log and reports it to its originator.
func (c *Client) reject(ctx context.Context, m protocol.Mutation, err error) error {
	lg, lerr := c.memberLog(ctx, m.ClientID)
	if lerr != nil {
		return lerr
	}
	if _, lerr := lg.Drop(ctx, m.ID); lerr != nil {
		return lerr
	}
	metrics.MutationsRejected.Inc()
	c.logger.Warn("mutation rejected on rebase", "client", m.ClientID, "id", m.ID, "name", m.Name, "error", err)
	if m.ClientID == c.clientID {
		c.resolve(m.ID, &MutationError{ClientID: m.ClientID, ID: m.ID, Name: m.Name, Phase: mutator.ReasonRebase, Err: err})
	}
	return nil
}

// HandlePushResponse reports the mutations the server rejected.
func (c *Client) HandlePushResponse(ctx context.Context, resp protocol.PushResponse) error {
	if len(resp.Errors) == 0 {
		return nil
	}
	return c.locked(func() error {
		names := make(map[uint64]string)
		if pending, err := c.log.Pending(ctx); err == nil {
			for _, m := range pending {
				names[m.ID] = m.Name
			}
		}
		for _, f := range resp.Errors {
			metrics.MutationsRejected.Inc()
			c.logger.Warn("mutation rejected by server", "client", f.ClientID, "id", f.ID, "error", f.Message)
			if f.ClientID != c.clientID {
				continue
			}
			c.resolve(f.ID, &MutationError{
				ClientID: f.ClientID,
				ID:       f.ID,
				Name:     names[f.ID],
				Phase:    mutator.ReasonAuthoritative,
				Err:      errors.New(f.Message),
			})
		}
		return nil
	})
}
