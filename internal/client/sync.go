package client

import (
	"cmp"
	"context"
	"slices"

	"github.com/roach88/lattice/internal/protocol"
)

// Remote is a request/response server. *server.Server implements it.
type Remote interface {
	Push(ctx context.Context, req protocol.PushRequest) (protocol.PushResponse, error)
	Pull(ctx context.Context, req protocol.PullRequest) (protocol.PullResponse, error)
}

// Push sends every unacknowledged mutation of the group to r, in batches
// of at most MaxPushBatch.
func (c *Client) Push(ctx context.Context, r Remote) error {
	sent := make(map[string]uint64)
	for {
		req, ok, err := c.nextBatch(ctx, sent)
		if err != nil || !ok {
			return err
		}
		resp, err := r.Push(ctx, req)
		if err != nil {
			return err
		}
		markSent(sent, req)
		if err := c.HandlePushResponse(ctx, resp); err != nil {
			return err
		}
	}
}

// Pull asks r for the changes since the client's cookie and applies them.
// A stale cookie is dropped and the pull retried from scratch.
func (c *Client) Pull(ctx context.Context, r Remote) error {
	req, err := c.PullRequest(ctx)
	if err != nil {
		return err
	}
	resp, err := r.Pull(ctx, req)
	if protocol.IsStaleCookie(err) {
		if err := c.ResetCookie(ctx); err != nil {
			return err
		}
		req.Cookie = ""
		resp, err = r.Pull(ctx, req)
	}
	if err != nil {
		return err
	}
	return c.Apply(ctx, resp)
}

// Sync pushes pending mutations, then pulls.
func (c *Client) Sync(ctx context.Context, r Remote) error {
	if err := c.Push(ctx, r); err != nil {
		return err
	}
	return c.Pull(ctx, r)
}

// PullRequest builds a pull from the client's current cookie.
func (c *Client) PullRequest(ctx context.Context) (protocol.PullRequest, error) {
	_, snap, err := c.loadSnapshot(ctx)
	if err != nil {
		return protocol.PullRequest{}, err
	}
	return protocol.PullRequest{
		ClientGroupID:   c.groupID,
		ClientID:        c.clientID,
		Cookie:          protocol.Cookie(snap.Cookie),
		LastMutationIDs: copyMap(snap.LastMutationIDs),
	}, nil
}

// nextBatch collects the mutations of every member that are neither
// acknowledged nor in sent. Dropped mutations go out as skips so the
// server still sees each client's ids without gaps.
func (c *Client) nextBatch(ctx context.Context, sent map[string]uint64) (protocol.PushRequest, bool, error) {
	req := protocol.PushRequest{ClientGroupID: c.groupID, PushVersion: protocol.PushVersion}
	_, snap, err := c.loadSnapshot(ctx)
	if err != nil {
		return req, false, err
	}
	members, err := c.Members(ctx)
	if err != nil {
		return req, false, err
	}
	var out []protocol.Mutation
	for _, id := range members {
		lg, err := c.memberLog(ctx, id)
		if err != nil {
			return req, false, err
		}
		ms, err := lg.Outbox(ctx, max(snap.LastMutationIDs[id], sent[id]))
		if err != nil {
			return req, false, err
		}
		out = append(out, ms...)
	}
	if len(out) == 0 {
		return req, false, nil
	}
	slices.SortFunc(out, func(a, b protocol.Mutation) int {
		return cmp.Or(cmp.Compare(a.ClientID, b.ClientID), cmp.Compare(a.ID, b.ID))
	})
	req.Mutations = out[:min(len(out), c.cfg.MaxPushBatch)]
	return req, true, nil
}

func markSent(sent map[string]uint64, req protocol.PushRequest) {
	for _, m := range req.Mutations {
		sent[m.ClientID] = max(sent[m.ClientID], m.ID)
	}
}
