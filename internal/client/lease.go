package client

import (
	"context"

	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/commit"
)

// AcquireLease tries to make this client the one that talks to the server
// for its group. It succeeds when the lease is free, expired or already
// ours, and extends it to now plus LeaseTTL.
func (c *Client) AcquireLease(ctx context.Context) (bool, error) {
	var cur commit.Lease
	ref, ok, err := commit.LoadHead(ctx, c.store, leaseHead(c.groupID), &cur)
	if err != nil {
		return false, err
	}
	now := c.now().UnixMilli()
	if ok && cur.Holder != c.clientID && cur.ExpiresMs > now {
		return false, nil
	}

	lease := c.store.NewLease()
	defer lease.Release(ctx)
	next, err := commit.Put(ctx, lease, &commit.Lease{Holder: c.clientID, ExpiresMs: now + c.cfg.LeaseTTL.Milliseconds()})
	if err != nil {
		return false, err
	}
	if err := c.store.UpdateHead(ctx, leaseHead(c.groupID), ref, next); err != nil {
		if chunk.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	if !ok || cur.Holder != c.clientID {
		c.logger.Info("acquired connection lease", "group", c.groupID, "client", c.clientID)
	}
	return true, nil
}

// ReleaseLease gives the lease up if this client holds it.
func (c *Client) ReleaseLease(ctx context.Context) error {
	var cur commit.Lease
	ref, ok, err := commit.LoadHead(ctx, c.store, leaseHead(c.groupID), &cur)
	if err != nil || !ok || cur.Holder != c.clientID {
		return err
	}
	if err := c.store.UpdateHead(ctx, leaseHead(c.groupID), ref, chunk.Digest{}); err != nil && !chunk.IsConflict(err) {
		return err
	}
	c.logger.Debug("released connection lease", "group", c.groupID, "client", c.clientID)
	return nil
}

// LeaseHolder returns the client holding an unexpired lease, if any.
func (c *Client) LeaseHolder(ctx context.Context) (string, bool, error) {
	var cur commit.Lease
	_, ok, err := commit.LoadHead(ctx, c.store, leaseHead(c.groupID), &cur)
	if err != nil || !ok || cur.ExpiresMs <= c.now().UnixMilli() {
		return "", false, err
	}
	return cur.Holder, true, nil
}
