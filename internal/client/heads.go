package client

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/commit"
)

func snapshotHead(group string) string { return "sync/" + group + "/snapshot" }
func mainHead(group string) string     { return "sync/" + group + "/main" }
func memberPrefix(group string) string { return "sync/" + group + "/client/" }
func leaseHead(group string) string    { return "lease/" + group }

func (c *Client) loadSnapshot(ctx context.Context) (chunk.Digest, commit.Snapshot, error) {
	var snap commit.Snapshot
	ref, ok, err := commit.LoadHead(ctx, c.store, snapshotHead(c.groupID), &snap)
	if err != nil {
		return ref, snap, err
	}
	if !ok {
		return ref, snap, fmt.Errorf("group %s has no snapshot", c.groupID)
	}
	return ref, snap, nil
}

func (c *Client) loadLocal(ctx context.Context) (chunk.Digest, commit.Local, error) {
	var local commit.Local
	ref, ok, err := commit.LoadHead(ctx, c.store, mainHead(c.groupID), &local)
	if err != nil {
		return ref, local, err
	}
	if !ok {
		return ref, local, fmt.Errorf("group %s has no main commit", c.groupID)
	}
	return ref, local, nil
}

// initHeads creates the group's snapshot and main commits if this is the
// first client of the group in the store.
func (c *Client) initHeads(ctx context.Context) error {
	existing, err := c.store.Head(ctx, mainHead(c.groupID))
	if err != nil || !existing.IsZero() {
		return err
	}
	lease := c.store.NewLease()
	defer lease.Release(ctx)

	snapRef, err := commit.Put(ctx, lease, &commit.Snapshot{LastMutationIDs: map[string]uint64{}})
	if err != nil {
		return err
	}
	mainRef, err := commit.Put(ctx, lease, &commit.Local{Snapshot: snapRef, Applied: map[string]uint64{}})
	if err != nil {
		return err
	}
	if err := c.store.UpdateHead(ctx, snapshotHead(c.groupID), chunk.Digest{}, snapRef); err != nil {
		if chunk.IsConflict(err) {
			return nil
		}
		return err
	}
	if err := c.store.UpdateHead(ctx, mainHead(c.groupID), chunk.Digest{}, mainRef); err != nil && !chunk.IsConflict(err) {
		return err
	}
	return nil
}

// register records the client as a member of its group.
func (c *Client) register(ctx context.Context) error {
	name := memberPrefix(c.groupID) + c.clientID
	existing, err := c.store.Head(ctx, name)
	if err != nil || !existing.IsZero() {
		return err
	}
	lease := c.store.NewLease()
	defer lease.Release(ctx)
	ref, err := commit.Put(ctx, lease, &commit.Member{ClientID: c.clientID, JoinedMs: c.now().UnixMilli()})
	if err != nil {
		return err
	}
	if err := c.store.UpdateHead(ctx, name, chunk.Digest{}, ref); err != nil && !chunk.IsConflict(err) {
		return err
	}
	return nil
}

// Members returns the ids of every client registered in the group, sorted.
func (c *Client) Members(ctx context.Context) ([]string, error) {
	heads, err := c.store.Heads(ctx)
	if err != nil {
		return nil, err
	}
	prefix := memberPrefix(c.groupID)
	var out []string
	for name := range heads {
		if id, ok := strings.CutPrefix(name, prefix); ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
