package server

import (
	"context"
	"strconv"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/metrics"
	"github.com/roach88/lattice/internal/protocol"
)

// Pull returns the patch from req.Cookie to the current version along with
// the last mutation ids of req's client group. A cookie outside the
// history window fails with StaleCookie.
func (s *Server) Pull(ctx context.Context, req protocol.PullRequest) (protocol.PullResponse, error) {
	if err := req.Validate(); err != nil {
		return protocol.PullResponse{}, protocol.Errorf(protocol.KindInvalidMessage, "%v", err)
	}
	var resp protocol.PullResponse
	err := s.do(ctx, "pull", func(ctx context.Context) error {
		var err error
		resp, err = s.pull(ctx, req)
		return err
	})
	return resp, err
}

func (s *Server) pull(ctx context.Context, req protocol.PullRequest) (protocol.PullResponse, error) {
	base, patch, err := s.patchFrom(ctx, req.Cookie)
	if protocol.IsStaleCookie(err) {
		metrics.PullsServed.WithLabelValues("stale").Inc()
		s.logger.Debug("stale cookie", "client", req.ClientID, "cookie", string(req.Cookie), "version", s.head.Version)
		return protocol.PullResponse{}, err
	}
	if err != nil {
		return protocol.PullResponse{}, err
	}
	lmids, err := s.lastMutationIDs(ctx, req.ClientGroupID, s.head.MetaRoot)
	if err != nil {
		return protocol.PullResponse{}, err
	}
	if base == "" {
		metrics.PullsServed.WithLabelValues("reset").Inc()
	} else {
		metrics.PullsServed.WithLabelValues("patch").Inc()
	}
	return protocol.PullResponse{
		BaseCookie:      base,
		Cookie:          CookieFor(s.head.Version),
		LastMutationIDs: lmids,
		Patch:           patch,
	}, nil
}

// patchFrom computes the patch that moves a client at cookie to the
// current version. It returns the base cookie of the patch: the input
// cookie, or empty for a reset.
func (s *Server) patchFrom(ctx context.Context, cookie protocol.Cookie) (protocol.Cookie, []protocol.PatchOp, error) {
	if cookie == "" {
		patch, err := s.resetPatch(ctx, s.head.DataRoot)
		return "", patch, err
	}
	v, err := strconv.ParseInt(string(cookie), 10, 64)
	if err != nil || v < 0 || v > s.head.Version {
		return "", nil, protocol.Errorf(protocol.KindStaleCookie, "unknown cookie %q", cookie)
	}
	if v == s.head.Version {
		return cookie, []protocol.PatchOp{}, nil
	}
	old, ok, err := s.history(ctx, v)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, protocol.Errorf(protocol.KindStaleCookie,
			"cookie %q is older than the history window", cookie)
	}
	entries, err := s.tree.DiffAll(ctx, old.DataRoot, s.head.DataRoot)
	if err != nil {
		return "", nil, err
	}
	return cookie, toPatch(entries), nil
}

// resetPatch is a clear followed by every entry at root.
func (s *Server) resetPatch(ctx context.Context, root chunk.Digest) ([]protocol.PatchOp, error) {
	r, err := s.tree.Read(ctx, root)
	if err != nil {
		return nil, err
	}
	defer r.Close(ctx)

	patch := []protocol.PatchOp{protocol.Clear()}
	for e, err := range r.Scan(ctx, btree.KeyRange{}) {
		if err != nil {
			return nil, err
		}
		patch = append(patch, protocol.Put(e.Key, e.Value))
	}
	return patch, nil
}

func toPatch(entries []btree.DiffEntry) []protocol.PatchOp {
	patch := make([]protocol.PatchOp, 0, len(entries))
	for _, e := range entries {
		if e.Op == btree.OpDelete {
			patch = append(patch, protocol.Del(e.Key))
		} else {
			patch = append(patch, protocol.Put(e.Key, e.New))
		}
	}
	return patch
}
