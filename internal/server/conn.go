package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/metrics"
	"github.com/roach88/lattice/internal/protocol"
	"github.com/roach88/lattice/internal/transport"
)

const outboxSize = 64

// connection is one connected client. The registry holds at most one
// connection per client id; a newer Connect replaces the older one.
type connection struct {
	id        string
	clientID  string
	groupID   string
	principal Principal

	out    chan protocol.Message
	cancel context.CancelFunc

	// cookie is the last cookie delivered to the client. Run loop only.
	cookie protocol.Cookie
}

// enqueue queues m for the writer. A client that falls outboxSize messages
// behind is disconnected.
func (c *connection) enqueue(m protocol.Message) bool {
	select {
	case c.out <- m:
		return true
	default:
		c.cancel()
		return false
	}
}

// Serve runs the protocol on conn until it fails or ctx ends. The first
// message must be Connect.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()

	hctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout())
	hello, err := conn.Recv(hctx)
	cancel()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	connect, ok := hello.(protocol.Connect)
	if !ok {
		perr := protocol.Errorf(protocol.KindInvalidMessage, "expected connect, got %s", hello.Type())
		conn.Send(ctx, perr)
		return perr
	}
	principal, err := s.auth.Authenticate(ctx, connect.Token)
	if err != nil {
		perr := protocol.Errorf(protocol.KindUnauthorized, "%v", err)
		conn.Send(ctx, perr)
		s.logger.Info("connection refused", "client", connect.ClientID, "error", err)
		return perr
	}

	ctx, cancel = context.WithCancel(ctx)
	defer cancel()
	c := &connection{
		id:        s.newID(),
		clientID:  connect.ClientID,
		groupID:   connect.ClientGroupID,
		principal: principal,
		out:       make(chan protocol.Message, outboxSize),
		cancel:    cancel,
	}
	s.register(c)
	defer s.deregister(c)

	log := s.logger.With("conn", c.id, "client", c.clientID, "group", c.groupID)
	log.Info("client connected", "subject", principal.Subject)
	c.enqueue(protocol.Connected{ConnectionID: c.id})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return writeLoop(gctx, conn, c) })
	g.Go(func() error { return s.readLoop(gctx, conn, c) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
		err = nil
	}
	log.Info("client disconnected", "error", err)
	return err
}

func writeLoop(ctx context.Context, conn transport.Conn, c *connection) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.out:
			if err := conn.Send(ctx, m); err != nil {
				return err
			}
			if _, ok := m.(protocol.Poke); ok {
				metrics.PokesSent.Inc()
			}
			if perr, ok := m.(*protocol.Error); ok && perr.Terminal() {
				return perr
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn transport.Conn, c *connection) error {
	for {
		m, err := conn.Recv(ctx)
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				c.enqueue(perr)
				continue
			}
			return err
		}
		if err := s.handle(ctx, c, m); err != nil {
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, c *connection, m protocol.Message) error {
	switch m := m.(type) {
	case protocol.Ping:
		c.enqueue(protocol.Pong{})
	case protocol.Pong:
	case protocol.PullRequest:
		if m.ClientGroupID != c.groupID || m.ClientID != c.clientID {
			c.enqueue(protocol.Errorf(protocol.KindInvalidMessage, "pull for %s/%s on connection of %s/%s",
				m.ClientGroupID, m.ClientID, c.groupID, c.clientID))
			return nil
		}
		err := s.do(ctx, "pull", func(ctx context.Context) error {
			resp, err := s.pull(ctx, m)
			if err != nil {
				return err
			}
			c.cookie = resp.Cookie
			c.enqueue(resp)
			return nil
		})
		return s.reply(c, err)
	case protocol.PushRequest:
		if m.ClientGroupID != c.groupID {
			c.enqueue(protocol.Errorf(protocol.KindInvalidMessage, "push for group %s on connection of %s",
				m.ClientGroupID, c.groupID))
			return nil
		}
		err := s.do(ctx, "push", func(ctx context.Context) error {
			_, err := s.push(ctx, m, func(resp protocol.PushResponse) { c.enqueue(resp) })
			return err
		})
		return s.reply(c, err)
	default:
		c.enqueue(protocol.Errorf(protocol.KindInvalidMessage, "unexpected %s from client", m.Type()))
	}
	return nil
}

// reply sends a failed request's error to the client. Errors that are not
// protocol errors are also logged.
func (s *Server) reply(c *connection, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) {
		return err
	}
	perr := protocol.AsError(err)
	if perr.Kind == protocol.KindInternal {
		s.logger.Error("request failed", "conn", c.id, "error", err)
	}
	c.enqueue(perr)
	return nil
}

func (s *Server) register(c *connection) {
	s.conns.Compute(c.clientID, func(old *connection, loaded bool) (*connection, bool) {
		if loaded {
			old.cancel()
		}
		return c, false
	})
	metrics.ConnectedClients.Inc()
}

func (s *Server) deregister(c *connection) {
	s.conns.Compute(c.clientID, func(old *connection, loaded bool) (*connection, bool) {
		if loaded && old == c {
			return nil, true
		}
		return old, !loaded
	})
	metrics.ConnectedClients.Dec()
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int {
	return s.conns.Size()
}

// pokeAll sends every connection that has pulled the patch to the current
// version. entries is the diff from version prev.
func (s *Server) pokeAll(ctx context.Context, prev int64, entries []btree.DiffEntry) {
	cookie := CookieFor(s.head.Version)
	prevCookie := CookieFor(prev)
	patches := map[protocol.Cookie]protocol.PullResponse{}
	s.conns.Range(func(_ string, c *connection) bool {
		if c.cookie == "" || c.cookie == cookie {
			return true
		}
		resp, ok := patches[c.cookie]
		if !ok {
			var err error
			resp, err = s.poke(ctx, c, prevCookie, entries)
			var perr *protocol.Error
			if errors.As(err, &perr) && perr.Kind == protocol.KindStaleCookie {
				// The connection stays quiet until it pulls from scratch.
				if c.enqueue(perr) {
					c.cookie = ""
				}
				return true
			}
			if err != nil {
				s.logger.Warn("poke failed", "conn", c.id, "error", err)
				return true
			}
			patches[c.cookie] = resp
		}
		lmids, err := s.lastMutationIDs(ctx, c.groupID, s.head.MetaRoot)
		if err != nil {
			s.logger.Warn("poke failed", "conn", c.id, "error", err)
			return true
		}
		resp.LastMutationIDs = lmids
		if c.enqueue(protocol.Poke{PullResponse: resp}) {
			c.cookie = cookie
		}
		return true
	})
}

// poke builds the patch for a connection at c.cookie. A cookie that left
// the history window fails with StaleCookie; the client answers it with a
// pull from an empty cookie, since a reset arriving unasked is discarded.
func (s *Server) poke(ctx context.Context, c *connection, prevCookie protocol.Cookie, entries []btree.DiffEntry) (protocol.PullResponse, error) {
	resp := protocol.PullResponse{Cookie: CookieFor(s.head.Version)}
	if c.cookie == prevCookie {
		resp.BaseCookie, resp.Patch = prevCookie, toPatch(entries)
		return resp, nil
	}
	base, patch, err := s.patchFrom(ctx, c.cookie)
	if err != nil {
		return resp, err
	}
	resp.BaseCookie, resp.Patch = base, patch
	return resp, nil
}

// handshakeTimeout bounds how long Serve waits for Connect.
func (s *Server) handshakeTimeout() time.Duration {
	return 2 * s.cfg.PingInterval
}
