package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/lattice/internal/backoff"
	"github.com/roach88/lattice/internal/protocol"
	"github.com/roach88/lattice/internal/transport"
)

// ErrLeaseLost ends a session when another client took the group's lease.
var ErrLeaseLost = errors.New("connection lease lost")

// Run keeps the group in sync over connections from dial until ctx ends.
// Only the client holding the group's lease connects; the others reload
// main every RefreshInterval and take over when the lease expires.
// Connection failures are retried with backoff. Unauthorized is returned.
func (c *Client) Run(ctx context.Context, dial transport.Dialer) error {
	defer c.setState(Disconnected)
	defer c.ReleaseLease(context.WithoutCancel(ctx))

	b := backoff.New(c.cfg.Backoff)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		leader, err := c.AcquireLease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("acquire lease: %w", err)
		}
		if !leader {
			if err := c.follow(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			continue
		}

		err = c.session(ctx, dial, b)
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if protocol.IsUnauthorized(err) {
			return err
		}
		c.logger.Warn("connection lost", "group", c.groupID, "client", c.clientID,
			"attempt", b.Attempts(), "error", err)
		if err := b.Wait(ctx); err != nil {
			return err
		}
	}
}

// follow waits one refresh interval and reloads main.
func (c *Client) follow(ctx context.Context) error {
	t := time.NewTimer(c.cfg.RefreshInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return c.Refresh(ctx)
}

// session runs one connection until it fails.
func (c *Client) session(ctx context.Context, dial transport.Dialer, b *backoff.Backoff) error {
	c.setState(Connecting)
	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := c.handshake(ctx, conn); err != nil {
		return err
	}
	b.Reset()
	c.setState(Connected)

	g, ctx := errgroup.WithContext(ctx)
	inbound := make(chan protocol.Message)
	g.Go(func() error {
		for {
			m, err := conn.Recv(ctx)
			if protocol.KindOf(err) == protocol.KindInvalidMessage {
				c.logger.Warn("undecodable message from server", "error", err)
				continue
			}
			if err != nil {
				return err
			}
			select {
			case inbound <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	g.Go(func() error {
		defer conn.Close()
		s := &session{c: c, conn: conn, sent: make(map[string]uint64)}
		return s.loop(ctx, inbound)
	})
	return g.Wait()
}

func (c *Client) handshake(ctx context.Context, conn transport.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, 2*c.cfg.PingInterval)
	defer cancel()
	err := conn.Send(ctx, protocol.Connect{ClientGroupID: c.groupID, ClientID: c.clientID, Token: c.cfg.Token})
	if err != nil {
		return err
	}
	m, err := conn.Recv(ctx)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	switch m := m.(type) {
	case protocol.Connected:
		c.logger.Info("connected", "group", c.groupID, "client", c.clientID, "connection", m.ConnectionID)
		return nil
	case *protocol.Error:
		return m
	default:
		return fmt.Errorf("handshake: unexpected %s", m.Type())
	}
}

// session tracks the requests in flight on one connection. sent holds the
// highest id pushed per client; a new connection starts over.
type session struct {
	c       *Client
	conn    transport.Conn
	sent    map[string]uint64
	pulling bool
	pushing bool
}

func (s *session) loop(ctx context.Context, inbound <-chan protocol.Message) error {
	if err := s.pull(ctx); err != nil {
		return err
	}
	if err := s.push(ctx); err != nil {
		return err
	}
	ping := time.NewTicker(s.c.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.c.kick:
			if err := s.push(ctx); err != nil {
				return err
			}
		case <-ping.C:
			ok, err := s.c.AcquireLease(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return ErrLeaseLost
			}
			if err := s.conn.Send(ctx, protocol.Ping{}); err != nil {
				return err
			}
			// Other clients of the group do not kick us.
			if err := s.push(ctx); err != nil {
				return err
			}
		case m := <-inbound:
			if err := s.handle(ctx, m); err != nil {
				return err
			}
		}
		if !s.pulling && !s.pushing {
			s.c.setState(Idle)
		}
	}
}

func (s *session) handle(ctx context.Context, m protocol.Message) error {
	switch m := m.(type) {
	case protocol.Pong:
	case protocol.PullResponse:
		s.pulling = false
		return s.apply(ctx, m)
	case protocol.Poke:
		if s.pulling {
			// The pull response will carry this change too.
			return nil
		}
		return s.apply(ctx, m.PullResponse)
	case protocol.PushResponse:
		s.pushing = false
		if err := s.c.HandlePushResponse(ctx, m); err != nil {
			return err
		}
		return s.push(ctx)
	case *protocol.Error:
		if m.Terminal() {
			return m
		}
		if m.Kind == protocol.KindStaleCookie {
			if err := s.c.ResetCookie(ctx); err != nil {
				return err
			}
			s.pulling = false
			return s.pull(ctx)
		}
		s.c.logger.Warn("server error", "error", m)
	default:
		s.c.logger.Warn("unexpected message from server", "type", m.Type())
	}
	return nil
}

func (s *session) apply(ctx context.Context, resp protocol.PullResponse) error {
	err := s.c.Apply(ctx, resp)
	if errors.Is(err, ErrStaleResponse) {
		s.c.logger.Debug("discarded out of order response", "cookie", string(resp.Cookie), "error", err)
		return s.pull(ctx)
	}
	return err
}

func (s *session) pull(ctx context.Context) error {
	if s.pulling {
		return nil
	}
	req, err := s.c.PullRequest(ctx)
	if err != nil {
		return err
	}
	if err := s.conn.Send(ctx, req); err != nil {
		return err
	}
	s.pulling = true
	s.c.setState(Pulling)
	return nil
}

func (s *session) push(ctx context.Context) error {
	if s.pushing {
		return nil
	}
	req, ok, err := s.c.nextBatch(ctx, s.sent)
	if err != nil || !ok {
		return err
	}
	if err := s.conn.Send(ctx, req); err != nil {
		return err
	}
	markSent(s.sent, req)
	s.pushing = true
	s.c.setState(Pushing)
	return nil
}
