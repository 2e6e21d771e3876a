package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/ir"
	"github.com/roach88/lattice/internal/protocol"
	"github.com/roach88/lattice/internal/transport"
)

type session struct {
	conn transport.Conn
	errc chan error
}

func (f *fixture) dial(t *testing.T) *session {
	t.Helper()
	client, server := transport.Pipe(protocol.JSONCodec{})
	s := &session{conn: client, errc: make(chan error, 1)}
	go func() { s.errc <- f.srv.Serve(f.ctx, server) }()
	t.Cleanup(func() { client.Close() })
	return s
}

func (s *session) send(t *testing.T, m protocol.Message) {
	t.Helper()
	require.NoError(t, s.conn.Send(context.Background(), m))
}

func (s *session) recv(t *testing.T) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := s.conn.Recv(ctx)
	require.NoError(t, err)
	return m
}

func (s *session) connect(t *testing.T, group, client string) {
	t.Helper()
	s.send(t, protocol.Connect{ClientGroupID: group, ClientID: client})
	_, ok := s.recv(t).(protocol.Connected)
	require.True(t, ok, "expected connected")
}

func newIDFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := chunk.NewMemoryStore()
	tree, err := btree.New(store)
	require.NoError(t, err)
	srv, err := Open(ctx, tree, testRegistry(), append([]Option{WithConfig(testConfig())}, opts...)...)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() { defer close(done); srv.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })
	return &fixture{srv: srv, store: store, tree: tree, ctx: ctx}
}

func TestServe_HandshakeAndPing(t *testing.T) {
	f := newIDFixture(t, WithConnectionIDs(func() string { return "conn-1" }))
	s := f.dial(t)

	s.send(t, protocol.Connect{ClientGroupID: "g", ClientID: "c1"})
	assert.Equal(t, protocol.Connected{ConnectionID: "conn-1"}, s.recv(t))
	require.Eventually(t, func() bool { return f.srv.Connections() == 1 }, time.Second, time.Millisecond)

	s.send(t, protocol.Ping{})
	assert.Equal(t, protocol.Pong{}, s.recv(t))
}

func TestServe_PullThenPoke(t *testing.T) {
	f := newFixture(t, testConfig())
	f.push(t, "g", put("c1", 1, "a"))

	s := f.dial(t)
	s.connect(t, "g", "c2")
	s.send(t, protocol.PullRequest{ClientGroupID: "g", ClientID: "c2"})
	resp, ok := s.recv(t).(protocol.PullResponse)
	require.True(t, ok)
	assert.True(t, resp.IsReset())
	assert.Equal(t, protocol.Cookie("1"), resp.Cookie)

	f.push(t, "g", put("c1", 2, "b"))
	poke, ok := s.recv(t).(protocol.Poke)
	require.True(t, ok, "expected a poke")
	assert.Equal(t, protocol.Cookie("1"), poke.BaseCookie)
	assert.Equal(t, protocol.Cookie("2"), poke.Cookie)
	require.Len(t, poke.Patch, 1)
	assert.Equal(t, "todo/b", poke.Patch[0].Key)
	assert.Equal(t, map[string]uint64{"c1": 2}, poke.LastMutationIDs)
}

func TestServe_PushOverConnection(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.dial(t)
	s.connect(t, "g", "c1")

	s.send(t, protocol.PushRequest{
		ClientGroupID: "g",
		Mutations: []protocol.Mutation{
			put("c1", 1, "a"),
			{ID: 2, ClientID: "c1", Name: "fail", Args: ir.Null{}},
		},
		PushVersion: protocol.PushVersion,
	})
	resp, ok := s.recv(t).(protocol.PushResponse)
	require.True(t, ok)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, uint64(2), resp.Errors[0].ID)

	s.send(t, protocol.PushRequest{ClientGroupID: "other", PushVersion: protocol.PushVersion})
	perr, ok := s.recv(t).(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.KindInvalidMessage, perr.Kind)
	assert.Equal(t, protocol.KindInvalidMessage, protocol.KindOf(<-s.errc), "invalid messages end the connection")
}

func TestServe_StaleCookieKeepsConnection(t *testing.T) {
	f := newFixture(t, testConfig())
	s := f.dial(t)
	s.connect(t, "g", "c1")

	s.send(t, protocol.PullRequest{ClientGroupID: "g", ClientID: "c1", Cookie: "42"})
	perr, ok := s.recv(t).(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.KindStaleCookie, perr.Kind)

	s.send(t, protocol.PullRequest{ClientGroupID: "g", ClientID: "c1"})
	_, ok = s.recv(t).(protocol.PullResponse)
	assert.True(t, ok, "connection survives a stale cookie")
}

func TestPoke_StaleConnectionGetsStaleCookie(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 1
	f := newFixture(t, cfg)
	for i, id := range []string{"a", "b", "c"} {
		f.push(t, "g", put("c1", uint64(i+1), id))
	}

	c := &connection{
		id:       "conn-old",
		clientID: "c2",
		groupID:  "g",
		out:      make(chan protocol.Message, outboxSize),
		cancel:   func() {},
		cookie:   "1",
	}
	f.srv.conns.Store(c.clientID, c)

	f.push(t, "g", put("c1", 4, "d"))
	select {
	case m := <-c.out:
		perr, ok := m.(*protocol.Error)
		require.True(t, ok, "expected an error, got %T", m)
		assert.Equal(t, protocol.KindStaleCookie, perr.Kind)
	case <-time.After(time.Second):
		t.Fatal("no message for the stale connection")
	}

	f.push(t, "g", put("c1", 5, "e"))
	select {
	case m := <-c.out:
		t.Fatalf("connection without a cookie got %T", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServe_RejectsBadHandshake(t *testing.T) {
	tests := []struct {
		name  string
		first protocol.Message
		kind  protocol.ErrorKind
	}{
		{"not connect", protocol.Ping{}, protocol.KindInvalidMessage},
		{"bad token", protocol.Connect{ClientGroupID: "g", ClientID: "c1", Token: "wrong"}, protocol.KindUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIDFixture(t, WithAuthenticator(StaticTokens{"secret": "alice"}))
			s := f.dial(t)
			s.send(t, tt.first)

			perr, ok := s.recv(t).(*protocol.Error)
			require.True(t, ok)
			assert.Equal(t, tt.kind, perr.Kind)
			assert.Equal(t, tt.kind, protocol.KindOf(<-s.errc))
		})
	}
}

func TestServe_ReconnectReplacesConnection(t *testing.T) {
	f := newFixture(t, testConfig())
	first := f.dial(t)
	first.connect(t, "g", "c1")

	second := f.dial(t)
	second.connect(t, "g", "c1")

	select {
	case err := <-first.errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("old connection not closed")
	}
	assert.Equal(t, 1, f.srv.Connections())
}
