package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lattice/internal/protocol"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPipe_RoundTrip(t *testing.T) {
	ctx := testContext(t)
	a, b := Pipe(nil)

	require.NoError(t, a.Send(ctx, protocol.PullRequest{ClientGroupID: "g", ClientID: "c"}))
	m, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.PullRequest{ClientGroupID: "g", ClientID: "c"}, m)

	require.NoError(t, b.Send(ctx, protocol.Pong{}))
	m, err = a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Pong{}, m)
}

func TestPipe_SendValidates(t *testing.T) {
	a, _ := Pipe(nil)
	err := a.Send(testContext(t), protocol.PullRequest{})
	assert.Equal(t, protocol.KindInvalidMessage, protocol.KindOf(err))
}

func TestPipe_CloseEndsBothSides(t *testing.T) {
	ctx := testContext(t)
	a, b := Pipe(nil)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := b.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, protocol.Ping{}), ErrClosed)
}

func TestPipe_RecvHonorsContext(t *testing.T) {
	_, b := Pipe(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func newEchoServer(t *testing.T) string {
	t.Helper()
	h := NewHandler(DefaultSettings(), func(ctx context.Context, c Conn, _ *http.Request) error {
		for {
			m, err := c.Recv(ctx)
			if err != nil {
				if pe, ok := err.(*protocol.Error); ok {
					if err := c.Send(ctx, pe); err != nil {
						return err
					}
					continue
				}
				return err
			}
			if _, ok := m.(protocol.Ping); ok {
				m = protocol.Pong{}
			}
			if err := c.Send(ctx, m); err != nil {
				return err
			}
		}
	}, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocket_Echo(t *testing.T) {
	ctx := testContext(t)
	url := newEchoServer(t)

	c, err := WebsocketDialer(url, nil, DefaultSettings())(ctx)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(ctx, protocol.Ping{}))
	m, err := c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Pong{}, m)

	push := protocol.PushRequest{ClientGroupID: "g", PushVersion: protocol.PushVersion}
	require.NoError(t, c.Send(ctx, push))
	m, err = c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, push, m)
}

func TestWebsocket_InvalidMessageKeepsConnection(t *testing.T) {
	ctx := testContext(t)
	url := newEchoServer(t)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.JSONCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindInvalidMessage, msg.(*protocol.Error).Kind)

	ping, err := protocol.JSONCodec{}.Encode(protocol.Ping{})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, ping))
	_, data, err = ws.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong","body":{}}`, string(data))
}

func TestWebsocket_DialFailure(t *testing.T) {
	_, err := WebsocketDialer("ws://127.0.0.1:1/nothing", nil, DefaultSettings())(testContext(t))
	assert.Error(t, err)
}

func TestWebsocket_CloseDeliversQueuedMessages(t *testing.T) {
	ctx := testContext(t)
	h := NewHandler(DefaultSettings(), func(ctx context.Context, c Conn, _ *http.Request) error {
		if err := c.Send(ctx, protocol.Errorf(protocol.KindUnauthorized, "go away")); err != nil {
			return err
		}
		return c.Close()
	}, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := WebsocketDialer("ws"+strings.TrimPrefix(srv.URL, "http"), nil, DefaultSettings())(ctx)
	require.NoError(t, err)
	defer c.Close()

	m, err := c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindUnauthorized, m.(*protocol.Error).Kind)
	_, err = c.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
