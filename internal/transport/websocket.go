package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/lattice/internal/protocol"
)

// wsConn runs one writer and one reader goroutine over a websocket.
// Deadline errors cannot be recovered in gorilla/websocket, so any read or
// write failure closes the connection.
type wsConn struct {
	ws       *websocket.Conn
	settings Settings

	ctx    context.Context
	cancel context.CancelFunc

	send    chan []byte
	receive chan incoming

	errMu sync.Mutex
	err   error
}

func newWSConn(ws *websocket.Conn, settings Settings) *wsConn {
	if settings.Codec == nil {
		settings.Codec = protocol.JSONCodec{}
	}
	if settings.MaxMessageSize > 0 {
		ws.SetReadLimit(settings.MaxMessageSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		ws:       ws,
		settings: settings,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, settings.BufferSize),
		receive:  make(chan incoming, settings.BufferSize),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *wsConn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.cancel()
}

func (c *wsConn) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.err)
}

func (c *wsConn) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if c.flush() {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// flush writes messages queued before Close, so a final error reaches the
// peer. It reports false if a write failed.
func (c *wsConn) flush() bool {
	for {
		select {
		case data := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return false
			}
		default:
			return true
		}
	}
}

func (c *wsConn) readLoop() {
	defer c.cancel()
	for {
		if c.settings.ReadTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		}
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.fail(err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		m, err := c.settings.Codec.Decode(data)
		select {
		case c.receive <- incoming{msg: m, err: err}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, m protocol.Message) error {
	data, err := c.settings.Codec.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return c.closedErr()
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case in := <-c.receive:
		return in.msg, in.err
	case <-c.ctx.Done():
		// Deliver what was read before the close.
		select {
		case in := <-c.receive:
			return in.msg, in.err
		default:
			return nil, c.closedErr()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsConn) Close() error {
	c.cancel()
	return nil
}

// WebsocketDialer returns a Dialer for a ws:// or wss:// url.
func WebsocketDialer(url string, header http.Header, settings Settings) Dialer {
	return func(ctx context.Context) (Conn, error) {
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
			}
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		return newWSConn(ws, settings), nil
	}
}

// Handler upgrades requests to websocket connections and passes each to
// serve, closing it when serve returns.
type Handler struct {
	Settings Settings
	Serve    func(ctx context.Context, c Conn, r *http.Request) error
	Logger   *slog.Logger

	upgrader websocket.Upgrader
}

// NewHandler returns a Handler that accepts any origin.
func NewHandler(settings Settings, serve func(ctx context.Context, c Conn, r *http.Request) error, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Settings: settings,
		Serve:    serve,
		Logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.Logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newWSConn(ws, h.Settings)
	defer c.Close()
	if err := h.Serve(r.Context(), c, r); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
		h.Logger.Info("connection ended", "remote", r.RemoteAddr, "error", err)
	}
}
