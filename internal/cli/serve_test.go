package cli

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lattice/internal/btree"
	"github.com/roach88/lattice/internal/chunk"
	"github.com/roach88/lattice/internal/config"
	"github.com/roach88/lattice/internal/metrics"
	"github.com/roach88/lattice/internal/mutator"
	"github.com/roach88/lattice/internal/protocol"
	"github.com/roach88/lattice/internal/server"
	"github.com/roach88/lattice/internal/transport"
)

func TestServeMux(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Server.Tokens = map[string]string{"secret": "c1"}
	tree, err := btree.New(chunk.NewMemoryStore())
	require.NoError(t, err)
	srv, err := server.Open(ctx, tree, mutator.Rows("id"),
		server.WithConfig(cfg.Server.Config), server.WithAuthenticator(cfg.Server.Authenticator()), server.WithLogger(logger))
	require.NoError(t, err)
	go srv.Run(ctx)

	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
	ts := httptest.NewServer(newMux(srv, cfg, reg, logger))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + cfg.MetricsPath)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "lattice_server_version")

	dial := transport.WebsocketDialer("ws"+strings.TrimPrefix(ts.URL, "http")+SyncPath, nil, transport.DefaultSettings())
	conn, err := dial(ctx)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Send(ctx, protocol.Connect{ClientGroupID: "g1", ClientID: "c1", Token: "secret"}))
	msg, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.IsType(t, protocol.Connected{}, msg)

	bad, err := dial(ctx)
	require.NoError(t, err)
	defer bad.Close()
	require.NoError(t, bad.Send(ctx, protocol.Connect{ClientGroupID: "g1", ClientID: "c1", Token: "wrong"}))
	msg, err = bad.Recv(ctx)
	require.NoError(t, err)
	perr, ok := msg.(*protocol.Error)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, protocol.KindUnauthorized, perr.Kind)
}
