package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lattice/internal/server"
)

func TestLoad_Full(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "full.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "/metrics", cfg.MetricsPath, "absent keys keep their default")
	assert.Equal(t, StoreConfig{Backend: "bolt", Path: "/var/lib/lattice/chunks.db"}, cfg.Store)
	assert.Equal(t, 4096, cfg.BTree.MinSize)
	assert.Equal(t, server.GapBuffer, cfg.Server.GapPolicy)
	assert.Equal(t, 10*time.Second, cfg.Server.PingInterval)
	assert.Equal(t, map[string]string{"todo": "id", "label": "name"}, cfg.Server.Tables)
	assert.Equal(t, "name", cfg.Server.PrimaryKey("label"))
	assert.Equal(t, 50, cfg.Client.MaxPushBatch)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.Backoff.Initial)
	assert.Equal(t, 1.5, cfg.Client.Backoff.Multiplier)
	assert.Equal(t, "secret", cfg.Client.Token)
	assert.IsType(t, server.StaticTokens{}, cfg.Server.Authenticator())
}

func TestParse_EmptyIsDefault(t *testing.T) {
	for _, data := range []string{"", "\n", "# nothing\n"} {
		cfg, err := Parse([]byte(data))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	}
	assert.Equal(t, server.AllowAll{}, Default().Server.Authenticator())
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		schema bool
		path   string
	}{
		{name: "unknown key", yaml: "server:\n  histroy_size: 3\n", schema: true, path: "server.histroy_size"},
		{name: "unknown backend", yaml: "store:\n  backend: rocks\n", schema: true, path: "store.backend"},
		{name: "duration without unit", yaml: "client:\n  lease_ttl: 30\n", schema: true, path: "client.lease_ttl"},
		{name: "zero history", yaml: "server:\n  history_size: 0\n", schema: true, path: "server.history_size"},
		{name: "negative gc interval", yaml: "server:\n  gc_interval: -1\n", schema: true, path: "server.gc_interval"},
		{name: "jitter above one", yaml: "client:\n  backoff:\n    jitter: 2\n", schema: true, path: "client.backoff.jitter"},
		{name: "lease shorter than ping", yaml: "client:\n  ping_interval: 10s\n  lease_ttl: 5s\n"},
		{name: "sqlite without path", yaml: "store:\n  backend: sqlite\n  path: \"\"\n"},
		{name: "inverted node sizes", yaml: "btree:\n  min_size: 4096\n  max_size: 2048\n"},
		{name: "not yaml", yaml: "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, tt.schema, IsSchemaError(err), "%v", err)
			if tt.path != "" {
				var se *SchemaError
				require.ErrorAs(t, err, &se)
				assert.Contains(t, se.Path, tt.path)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
