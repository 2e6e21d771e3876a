package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	content := `
name: test_scenario
description: "Two clients of one group"
tables: { todo: id }
server: { history_size: 4 }
clients:
  - { id: c1, group: g1 }
  - { id: c2, group: g1, store: c1 }
steps:
  - mutate: { client: c1, name: putRow, args: { table: todo, row: { id: a } } }
  - push: { client: c1, limit: 1 }
  - expect:
      client: c2
      pending: []
      cookie: "1"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", s.Name)
	assert.Equal(t, map[string]string{"todo": "id"}, s.Tables)
	require.Len(t, s.Clients, 2)
	assert.Equal(t, "c1", s.Clients[1].StoreName())
	assert.Equal(t, "c1", s.Clients[0].StoreName(), "store defaults to the client id")
	require.Len(t, s.Steps, 3)
	assert.Equal(t, "putRow", s.Steps[0].Mutate.Name)
	assert.Equal(t, 1, s.Steps[1].Push.Limit)
	require.NotNil(t, s.Steps[2].Expect.Pending)
	assert.Empty(t, *s.Steps[2].Expect.Pending)
	assert.Equal(t, "1", *s.Steps[2].Expect.Cookie)
	assert.False(t, s.Server.IsZero())
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read scenario")
}

func TestParseScenario_Invalid(t *testing.T) {
	const head = "name: bad\ndescription: d\nclients:\n  - { id: c1, group: g1 }\n"
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: head + "steps:\n  - pull: { client: c1 }\nextra: 1\n",
			want: "field extra not found",
		},
		{
			name: "no steps",
			yaml: head,
			want: "steps list is required",
		},
		{
			name: "no description",
			yaml: "name: bad\nsteps:\n  - pull: { client: c1 }\n",
			want: "description is required",
		},
		{
			name: "unknown client",
			yaml: head + "steps:\n  - pull: { client: c9 }\n",
			want: `unknown client "c9"`,
		},
		{
			name: "two actions in one step",
			yaml: head + "steps:\n  - { pull: { client: c1 }, push: { client: c1 } }\n",
			want: "want exactly one action, got 2",
		},
		{
			name: "empty step",
			yaml: head + "steps:\n  - {}\n",
			want: "want exactly one action, got 0",
		},
		{
			name: "duplicate client",
			yaml: "name: bad\ndescription: d\nclients:\n  - { id: c1, group: g1 }\n  - { id: c1, group: g1 }\nsteps:\n  - pull: { client: c1 }\n",
			want: `duplicate id "c1"`,
		},
		{
			name: "store shared across groups",
			yaml: "name: bad\ndescription: d\nclients:\n  - { id: c1, group: g1 }\n  - { id: c2, group: g2, store: c1 }\nsteps:\n  - pull: { client: c1 }\n",
			want: "is shared by groups",
		},
		{
			name: "unknown ingest op",
			yaml: head + "steps:\n  - ingest: { version: 1, changes: [ { table: t, op: upsert, row: { id: a } } ] }\n",
			want: `unknown op "upsert"`,
		},
		{
			name: "unknown receipt outcome",
			yaml: head + "steps:\n  - expect: { client: c1, receipts: { 1: lost } }\n",
			want: `unknown outcome "lost"`,
		},
		{
			name: "server lmids without group",
			yaml: head + "steps:\n  - expect: { lmids: { c1: 1 } }\n",
			want: "server lmids need a group",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarios_Sorted(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)
	for i := 1; i < len(scenarios); i++ {
		assert.Less(t, scenarios[i-1].Name, scenarios[i].Name)
	}
}
