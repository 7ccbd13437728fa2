package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: One replica writes and syncs.
replicas:
  - id: A
flow:
  - replica: A
    put: {table: todos, row: "1", values: {title: hi}}
  - replica: A
    sync: true
assertions:
  - type: converged
`

func TestParseScenario_Valid(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Replicas, 1)
	assert.Equal(t, "A", s.Replicas[0].ID)
	require.Len(t, s.Flow, 2)
	require.NotNil(t, s.Flow[0].Put)
	assert.Equal(t, "todos", s.Flow[0].Put.Table)
	assert.Equal(t, "hi", s.Flow[0].Put.Values["title"])
	assert.True(t, s.Flow[1].Sync)
	assert.Equal(t, AssertConverged, s.Assertions[0].Type)
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: `
description: d
replicas: [{id: A}]
flow: [{replica: A, sync: true}]
assertions: [{type: converged}]
`,
			want: "name is required",
		},
		{
			name: "no replicas",
			yaml: `
name: n
description: d
flow: [{advance: 1h}]
assertions: [{type: converged}]
`,
			want: "replicas list is required",
		},
		{
			name: "reserved replica id",
			yaml: `
name: n
description: d
replicas: [{id: server}]
flow: [{advance: 1h}]
assertions: [{type: converged}]
`,
			want: `id "server" is reserved`,
		},
		{
			name: "duplicate replica id",
			yaml: `
name: n
description: d
replicas: [{id: A}, {id: A}]
flow: [{advance: 1h}]
assertions: [{type: converged}]
`,
			want: `duplicate id "A"`,
		},
		{
			name: "two operations in one step",
			yaml: `
name: n
description: d
replicas: [{id: A}]
flow: [{replica: A, sync: true, bootstrap: true}]
assertions: [{type: converged}]
`,
			want: "exactly one operation is required, got 2",
		},
		{
			name: "unknown replica",
			yaml: `
name: n
description: d
replicas: [{id: A}]
flow: [{replica: B, sync: true}]
assertions: [{type: converged}]
`,
			want: `unknown replica "B"`,
		},
		{
			name: "advance with replica",
			yaml: `
name: n
description: d
replicas: [{id: A}]
flow: [{replica: A, advance: 1h}]
assertions: [{type: converged}]
`,
			want: "advance and compact do not take a replica",
		},
		{
			name: "negative advance",
			yaml: `
name: n
description: d
replicas: [{id: A}]
flow: [{advance: -1h}]
assertions: [{type: converged}]
`,
			want: "advance must be a positive duration",
		},
		{
			name: "bad retention",
			yaml: `
name: n
description: d
replicas: [{id: A}]
flow: [{compact: {retention: forever}}]
assertions: [{type: converged}]
`,
			want: "compact retention must be a positive duration",
		},
		{
			name: "put without values",
			yaml: `
name: n
description: d
replicas: [{id: A}]
flow: [{replica: A, put: {table: todos, row: "1"}}]
assertions: [{type: converged}]
`,
			want: "put needs values",
		},
		{
			name: "expect on a write",
			yaml: `
name: n
description: d
replicas: [{id: A}]
flow: [{replica: A, delete: {table: todos, row: "1"}, expect: {error: denied}}]
assertions: [{type: converged}]
`,
			want: "expect is only valid on sync and bootstrap",
		},
		{
			name: "unknown assertion node",
			yaml: `
name: n
description: d
replicas: [{id: A}]
flow: [{replica: A, sync: true}]
assertions: [{type: row_absent, node: Z, table: todos, row: "1"}]
`,
			want: `unknown node "Z"`,
		},
		{
			name: "row without expect",
			yaml: `
name: n
description: d
replicas: [{id: A}]
flow: [{replica: A, sync: true}]
assertions: [{type: row, node: server, table: todos, row: "1"}]
`,
			want: "expect is required for row",
		},
		{
			name: "log order without actions",
			yaml: `
name: n
description: d
replicas: [{id: A}]
flow: [{replica: A, sync: true}]
assertions: [{type: log_order, node: A}]
`,
			want: "actions list is required for log_order",
		},
		{
			name: "unknown assertion type",
			yaml: `
name: n
description: d
replicas: [{id: A}]
flow: [{replica: A, sync: true}]
assertions: [{type: eventually, node: A}]
`,
			want: `unknown assertion type "eventually"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenarioWithBasePath_ResolvesSchema(t *testing.T) {
	dir := "testdata/scenarios"
	s, err := LoadScenarioWithBasePath(filepath.Join(dir, "quarantine.yaml"), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "../schema/todos.cue"), s.Schema)
}

func TestLoadScenario_SchemaNotFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	content := "schema: missing.cue\n" + minimalScenario
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadScenarioWithBasePath(path, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema not found")
}
