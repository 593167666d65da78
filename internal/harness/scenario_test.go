package harness

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "line.yaml")
	content := `
name: line
description: "Two nodes"
session_id: fixed
steps:
  - op: createSim
    data: { nodeCount: 2, maxDistance: 1.5 }
  - op: step
    expect:
      values: [inf, .inf]
assertions:
  - type: push_count
    count: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "line", s.Name)
	assert.Equal(t, "fixed", s.SessionID)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, "createSim", s.Steps[0].Op)
	assert.Equal(t, 2, s.Steps[0].Data["nodeCount"])
	assert.Equal(t, 1.5, s.Steps[0].Data["maxDistance"])

	require.NotNil(t, s.Steps[1].Expect)
	require.Len(t, s.Steps[1].Expect.Values, 2)
	for _, v := range s.Steps[1].Expect.Values {
		assert.True(t, math.IsInf(float64(v), 1))
	}
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, AssertPushCount, s.Assertions[0].Type)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: "d"
step:
  - op: step
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_BadValue(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: bad
description: "d"
steps:
  - op: step
    expect:
      values: [far]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `value must be a number or inf, got "far"`)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nsteps:\n  - op: step\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nsteps:\n  - op: step\n",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			yaml:    "name: n\ndescription: d\n",
			wantErr: "steps list is required",
		},
		{
			name:    "empty step",
			yaml:    "name: n\ndescription: d\nsteps:\n  - expect: { silent: true }\n",
			wantErr: "steps[0]: op or raw is required",
		},
		{
			name:    "raw with op",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: step\n    raw: x\n",
			wantErr: "raw cannot be combined",
		},
		{
			name:    "unknown op",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: warp\n",
			wantErr: `unknown op "warp"`,
		},
		{
			name:    "silent with values",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: step\n    expect: { silent: true, values: [1] }\n",
			wantErr: "silent cannot be combined",
		},
		{
			name:    "error with values",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: step\n    expect: { error: X, values: [1] }\n",
			wantErr: "error cannot be combined",
		},
		{
			name:    "negative step limit",
			yaml:    "name: n\ndescription: d\nsession: { max_step_count: -1 }\nsteps:\n  - op: step\n",
			wantErr: "max_step_count must be non-negative",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: step\nassertions:\n  - type: vibes\n",
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name:    "final_values without values",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: step\nassertions:\n  - type: final_values\n",
			wantErr: "values is required for final_values",
		},
		{
			name:    "error_contains without text",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: step\nassertions:\n  - type: error_contains\n",
			wantErr: "text is required for error_contains",
		},
		{
			name:    "negative count",
			yaml:    "name: n\ndescription: d\nsteps:\n  - op: step\nassertions:\n  - type: push_count\n    count: -2\n",
			wantErr: "count must be non-negative for push_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
