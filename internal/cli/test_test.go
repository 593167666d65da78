package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	harnessScenarios = filepath.Join("..", "harness", "testdata", "scenarios")
	harnessGoldens   = filepath.Join("..", "harness", "testdata", "golden")
)

const passingScenario = `name: two_nodes
description: "Two nodes in range"
steps:
  - op: createSim
    data: { nodeCount: 2, maxDistance: 1 }
  - op: setSource
    data: { nodeId: 1 }
  - op: step
    data: { stepCount: 2 }
    expect:
      values: [0, 0]
assertions:
  - type: push_count
    count: 1
`

const failingScenario = `name: wrong_expectation
description: "Expects a value the engine does not produce"
steps:
  - op: createSim
    data: { nodeCount: 1, maxDistance: 1 }
  - op: step
    expect:
      values: [0]
`

func executeTest(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := executeTest(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenarios directory not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	output, err := executeTest(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, output, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	output, err := executeTest(t, "json", t.TempDir())
	require.NoError(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(output), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestTestCommandHarnessScenarios(t *testing.T) {
	output, err := executeTest(t, "text", harnessScenarios, "--golden-dir", harnessGoldens)
	require.NoError(t, err, output)

	assert.Contains(t, output, "✓ three_node_line")
	assert.Contains(t, output, "✓ mobility_rewires")
	assert.Contains(t, output, "✓ protocol_errors")
	assert.Contains(t, output, "3 passed, 0 failed, 3 total")
}

func TestTestCommandHarnessScenariosJSON(t *testing.T) {
	output, err := executeTest(t, "json", harnessScenarios, "--golden-dir", harnessGoldens)
	require.NoError(t, err, output)

	var response struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &response))
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, 3, response.Data.Total)
	assert.Equal(t, 3, response.Data.Passed)
}

func TestTestCommandFilter(t *testing.T) {
	output, err := executeTest(t, "text", harnessScenarios, "--golden-dir", harnessGoldens, "--filter", "three_*")
	require.NoError(t, err)
	assert.Contains(t, output, "1 passed, 0 failed, 1 total")
	assert.NotContains(t, output, "mobility_rewires")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(failingScenario), 0644))

	output, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "✗ wrong_expectation")
	assert.Contains(t, output, "node 0: expected 0, got inf")
}

func TestTestCommandUnloadableScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: x\n"), 0644))

	output, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, output, "✗ broken.yaml")
	assert.Contains(t, output, "failed to load scenario")
}

func TestTestCommandUpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.yaml"), []byte(passingScenario), 0644))

	output, err := executeTest(t, "text", dir, "--update")
	require.NoError(t, err, output)
	assert.Contains(t, output, "(golden updated)")

	goldenPath := filepath.Join(dir, "golden", "two_nodes.golden")
	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name":"two_nodes"`)

	_, err = executeTest(t, "text", dir)
	require.NoError(t, err)

	// A golden that no longer matches fails the run.
	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"scenario_name":"two_nodes","trace":[]}`), 0644))
	output, err = executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, output, "trace does not match golden file")
}

func TestTestHelpText(t *testing.T) {
	output, err := executeTest(t, "text", "--help")
	require.NoError(t, err)

	assert.Contains(t, output, "scenarios-dir")
	assert.Contains(t, output, "--update")
	assert.Contains(t, output, "--filter")
	assert.Contains(t, output, "--golden-dir")
}

func TestFindScenarioFiles(t *testing.T) {
	tmpDir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml", "c.txt", "nested/d.yaml"} {
		path := filepath.Join(tmpDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("name: x"), 0644))
	}

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	files, err = findScenarioFiles(tmpDir, "a*")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.yaml", filepath.Base(files[0]))

	_, err = findScenarioFiles(tmpDir, "[")
	require.Error(t, err)
}
