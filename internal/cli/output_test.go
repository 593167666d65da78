package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFormatter(format string, verbose bool) (*OutputFormatter, *bytes.Buffer, *bytes.Buffer) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	return &OutputFormatter{Format: format, Writer: out, ErrWriter: errOut, Verbose: verbose}, out, errOut
}

func decodeResponse(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp), string(data))
	return resp
}

func TestResultJSON(t *testing.T) {
	f, out, _ := testFormatter("json", false)
	called := false

	require.NoError(t, f.Result(map[string]int{"rounds": 3}, func(io.Writer) { called = true }))

	assert.False(t, called, "text closure must not run for JSON")
	resp := decodeResponse(t, out.Bytes())
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, map[string]any{"rounds": float64(3)}, resp["data"])
	assert.NotContains(t, resp, "error")
	assert.Contains(t, out.String(), "\n  \"status\"", "output is indented")
}

func TestResultText(t *testing.T) {
	f, out, _ := testFormatter("text", false)

	require.NoError(t, f.Result("ignored", func(w io.Writer) { fmt.Fprint(w, "3 rounds\n") }))
	assert.Equal(t, "3 rounds\n", out.String())
}

func TestResultTextNilClosure(t *testing.T) {
	f, out, _ := testFormatter("text", false)

	require.NoError(t, f.Result("ignored", nil))
	assert.Empty(t, out.String())
}

func TestFailJSON(t *testing.T) {
	f, out, _ := testFormatter("json", false)

	err := f.Fail(ExitFailure, "E_REMOTE", "server reported 2 error(s)", []string{"a", "b"}, nil)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "server reported 2 error(s)", err.Error())

	resp := decodeResponse(t, out.Bytes())
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, []any{"a", "b"}, resp["data"])
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "E_REMOTE", errObj["code"])
	assert.Equal(t, "server reported 2 error(s)", errObj["message"])
}

func TestFailText(t *testing.T) {
	f, out, _ := testFormatter("text", false)

	err := f.Fail(ExitCommandError, "E_X", "broken", nil, func(w io.Writer) { fmt.Fprintln(w, "✗ broken") })
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "✗ broken\n", out.String())
}

func TestErrorJSON(t *testing.T) {
	f, out, _ := testFormatter("json", false)

	require.NoError(t, f.Error("E_NOT_FOUND", "run s1/9 not found", map[string]string{"run": "s1/9"}))

	resp := decodeResponse(t, out.Bytes())
	assert.Equal(t, "error", resp["status"])
	assert.NotContains(t, resp, "data")
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, "E_NOT_FOUND", errObj["code"])
	assert.Equal(t, map[string]any{"run": "s1/9"}, errObj["details"])
}

func TestErrorText(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		want    string
	}{
		{"quiet", false, "Error [E_CONFIG_LOAD]: bad yaml\n"},
		{"verbose", true, "Error [E_CONFIG_LOAD]: bad yaml\nDetails: line 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, out, _ := testFormatter("text", tt.verbose)
			require.NoError(t, f.Error("E_CONFIG_LOAD", "bad yaml", "line 3"))
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestVerboseLog(t *testing.T) {
	f, out, errOut := testFormatter("json", true)
	f.VerboseLog("replayed %d snapshot(s)", 4)
	assert.Equal(t, "replayed 4 snapshot(s)\n", errOut.String())
	assert.Empty(t, out.String())

	quiet, out, errOut := testFormatter("text", false)
	quiet.VerboseLog("hidden")
	assert.Empty(t, out.String())
	assert.Empty(t, errOut.String())

	noErr := &OutputFormatter{Format: "text", Writer: out, Verbose: true}
	noErr.VerboseLog("to stdout")
	assert.Equal(t, "to stdout\n", out.String())
}

func TestExitErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapExitError(ExitCommandError, "failed to dial", cause)

	assert.Equal(t, "failed to dial: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "just a message", NewExitError(ExitFailure, "just a message").Error())
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", NewExitError(ExitCommandError, "bad path"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("outer: %w", NewExitError(ExitFailure, "failed")), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}
