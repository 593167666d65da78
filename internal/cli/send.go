package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/gradsim/internal/engine"
	"github.com/roach88/gradsim/internal/remote"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Addr string
	Wait time.Duration
}

// SendResult is everything the server answered to one send run.
type SendResult struct {
	Sent   int                   `json:"sent"`
	States []remote.StateMessage `json:"states"`
	Errors []string              `json:"errors"`
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send [commands-file]",
		Short: "Send protocol commands to a running server",
		Long: `Send newline-delimited JSON commands to a gradsim server and print
the states and errors it answers with. Commands are read from the file, or
from stdin when the file is "-" or omitted. Blank lines and lines starting
with # are skipped.

Every line is checked locally before anything is sent.

Exit codes:
  0 - Every command was accepted
  1 - The server reported at least one error
  2 - Command error (bad input, connection failed, etc.)

Example:
  gradsim send --addr 127.0.0.1:7700 session.jsonl
  echo '{"op":"createSim","data":{"nodeCount":3,"maxDistance":2}}' | gradsim send`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runSend(opts, path, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:7700", "server address (host:port or ws:// URL)")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 2*time.Second, "how long to wait for a reply before giving up")

	return cmd
}

func runSend(opts *SendOptions, path string, cmd *cobra.Command) error {
	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open commands file", err)
		}
		defer f.Close()
		in = f
	}

	cmds, err := readCommands(in)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid commands", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := remote.Dial(ctx, opts.Addr, 0)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer client.Close()

	result := SendResult{States: []remote.StateMessage{}, Errors: []string{}}
	client.OnState = func(s engine.State) {
		result.States = append(result.States, remote.NewStateMessage(s))
	}
	client.OnError = func(msg string) {
		result.Errors = append(result.Errors, msg)
	}

	steps := 0
	for _, c := range cmds {
		if err := client.Send(c); err != nil {
			return WrapExitError(ExitCommandError, "failed to send", err)
		}
		result.Sent++
		if c.Op() == remote.OpStep {
			steps++
		}
	}

	// Replies arrive in command order. When the last command is a step, its
	// state is the final reply; otherwise wait until the server goes quiet.
	lastIsStep := cmds[len(cmds)-1].Op() == remote.OpStep
	for {
		if lastIsStep && len(result.States) == steps {
			break
		}
		waitCtx, cancel := context.WithTimeout(ctx, opts.Wait)
		err := client.Await(waitCtx)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
			break
		}
		return WrapExitError(ExitCommandError, "connection failed", err)
	}
	if len(result.States) < steps && len(result.Errors) == 0 {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("received %d of %d states before timeout", len(result.States), steps))
	}

	return outputSend(newFormatter(opts.RootOptions, cmd), result)
}

// readCommands parses every non-blank, non-comment line as a protocol command.
func readCommands(r io.Reader) ([]remote.Command, error) {
	var cmds []remote.Command
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		c, err := remote.ParseCommand(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		cmds = append(cmds, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("no commands")
	}
	return cmds, nil
}

func outputSend(f *OutputFormatter, result SendResult) error {
	text := func(w io.Writer) {
		for i, s := range result.States {
			fmt.Fprintf(w, "State %d:\n", i+1)
			writeNodes(w, s)
		}
		for _, e := range result.Errors {
			fmt.Fprintf(w, "Error: %s\n", e)
		}
		fmt.Fprintf(w, "\nSent %d command(s), received %d state(s), %d error(s)\n",
			result.Sent, len(result.States), len(result.Errors))
	}

	if len(result.Errors) > 0 {
		msg := fmt.Sprintf("server reported %d error(s)", len(result.Errors))
		return f.Fail(ExitFailure, "E_REMOTE", msg, result, text)
	}
	return f.Result(result, text)
}

// writeNodes prints one line per node of a pushed state.
func writeNodes(w io.Writer, s remote.StateMessage) {
	for id, n := range s.Values {
		value := "inf"
		if n.Value != nil {
			value = formatValue(*n.Value)
		}
		fmt.Fprintf(w, "  node %-4d %-10s neighbors %s\n", id, value, formatIDs(n.Neighbors))
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
