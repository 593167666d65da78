package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/gradsim/internal/remote"
	"github.com/roach88/gradsim/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - show one run's history
	Samples  bool   // summarize timing samples instead
}

// RunSummary is one line of the run listing.
type RunSummary struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"session_id"`
	NodeCount   int     `json:"node_count"`
	MaxDistance float64 `json:"max_distance"`
	Snapshots   int     `json:"snapshots"`
}

// RunDetail is the history of a single run plus its last recorded state.
type RunDetail struct {
	Run         RunSummary           `json:"run"`
	Steps       []HistoryLine        `json:"steps"`
	ConvergedAt int64                `json:"converged_at"`
	Latest      *remote.StateMessage `json:"latest,omitempty"`
}

// HistoryLine is one snapshot comparison.
type HistoryLine struct {
	Round           int64 `json:"round"`
	Changed         []int `json:"changed"`
	Reachable       int   `json:"reachable"`
	TopologyChanged bool  `json:"topology_changed"`
}

// SampleSummary aggregates timing samples of one event id.
type SampleSummary struct {
	Event string        `json:"event"`
	Count int           `json:"count"`
	Total time.Duration `json:"total_ns"`
	Mean  time.Duration `json:"mean_ns"`
	Max   time.Duration `json:"max_ns"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show recorded runs, run histories and timing samples",
		Long: `Inspect a database written by "gradsim serve --db".

Without --run, lists every recorded run. With --run, replays the run's
snapshots and shows which nodes changed at each recorded round and when
the values stopped changing. With --samples, summarizes timing samples.

Examples:
  gradsim inspect --db ./runs.db
  gradsim inspect --db ./runs.db --run 0192c3e0-.../1
  gradsim inspect --db ./runs.db --samples --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "show the history of one run")
	cmd.Flags().BoolVar(&opts.Samples, "samples", false, "summarize timing samples")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	formatter := newFormatter(opts.RootOptions, cmd)

	switch {
	case opts.Samples:
		return inspectSamples(ctx, st, formatter)
	case opts.RunID != "":
		return inspectRun(ctx, st, opts.RunID, formatter)
	default:
		return inspectRuns(ctx, st, formatter)
	}
}

func summarize(r store.Run) RunSummary {
	return RunSummary{
		ID:          r.ID,
		SessionID:   r.SessionID,
		NodeCount:   r.NodeCount,
		MaxDistance: r.MaxDistance,
		Snapshots:   r.Snapshots,
	}
}

func inspectRuns(ctx context.Context, st *store.Store, f *OutputFormatter) error {
	runs, err := st.ListRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	summaries := make([]RunSummary, len(runs))
	for i, r := range runs {
		summaries[i] = summarize(r)
	}

	return f.Result(summaries, func(w io.Writer) {
		if len(summaries) == 0 {
			fmt.Fprintln(w, "No runs recorded.")
			return
		}
		fmt.Fprintf(w, "%-44s %6s %10s %9s\n", "RUN", "NODES", "MAX DIST", "SNAPSHOTS")
		for _, s := range summaries {
			fmt.Fprintf(w, "%-44s %6d %10g %9d\n", s.ID, s.NodeCount, s.MaxDistance, s.Snapshots)
		}
	})
}

func inspectRun(ctx context.Context, st *store.Store, runID string, f *OutputFormatter) error {
	history, err := st.ReplayRun(ctx, runID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = f.Error("E_NOT_FOUND", fmt.Sprintf("run %s not found", runID), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("run %s not found", runID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to replay run", err)
	}

	detail := RunDetail{
		Run:         summarize(history.Run),
		Steps:       make([]HistoryLine, len(history.Steps)),
		ConvergedAt: history.ConvergedAt,
	}
	detail.Run.Snapshots = len(history.Steps)
	for i, s := range history.Steps {
		detail.Steps[i] = HistoryLine(s)
	}
	if latest, err := st.ReadLatestSnapshot(ctx, runID); err == nil {
		msg := remote.NewStateMessage(latest.State)
		detail.Latest = &msg
	} else if !errors.Is(err, sql.ErrNoRows) {
		return WrapExitError(ExitCommandError, "failed to read latest snapshot", err)
	}
	f.VerboseLog("replayed %d snapshot(s) of %s", len(detail.Steps), runID)

	return f.Result(detail, func(w io.Writer) { writeRunDetail(w, detail) })
}

func writeRunDetail(w io.Writer, detail RunDetail) {
	fmt.Fprintf(w, "Run %s (session %s): %d nodes, max distance %g\n",
		detail.Run.ID, detail.Run.SessionID, detail.Run.NodeCount, detail.Run.MaxDistance)
	for _, s := range detail.Steps {
		marker := ""
		if s.TopologyChanged {
			marker = " (topology changed)"
		}
		fmt.Fprintf(w, "  round %-6d reachable %-4d changed %s%s\n", s.Round, s.Reachable, formatIDs(s.Changed), marker)
	}
	if detail.ConvergedAt >= 0 {
		fmt.Fprintf(w, "Converged at round %d\n", detail.ConvergedAt)
	} else {
		fmt.Fprintln(w, "Not converged")
	}
	if detail.Latest != nil {
		fmt.Fprintln(w, "Latest state:")
		writeNodes(w, *detail.Latest)
	}
}

func inspectSamples(ctx context.Context, st *store.Store, f *OutputFormatter) error {
	samples, err := st.ReadSamples(ctx, "")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read samples", err)
	}

	byEvent := map[string]*SampleSummary{}
	for _, s := range samples {
		sum, ok := byEvent[s.Event]
		if !ok {
			sum = &SampleSummary{Event: s.Event}
			byEvent[s.Event] = sum
		}
		sum.Count++
		sum.Total += s.Duration
		if s.Duration > sum.Max {
			sum.Max = s.Duration
		}
	}
	summaries := make([]SampleSummary, 0, len(byEvent))
	for _, sum := range byEvent {
		sum.Mean = sum.Total / time.Duration(sum.Count)
		summaries = append(summaries, *sum)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Event < summaries[j].Event })

	return f.Result(summaries, func(w io.Writer) {
		if len(summaries) == 0 {
			fmt.Fprintln(w, "No timing samples recorded.")
			return
		}
		fmt.Fprintf(w, "%-16s %8s %14s %14s\n", "EVENT", "COUNT", "MEAN", "MAX")
		for _, s := range summaries {
			fmt.Fprintf(w, "%-16s %8d %14s %14s\n", s.Event, s.Count, s.Mean, s.Max)
		}
	})
}
