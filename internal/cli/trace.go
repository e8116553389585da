package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/digest"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string   // optional - defaults to the latest run
	BaseName string   // optional - filter to one document
	Kinds    []string // optional - filter to these kinds
	AfterSeq int64
	Limit    int
	ListRuns bool
}

// TraceEvent is one journal event in the timeline.
type TraceEvent struct {
	Seq        int64             `json:"seq"`
	Kind       string            `json:"kind"`
	BaseName   string            `json:"base_name"`
	Subject    string            `json:"subject"`
	PendingKey string            `json:"pending_key,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	Hash       string            `json:"hash,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	RunID     string       `json:"run_id"`
	Label     string       `json:"label"`
	StartedAt time.Time    `json:"started_at"`
	Timeline  []TraceEvent `json:"timeline"`
	Stats     TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEvents int            `json:"total_events"`
	ByKind      map[string]int `json:"by_kind"`

	// Outstanding counts suspensions with no matching resume or abandon.
	Outstanding int `json:"outstanding"`
}

// RunSummary is one row of --runs.
type RunSummary struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	StartedAt time.Time `json:"started_at"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the scheduler journal of a run",
		Long: `Show what the scheduler did during one run, in order.

Each event names the document it concerns, the unit of work it is about
(a request, a connection, a module load or an environment) and, for
suspensions and resumptions, the pending key that ties them together.

The output includes:
- Timeline: journal events in sequence order
- Stats: counts per kind and suspensions still outstanding

Examples:
  jibbr trace --db ./jibbr.db
  jibbr trace --db ./jibbr.db --runs
  jibbr trace --db ./jibbr.db --run 0192... --base index --kind suspended --kind resumed
  jibbr trace --db ./jibbr.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "journal database (defaults to config)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run to show (defaults to the latest)")
	cmd.Flags().StringVar(&opts.BaseName, "base", "", "filter to one document")
	cmd.Flags().StringArrayVar(&opts.Kinds, "kind", nil, "filter to an event kind (repeatable)")
	cmd.Flags().Int64Var(&opts.AfterSeq, "after", 0, "only events after this seq")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events")
	cmd.Flags().BoolVar(&opts.ListRuns, "runs", false, "list runs instead of events")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	dbPath := opts.Database
	if dbPath == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		dbPath = cfg.Database
	}
	if dbPath == "" {
		return NewExitError(ExitCommandError, "no database: pass --db or set database in the config file")
	}
	if _, err := os.Stat(dbPath); err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", dbPath))
	}

	filter, err := opts.filter()
	if err != nil {
		return err
	}

	st, err := store.Open(dbPath, store.ReadOnly())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.ListRuns {
		return listRuns(ctx, opts, st, cmd)
	}

	run, err := selectRun(ctx, st, opts.RunID)
	if err != nil {
		return err
	}

	events, err := st.ReadEvents(ctx, run.ID, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	result := TraceResult{
		RunID:     run.ID,
		Label:     run.Label,
		StartedAt: run.StartedAt,
		Timeline:  buildTimeline(events),
		Stats:     buildStats(events),
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result, RunID: run.ID})
	}
	return outputTraceText(cmd.OutOrStdout(), result, opts.Verbose)
}

// filter validates the kind flags and builds the event filter.
func (o *TraceOptions) filter() (store.EventFilter, error) {
	f := store.EventFilter{BaseName: o.BaseName, AfterSeq: o.AfterSeq, Limit: o.Limit}
	for _, k := range o.Kinds {
		kind := store.Kind(k)
		if !slices.Contains(store.Kinds, kind) {
			return f, NewExitError(ExitCommandError, fmt.Sprintf("unknown kind %q: must be one of %v", k, store.Kinds))
		}
		f.Kinds = append(f.Kinds, kind)
	}
	return f, nil
}

// selectRun finds runID, or the latest run when runID is empty.
func selectRun(ctx context.Context, st *store.Store, runID string) (store.Run, error) {
	if runID == "" {
		run, err := st.LatestRun(ctx)
		if errors.Is(err, store.ErrNoRuns) {
			return run, NewExitError(ExitCommandError, "journal has no runs")
		}
		if err != nil {
			return run, WrapExitError(ExitCommandError, "failed to read runs", err)
		}
		return run, nil
	}

	runs, err := st.Runs(ctx)
	if err != nil {
		return store.Run{}, WrapExitError(ExitCommandError, "failed to read runs", err)
	}
	for _, r := range runs {
		if r.ID == runID {
			return r, nil
		}
	}
	return store.Run{}, NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", runID))
}

func listRuns(ctx context.Context, opts *TraceOptions, st *store.Store, cmd *cobra.Command) error {
	runs, err := st.Runs(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read runs", err)
	}
	summaries := make([]RunSummary, len(runs))
	for i, r := range runs {
		summaries[i] = RunSummary{ID: r.ID, Label: r.Label, StartedAt: r.StartedAt}
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: summaries})
	}

	w := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	sty := newStyles(w)
	for _, r := range summaries {
		fmt.Fprintf(w, "%s  %-8s %s\n", r.ID, r.Label, sty.dim.Render(r.StartedAt.Format(time.RFC3339)))
	}
	return nil
}

// buildTimeline converts journal rows. Each event carries its fingerprint so
// runs can be diffed event by event.
func buildTimeline(events []store.Event) []TraceEvent {
	timeline := make([]TraceEvent, len(events))
	for i, ev := range events {
		// detail is a string map, so canonical encoding cannot fail
		hash, _ := digest.EventHash(string(ev.Kind), ev.Subject, ev.PendingKey, ev.Detail)
		timeline[i] = TraceEvent{
			Seq:        ev.Seq,
			Kind:       string(ev.Kind),
			BaseName:   ev.BaseName,
			Subject:    ev.Subject,
			PendingKey: ev.PendingKey,
			Reason:     ev.Reason,
			Detail:     ev.Detail,
			Hash:       hash,
		}
	}
	return timeline
}

func buildStats(events []store.Event) TraceStats {
	stats := TraceStats{TotalEvents: len(events), ByKind: make(map[string]int)}
	open := make(map[string]bool)
	for _, ev := range events {
		stats.ByKind[string(ev.Kind)]++
		if ev.PendingKey == "" {
			continue
		}
		switch ev.Kind {
		case store.KindSuspended:
			open[ev.PendingKey] = true
		case store.KindResumed, store.KindAbandoned:
			delete(open, ev.PendingKey)
		}
	}
	stats.Outstanding = len(open)
	return stats
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) error {
	st := newStyles(w)

	fmt.Fprintf(w, "%s %s\n", st.header.Render("Trace for Run:"), result.RunID)
	fmt.Fprintf(w, "Label: %s, started %s\n", result.Label, result.StartedAt.Format(time.RFC3339))
	fmt.Fprintln(w)

	fmt.Fprintln(w, st.header.Render("=== Timeline ==="))
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, ev := range result.Timeline {
		fmt.Fprintf(w, "  [%d] %s %s\n", ev.Seq, st.kind(store.Kind(ev.Kind)), formatTimelineEvent(ev, verbose))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, st.header.Render("=== Stats ==="))
	fmt.Fprintf(w, "  Total Events: %d\n", result.Stats.TotalEvents)
	for _, kind := range store.Kinds {
		if n := result.Stats.ByKind[string(kind)]; n > 0 {
			fmt.Fprintf(w, "  %-13s %d\n", strings.ToUpper(string(kind[:1]))+string(kind[1:])+":", n)
		}
	}
	if result.Stats.Outstanding > 0 {
		fmt.Fprintf(w, "  %s %d\n", st.fail.Render("Outstanding:"), result.Stats.Outstanding)
	}
	return nil
}

// formatTimelineEvent renders everything after the kind column. Detail is
// shown only when verbose, except for state changes and responses where it
// is the point of the event.
func formatTimelineEvent(ev TraceEvent, verbose bool) string {
	parts := []string{ev.BaseName, ev.Subject}
	if ev.PendingKey != "" {
		parts = append(parts, ev.PendingKey)
	}
	if ev.Reason != "" {
		parts = append(parts, ev.Reason)
	}
	showDetail := verbose || ev.Kind == string(store.KindState) || ev.Kind == string(store.KindResponded)
	if showDetail && len(ev.Detail) > 0 {
		parts = append(parts, formatDetail(ev.Detail))
	}
	return strings.Join(parts, " ")
}

// formatDetail renders detail as canonical JSON so keys print in order.
func formatDetail(detail map[string]string) string {
	b, err := digest.MarshalCanonical(detail)
	if err != nil {
		return fmt.Sprintf("%v", detail)
	}
	return string(b)
}
