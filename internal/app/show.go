package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"trust-gate/internal/storage"
)

// Show prints recent decision transitions, or recent runs.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show transitions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Runs {
		runs, err := store.ListRecentRuns(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeRuns(os.Stdout, runs)
	}

	transitions, err := store.ListRecentTransitions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeTransitions(os.Stdout, transitions)
}

func writeTransitions(w io.Writer, transitions []storage.Transition) error {
	if len(transitions) == 0 {
		_, err := fmt.Fprintln(w, "no transitions found")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRun\tFrom\tTo\tTrust\tHypothesis\tWorst bps\tReasons")
	for _, t := range transitions {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.At.UTC().Format(time.RFC3339Nano),
			shortID(t.RunID.String()),
			t.Previous,
			t.Decision,
			t.DataTrust,
			t.Hypothesis,
			t.WorstBPS.StringFixed(2),
			sanitizeInline(strings.Join(t.Reasons, "; ")),
		)
	}
	return writer.Flush()
}

func writeRuns(w io.Writer, runs []storage.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs found")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Run\tMode\tInstrument\tStarted (UTC)\tFinished (UTC)")
	for _, r := range runs {
		finished := "running"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s:%s\t%s\t%s\n",
			r.ID, r.Mode, r.Exchange, r.Symbol, r.StartedAt.UTC().Format(time.RFC3339), finished)
	}
	return writer.Flush()
}

// printResult writes the end-of-run summary of a replay or simulation.
func printResult(res RunResult) error {
	return writeResult(os.Stdout, res)
}

func writeResult(w io.Writer, res RunResult) error {
	s := res.Report.Summary
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Run\t%s\n", res.RunID)
	fmt.Fprintf(writer, "Output\t%s\n", res.OutputDir)
	fmt.Fprintf(writer, "Ticks\t%d\n", s.Ticks)
	fmt.Fprintf(writer, "Decision transitions\t%d\n", s.Transitions)
	fmt.Fprintf(writer, "Final decision\t%s\n", s.Final)
	if !s.Start.IsZero() {
		fmt.Fprintf(writer, "Span\t%s .. %s\n", s.Start.UTC().Format(time.RFC3339Nano), s.End.UTC().Format(time.RFC3339Nano))
	}
	for _, state := range sortedKeys(s.Decision) {
		d := s.Decision[state]
		fmt.Fprintf(writer, "  %s\t%d ticks, %s\n", state, d.Ticks, time.Duration(d.DwellMS)*time.Millisecond)
	}
	for _, stream := range sortedKeys(res.Report.Streams) {
		t := res.Report.Streams[stream]
		fmt.Fprintf(writer, "Stream %s\tseen=%d accepted=%d repaired=%d quarantined=%d forced_flushes=%d\n",
			stream, t.Sanitize.Seen, t.Sanitize.Accepted, t.Sanitize.Repaired, t.Sanitize.Quarantined, t.Flushes)
	}
	for _, key := range res.Archived {
		fmt.Fprintf(writer, "Archived\t%s\n", key)
	}
	return writer.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
