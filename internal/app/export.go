package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"trust-gate/internal/decision"
	"trust-gate/internal/storage"
)

const defaultExportWindow = 7 * 24 * time.Hour

// Export renders stored decision transitions as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	transitions, err := store.ListTransitionsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(transitions) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no transitions found for export window")
		return nil
	}

	downsampled := downsampleTransitions(transitions, opts.MaxPoints)
	a.Logger.Info().Int("total", len(transitions)).Int("exported", len(downsampled)).Msg("exporting transitions")

	if opts.CSVPath != "" {
		if err := writeTransitionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeTransitionsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func downsampleTransitions(rows []storage.Transition, max int) []storage.Transition {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]storage.Transition, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeTransitionsCSV(path string, rows []storage.Transition) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"eval_ts", "run_id", "seq", "previous", "decision", "data_trust", "hypothesis", "worst_bps", "trigger", "reasons"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, t := range rows {
		record := []string{
			t.At.UTC().Format(time.RFC3339Nano),
			t.RunID.String(),
			strconv.FormatInt(t.Seq, 10),
			t.Previous,
			t.Decision,
			t.DataTrust,
			t.Hypothesis,
			t.WorstBPS.String(),
			t.Trigger,
			strings.Join(t.Reasons, "; "),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

// decisionLevel maps a decision onto the chart's y axis: 0 allowed, 2 halted.
func decisionLevel(name string) float64 {
	s, err := decision.ParseState(name)
	if err != nil {
		return math.NaN()
	}
	return float64(s)
}

func writeTransitionsPNG(path string, rows []storage.Transition) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	// Each transition contributes two points so the decision line steps.
	x := make([]time.Time, 0, 2*len(rows))
	level := make([]float64, 0, 2*len(rows))
	bx := make([]time.Time, 0, len(rows))
	worst := make([]float64, 0, len(rows))
	for _, t := range rows {
		x = append(x, t.At, t.At)
		level = append(level, decisionLevel(t.Previous), decisionLevel(t.Decision))
		bx = append(bx, t.At)
		worst = append(worst, t.WorstBPS.InexactFloat64())
	}

	levelFormatter := func(v interface{}) string {
		if f, ok := v.(float64); ok {
			switch math.Round(f) {
			case float64(decision.Allowed):
				return decision.Allowed.String()
			case float64(decision.Restricted):
				return decision.Restricted.String()
			case float64(decision.Halted):
				return decision.Halted.String()
			}
		}
		return ""
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Decision",
			ValueFormatter: levelFormatter,
			Range:          &chart.ContinuousRange{Min: -0.25, Max: 2.25},
			Ticks: []chart.Tick{
				{Value: float64(decision.Allowed), Label: decision.Allowed.String()},
				{Value: float64(decision.Restricted), Label: decision.Restricted.String()},
				{Value: float64(decision.Halted), Label: decision.Halted.String()},
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Worst divergence (bps)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.1f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Decision",
				XValues: x,
				YValues: level,
			},
			chart.TimeSeries{
				Name:    "Worst bps",
				XValues: bx,
				YValues: worst,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
