package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trust-gate/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportSince     time.Duration
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored decision transitions as CSV and/or a PNG step chart",
	Example: `  trustgate export --csv out/transitions.csv --since 24h
  trustgate export --png out/gate.png --from 2026-03-01T00:00:00Z --to 2026-03-02T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportFrom != "" && exportSince > 0 {
			return errors.New("--from and --since are mutually exclusive")
		}

		to, err := parseBound("--to", exportTo)
		if err != nil {
			return err
		}
		from, err := parseBound("--from", exportFrom)
		if err != nil {
			return err
		}
		if exportSince > 0 {
			end := time.Now().UTC()
			if to != nil {
				end = *to
			}
			start := end.Add(-exportSince)
			from = &start
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		})
	},
}

// parseBound returns nil for an unset flag.
func parseBound(flag, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return &t, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive; default 7 days before --to)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive; default now)")
	exportCmd.Flags().DurationVar(&exportSince, "since", 0, "Export the window of this length ending at --to")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV rows")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum transitions to export (defaults to config)")
}
