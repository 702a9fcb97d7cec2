package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"trust-gate/internal/app"
)

var (
	simulateDuration time.Duration
	simulateStep     time.Duration
	simulatePrice    float64
	simulateSeed     uint64
)

var simulateCmd = &cobra.Command{
	Use:       "simulate <scenario>",
	Short:     "Drive the gate with a synthetic market scenario",
	Long:      "Drive the gate with a synthetic market scenario. Scenarios: " + strings.Join(app.Scenarios(), ", "),
	Args:      cobra.ExactArgs(1),
	ValidArgs: app.Scenarios(),
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 {
			return fmt.Errorf("--price must be greater than zero")
		}
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Scenario: args[0],
			Duration: simulateDuration,
			Step:     simulateStep,
			Price:    simulatePrice,
			Seed:     simulateSeed,
		})
	},
}

func init() {
	simulateCmd.Flags().DurationVar(&simulateDuration, "duration", 30*time.Second, "Event-time length of the scenario")
	simulateCmd.Flags().DurationVar(&simulateStep, "step", 100*time.Millisecond, "Interval between synthetic events")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 100, "Reference price")
	simulateCmd.Flags().Uint64Var(&simulateSeed, "seed", 1, "Random seed for price noise")
}
