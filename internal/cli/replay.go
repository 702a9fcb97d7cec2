package cli

import (
	"github.com/spf13/cobra"

	"trust-gate/internal/app"
)

var (
	replayDir     string
	replaySpeed   float64
	replayStreams []string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay historical CSV/CSV.gz market data through the gate",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReplayOptions{
			Dir:     replayDir,
			Speed:   -1,
			Streams: replayStreams,
		}
		if cmd.Flags().Changed("speed") {
			opts.Speed = replaySpeed
		}
		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayDir, "dir", "", "Directory holding trades/orderbook/liquidations/ticker files (defaults to config)")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "Playback rate; 0 replays as fast as possible, 1 in real time")
	replayCmd.Flags().StringSliceVar(&replayStreams, "streams", nil, "Stream families to replay (default: all)")
}
