package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"hyperliquid-sentry/internal/app"
)

var (
	replayFile      string
	replayPNGPath   string
	replayCSVPath   string
	replayLimit     int
	replayMaxPoints int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-run detection over a recorded capture file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFile == "" {
			return fmt.Errorf("--file must be provided")
		}

		opts := app.ReplayOptions{
			File:      replayFile,
			PNGPath:   replayPNGPath,
			CSVPath:   replayCSVPath,
			Limit:     replayLimit,
			MaxPoints: replayMaxPoints,
		}

		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "", "Path to a JSONL capture file")
	replayCmd.Flags().StringVar(&replayPNGPath, "png", "", "Write a chart of vault value and anomaly score to this PNG path")
	replayCmd.Flags().StringVar(&replayCSVPath, "csv", "", "Write the replayed score series to this CSV path")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "Replay at most this many records (0 = all)")
	replayCmd.Flags().IntVar(&replayMaxPoints, "max-points", 1000, "Maximum points to keep when charting")
}
