package cli

import (
	"github.com/spf13/cobra"

	"hyperliquid-sentry/internal/app"
)

var (
	simulateKind      string
	simulateAmount    float64
	simulateAsset     string
	simulateDeviation float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic detection through the configured alert channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{
			Kind:         simulateKind,
			AmountUSD:    simulateAmount,
			Asset:        simulateAsset,
			DeviationPct: simulateDeviation,
		}

		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKind, "kind", "vault", "Detection to simulate: vault, oracle, or liquidation")
	simulateCmd.Flags().Float64Var(&simulateAmount, "amount", 0, "Loss or liquidation size in USD (0 uses a kind-specific default)")
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "BTC", "Asset symbol for oracle simulations")
	simulateCmd.Flags().Float64Var(&simulateDeviation, "deviation", 0, "Oracle deviation percent (0 uses a kind-specific default)")
}
