package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"arbiter-escrow/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	exportKinds     []string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the fact log as CSV and/or a chart of slashed stake, payouts and system fees",
	Example: `  arbiterd export --csv out/claims.csv --kind claim --from 2026-06-01T00:00:00Z
  arbiterd export --png out/compensation.png --max-points 200`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
			Kinds:     exportKinds,
		}
		for _, k := range exportKinds {
			if k == "facts" || !app.ValidShowKind(k) {
				return fmt.Errorf("invalid --kind %q", k)
			}
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive; defaults to 30 days before --to)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the cumulative compensation chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write the fact log")
	exportCmd.Flags().StringSliceVar(&exportKinds, "kind", nil, "Restrict the CSV to these fact kinds (arbiter, transaction, claim, policy, notification)")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum chart points (defaults to config)")
}
