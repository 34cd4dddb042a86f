package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"arbiter-escrow/internal/app"
)

var (
	showKind  string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent facts or the projected state of arbiters, transactions and claims",
	Example: `  arbiterd show --kind claim --limit 50
  arbiterd show --kind notification`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if !app.ValidShowKind(showKind) {
			return fmt.Errorf("--kind must be one of %s, got %q", strings.Join(app.ShowKinds(), ", "), showKind)
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ShowOptions{
			Kind:  showKind,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showKind, "kind", "facts", "What to list: "+strings.Join(app.ShowKinds(), ", "))
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display, newest first")
}
