package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"arbiter-escrow/internal/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information of the arbiter daemon",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(version.Get())
		}
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print the same document as GET /version")
}
