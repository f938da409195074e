package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X github.com/Peterbackson-desing/dashboard/cmd/otad/cmd.otadVersion=x.y.z"
var otadVersion = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the otad version and the server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "otad version %s\n", otadVersion)

		if offline, _ := cmd.Flags().GetBool("client"); offline {
			return nil
		}
		h, err := client.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to reach server: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "API server: %s (relay %s)\n", h.Status, h.Relay)
		return nil
	},
}

func init() {
	versionCmd.Flags().Bool("client", false, "only print the client version")
	rootCmd.AddCommand(versionCmd)
}
