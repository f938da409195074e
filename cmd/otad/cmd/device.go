package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Peterbackson-desing/dashboard/pkg/output"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Inspect and control the relayed device",
}

var deviceStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the latest telemetry and relay connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := client.RelayState(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get device state: %w", err)
		}
		// Tables cannot nest, so only the telemetry block is tabulated.
		if _, ok := formatter.(*output.TableFormatter); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s (%s)\n\n", snap.Device, snap.Connection)
			fmt.Fprint(cmd.OutOrStdout(), formatter.Format(snap.Telemetry))
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(snap))
		return nil
	},
}

var deviceCommandCmd = &cobra.Command{
	Use:   "command <led|relay|auto|test_sequence> [0|1]",
	Short: "Send an operator command to the device",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value *int
		if len(args) == 2 {
			v, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("value must be 0 or 1: %q", args[1])
			}
			value = &v
		}
		sent, err := client.SendCommand(cmd.Context(), args[0], value)
		if err != nil {
			return fmt.Errorf("command failed: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(sent))
		return nil
	},
}

func init() {
	deviceCmd.AddCommand(deviceStateCmd)
	deviceCmd.AddCommand(deviceCommandCmd)
	rootCmd.AddCommand(deviceCmd)
}
