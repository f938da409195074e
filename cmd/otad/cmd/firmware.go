package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var firmwareCmd = &cobra.Command{
	Use:   "firmware",
	Short: "Manage firmware images and OTA updates",
	Long:  "Upload and list firmware images, and tell a device to install one.",
}

var firmwareListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded firmware images",
	RunE: func(cmd *cobra.Command, args []string) error {
		fws, err := client.ListFirmware(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list firmware: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(fws))
		return nil
	},
}

var firmwareUploadCmd = &cobra.Command{
	Use:   "upload <file.bin>",
	Short: "Upload a firmware image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		art, err := client.Upload(cmd.Context(), filepath.Base(args[0]), f)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(art))
		return nil
	},
}

var firmwareTriggerCmd = &cobra.Command{
	Use:   "trigger <device> <firmware>",
	Short: "Send an OTA command to a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := client.Trigger(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("OTA trigger failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OTA command sent to %q, firmware URL %s\n", res.Device, res.FirmwareURL)
		return nil
	},
}

var firmwareLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent OTA progress lines reported by the device",
	RunE: func(cmd *cobra.Command, args []string) error {
		logs, err := client.OtaLogs(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to fetch OTA logs: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(logs))
		return nil
	},
}

func init() {
	firmwareCmd.AddCommand(firmwareListCmd)
	firmwareCmd.AddCommand(firmwareUploadCmd)
	firmwareCmd.AddCommand(firmwareTriggerCmd)
	firmwareCmd.AddCommand(firmwareLogsCmd)
	rootCmd.AddCommand(firmwareCmd)
}
