package cmd

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Peterbackson-desing/dashboard/pkg/tui"
)

// dashboardCmd launches the interactive TUI dashboard.
var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Launch the interactive device dashboard",
	Long: `Launch an interactive terminal dashboard showing the relayed device's
telemetry, recent history and OTA progress. Data is refreshed every 2
seconds from the otad server.

Key bindings:
  l            Toggle the LED
  e            Toggle the relay output
  a            Return the device to automatic mode
  t            Run the test sequence
  r            Force an immediate refresh
  q / Ctrl+C   Quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := tea.NewProgram(tui.New(client, resolveServer()), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
