package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	apiclient "github.com/Peterbackson-desing/dashboard/pkg/client"
	"github.com/Peterbackson-desing/dashboard/pkg/config"
	"github.com/Peterbackson-desing/dashboard/pkg/output"
)

var (
	// Global flags
	cfgFile      string
	outputFormat string
	serverURL    string
	tokenFlag    string
	tokenFile    string

	// Shared state set during PersistentPreRun
	cfg       *config.Config
	client    apiclient.API
	formatter output.Formatter

	clientOverride apiclient.API
)

// rootCmd is the base command for otad.
var rootCmd = &cobra.Command{
	Use:   "otad",
	Short: "OTA firmware orchestration service and client",
	Long: `otad stores firmware images, pushes OTA commands to devices over MQTT
and relays device telemetry and operator commands.

Run "otad serve" to start the service; the other commands talk to a
running server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		formatter = output.NewFormatter(outputFormat)

		if clientOverride != nil {
			client = clientOverride
			return nil
		}
		client = newClient(resolveServer(), resolveToken())
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// SetClient allows tests to inject a fake client. Passing nil restores the
// HTTP client.
func SetClient(c apiclient.API) {
	clientOverride = c
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func newClient(server, token string) *apiclient.Client {
	return apiclient.New(server, apiclient.WithToken(token))
}

// resolveServer picks the server URL from the flag, OTAD_SERVER, or the
// configured listen address.
func resolveServer() string {
	if serverURL != "" {
		return serverURL
	}
	if v := os.Getenv("OTAD_SERVER"); v != "" {
		return v
	}
	return defaultBaseURL(cfg.Server.Listen)
}

// resolveToken picks the bearer token from the flag, OTAD_TOKEN, or the
// file written by "otad login".
func resolveToken() string {
	if tokenFlag != "" {
		return tokenFlag
	}
	if v := os.Getenv("OTAD_TOKEN"); v != "" {
		return v
	}
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func tokenPath() string {
	if tokenFile != "" {
		return tokenFile
	}
	return filepath.Join(filepath.Dir(config.DefaultPath()), "token")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.otad/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: table, json, yaml (default \"table\")")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "otad server URL (default derived from server.listen)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "bearer token (default $OTAD_TOKEN or the saved login)")
	rootCmd.PersistentFlags().StringVar(&tokenFile, "token-file", "", "where login saves the token (default ~/.otad/token)")
}
