package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and save the session token",
	Long: `Authenticate against the server and store the bearer token for later
commands. The password is read from --password, prompted for on a terminal,
or taken from the first line of stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			var err error
			if password, err = readPassword(cmd, "Password: "); err != nil {
				return err
			}
		}

		res, err := client.Login(cmd.Context(), args[0], password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		if printOnly, _ := cmd.Flags().GetBool("print"); printOnly {
			fmt.Fprintln(cmd.OutOrStdout(), res.Token)
			return nil
		}
		path := tokenPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(res.Token+"\n"), 0o600); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s), session valid until %s.\n",
			res.User.Username, res.User.Role, res.ExpiresAt.Local().Format(time.RFC1123))
		return nil
	},
}

func init() {
	loginCmd.Flags().String("password", "", "password (default: prompt or read stdin)")
	loginCmd.Flags().Bool("print", false, "print the token instead of saving it")
	rootCmd.AddCommand(loginCmd)
}
