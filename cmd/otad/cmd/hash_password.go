package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Peterbackson-desing/dashboard/pkg/auth"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print a bcrypt hash for auth.users[].password_hash",
	Long: `Hash a password for the users section of the config file. The password
is prompted for, or read from stdin, when it is not given as an argument.`,
	Args: cobra.MaximumNArgs(1),
	// Hashing needs neither a config file nor a server.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		var plain string
		if len(args) == 1 {
			plain = args[0]
		} else {
			var err error
			if plain, err = readPassword(cmd, "Password: "); err != nil {
				return err
			}
		}
		hash, err := auth.HashPassword(plain)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(hash))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
