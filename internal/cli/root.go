// Package cli implements the goentitle command line.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for goentitle.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "goentitle",
		Short:         "goentitle keeps paid-feature entitlements in step with the billing provider",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newGraceCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().String("env-file", "", "path to a .env file (default: .env when present)")

	return root
}

func envFile(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("env-file")
	return f
}
