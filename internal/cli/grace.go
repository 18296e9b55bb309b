package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGraceCmd() *cobra.Command {
	grace := &cobra.Command{
		Use:   "grace",
		Short: "Grace period enforcement",
	}
	grace.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Reconcile every principal whose payment grace period has expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), envFile(cmd), true)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.manager.NewGraceEnforcer(a.cfg.Core.GraceSweepInterval).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "checked=%d revoked=%d stale=%d failed=%d\n",
				report.Checked, report.Revoked, report.Stale, report.Failed)
			return err
		},
	})
	return grace
}
