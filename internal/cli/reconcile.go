package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <individual|organization> <id>",
		Short: "Pull one principal's subscription from the billing provider and store the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := goentitle.ParsePrincipalKind(args[0])
			if err != nil {
				return err
			}
			ref := goentitle.PrincipalRef{Kind: kind, ID: args[1]}
			if err := ref.Validate(); err != nil {
				return err
			}

			a, err := bootstrap(cmd.Context(), envFile(cmd), true)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.manager.Reconcile(cmd.Context(), ref)
			if err != nil {
				return err
			}
			if res.Outcome == goentitle.OutcomeNotFound {
				return fmt.Errorf("%w: %s", goentitle.ErrPrincipalNotFound, ref)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
