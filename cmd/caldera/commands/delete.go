package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCommand() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a stack and its resources",
		Long: `Delete a stack: remove its resources in reverse dependency order,
then mark the stack deleted. Resources with a Retain deletion policy are
dropped from the stack but left in place at the provider.

The deleted record and its event history stay in the database until purged.`,
		Example: `  caldera delete web

  # Delete and remove the record and its history entirely
  caldera delete web --purge`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			// Resolve first: after the soft delete the name no longer
			// matches, so the purge needs the ID.
			st, err := rt.service.GetStack(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := rt.service.DeleteStack(cmd.Context(), st.ID); err != nil {
				return err
			}
			if purge {
				if err := rt.service.PurgeStack(cmd.Context(), st.ID); err != nil {
					return err
				}
				fmt.Printf("Stack %s deleted and purged\n", args[0])
				return nil
			}
			fmt.Printf("Stack %s deleted\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "permanently remove the stack record and its history")
	return cmd
}
