package commands

import (
	"github.com/spf13/cobra"
)

func newUpdateCommand() *cobra.Command {
	var flags stackInputFlags

	cmd := &cobra.Command{
		Use:   "update NAME",
		Short: "Update a stack with a new template",
		Long: `Update a stack in place: diff the new template against the stack's
resources, then create, update, replace or delete resources to converge.
A failed update rolls the stack back to its previous template unless
rollback is disabled.`,
		Example: `  # Apply a changed template
  caldera update web -t template.yaml

  # Change a parameter only
  caldera update web -t template.yaml -P instance_count=5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := flags.build(args[0])
			if err != nil {
				return err
			}

			rt, err := openRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			s, err := rt.service.UpdateStack(cmd.Context(), args[0], in)
			if err != nil {
				return err
			}
			return printStack(s)
		},
	}

	flags.register(cmd)
	return cmd
}
