package commands

import (
	"github.com/spf13/cobra"
)

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show STACK",
		Short:   "Show a stack with its resources",
		Example: `  caldera show web`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			s, err := rt.service.GetStack(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStack(s)
		},
	}
	return cmd
}
