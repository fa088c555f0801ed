package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newOutputsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "outputs STACK",
		Short:   "Show a stack's resolved outputs",
		Example: `  caldera outputs web`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			outputs, err := rt.service.ListOutputs(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(outputs)
			}
			for _, o := range outputs {
				fmt.Printf("%-24s %v\n", o.Name, o.Value)
				if o.Description != "" {
					fmt.Printf("%-24s (%s)\n", "", o.Description)
				}
			}
			return nil
		},
	}
	return cmd
}
