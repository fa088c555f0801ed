package commands

import (
	"github.com/spf13/cobra"
)

func newCreateCommand() *cobra.Command {
	var flags stackInputFlags

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a stack from a template",
		Long: `Create a stack: resolve template parameters, build the resource
dependency graph and provision every resource through its provider.
The command blocks until the stack completes or fails.`,
		Example: `  # Create a stack from a template
  caldera create web -t template.yaml

  # With an environment overlay and explicit parameters
  caldera create web -t template.yaml -e prod.env.yaml -P instance_count=3

  # Keep a failed create in place for inspection
  caldera create web -t template.yaml --disable-rollback`,
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

			s, err := rt.service.CreateStack(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printStack(s)
		},
	}

	flags.register(cmd)
	return cmd
}
