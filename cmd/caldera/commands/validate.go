package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var flags stackInputFlags

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a template without creating a stack",
		Long: `Validate a template: parse it, apply environment overlays and check
that every declared resource type has a registered provider. Nothing is
provisioned.`,
		Example: `  caldera validate -t template.yaml
  caldera validate -t template.yaml -e prod.env.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := flags.build("")
			if err != nil {
				return err
			}

			rt, err := openRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			result, err := rt.service.ValidateTemplate(cmd.Context(), in)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}
			if result.Description != "" {
				fmt.Printf("Description: %s\n", result.Description)
			}
			if len(result.Parameters) > 0 {
				names := make([]string, 0, len(result.Parameters))
				for name := range result.Parameters {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Println("Parameters:")
				for _, name := range names {
					fmt.Printf("  %-24s %s\n", name, result.Parameters[name].Type)
				}
			}
			if len(result.Resources) > 0 {
				names := make([]string, 0, len(result.Resources))
				for name := range result.Resources {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Println("Resources:")
				for _, name := range names {
					fmt.Printf("  %-24s %s\n", name, result.Resources[name])
				}
			}
			if len(result.Outputs) > 0 {
				fmt.Println("Outputs:")
				for _, name := range result.Outputs {
					fmt.Printf("  %s\n", name)
				}
			}
			fmt.Println("Template is valid")
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
