package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/stores"
)

func newListCommand() *cobra.Command {
	var (
		status      string
		action      string
		tags        []string
		showDeleted bool
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stacks",
		Example: `  # All live stacks
  caldera list

  # Failed stacks tagged production
  caldera list --status FAILED --tag production`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			stacks, err := rt.service.ListStacks(cmd.Context(), stores.StackFilter{
				Status:      status,
				Action:      action,
				Tags:        tags,
				ShowDeleted: showDeleted,
				Limit:       limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(stacks)
			}
			fmt.Printf("%-24s %-36s %-18s %-10s %s\n", "NAME", "ID", "STATE", "TAGS", "UPDATED")
			for _, s := range stacks {
				fmt.Printf("%-24s %-36s %-18s %-10s %s\n",
					s.Name, s.ID, s.State, strings.Join(s.Tags, ","),
					s.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (IN_PROGRESS, COMPLETE, FAILED)")
	cmd.Flags().StringVar(&action, "action", "", "filter by last action (CREATE, UPDATE, DELETE, ...)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "require tag, repeatable")
	cmd.Flags().BoolVar(&showDeleted, "show-deleted", false, "include deleted stacks")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum stacks to list, 0 for all")

	return cmd
}
