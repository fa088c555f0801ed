package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/stores"
)

func newEventsCommand() *cobra.Command {
	var (
		resource string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "events STACK",
		Short: "Show a stack's event history, newest first",
		Example: `  # All events
  caldera events web

  # Events of one resource
  caldera events web --resource database`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			events, err := rt.service.ListEvents(cmd.Context(), args[0], stores.EventFilter{
				ResourceName: resource,
				Limit:        limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(events)
			}
			for _, ev := range events {
				target := "-"
				if ev.ResourceName != nil {
					target = *ev.ResourceName
				}
				fmt.Printf("%s  %-24s %s_%s  %s\n",
					ev.Timestamp.Format(time.RFC3339), target, ev.Action, ev.Status, ev.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&resource, "resource", "", "only events of this resource")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events to show, 0 for all")

	return cmd
}
