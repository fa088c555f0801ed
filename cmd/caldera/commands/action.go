package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/stack"
)

func newActionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action STACK {suspend|resume|check|cancel}",
		Short: "Run a lifecycle action on a stack",
		Long: `Run a lifecycle action on a stack:

  suspend  pause the stack's resources
  resume   resume a suspended stack
  check    verify every resource is healthy
  cancel   cancel the operation currently running on the stack`,
		Example: `  caldera action web suspend
  caldera action web check`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, action := args[0], strings.ToLower(args[1])

			rt, err := openRuntime(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			switch action {
			case "cancel":
				if err := rt.service.Cancel(cmd.Context(), name); err != nil {
					return err
				}
				fmt.Printf("Cancelling operation on stack %s\n", name)
				return nil
			case "suspend", "resume", "check":
				s, err := rt.service.StackAction(cmd.Context(), name, stack.Action(strings.ToUpper(action)))
				if err != nil {
					return err
				}
				return printStack(s)
			default:
				return fmt.Errorf("unknown action %q, want suspend, resume, check or cancel", args[1])
			}
		},
	}
	return cmd
}
