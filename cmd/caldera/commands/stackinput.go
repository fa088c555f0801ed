package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/stack"
)

// stackInputFlags are the flags shared by create, update and validate.
type stackInputFlags struct {
	templatePath    string
	envPaths        []string
	params          []string
	files           []string
	tags            []string
	timeoutMins     int
	disableRollback bool
}

func (f *stackInputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.templatePath, "template", "t", "", "template file")
	cmd.Flags().StringArrayVarP(&f.envPaths, "env", "e", nil, "environment file, repeatable, merged left to right")
	cmd.Flags().StringArrayVarP(&f.params, "param", "P", nil, "parameter value as name=value, repeatable")
	cmd.Flags().StringArrayVar(&f.files, "file", nil, "get_file content as key=path, repeatable")
	cmd.Flags().StringArrayVar(&f.tags, "tag", nil, "stack tag, repeatable")
	cmd.Flags().IntVar(&f.timeoutMins, "timeout", 0, "operation timeout in minutes, 0 uses the configured default")
	cmd.Flags().BoolVar(&f.disableRollback, "disable-rollback", false, "leave a failed operation in place")
	cmd.MarkFlagRequired("template")
}

// build reads the referenced files and assembles the engine input.
func (f *stackInputFlags) build(name string) (engine.StackInput, error) {
	in := engine.StackInput{
		Name:            name,
		Tags:            f.tags,
		Timeout:         time.Duration(f.timeoutMins) * time.Minute,
		DisableRollback: f.disableRollback,
	}

	tpl, err := os.ReadFile(f.templatePath)
	if err != nil {
		return in, fmt.Errorf("read template: %w", err)
	}
	in.Template = tpl

	for _, path := range f.envPaths {
		env, err := os.ReadFile(path)
		if err != nil {
			return in, fmt.Errorf("read environment: %w", err)
		}
		in.Environments = append(in.Environments, env)
	}

	if len(f.params) > 0 {
		in.Parameters = make(map[string]interface{}, len(f.params))
		for _, p := range f.params {
			key, value, ok := strings.Cut(p, "=")
			if !ok || key == "" {
				return in, fmt.Errorf("invalid parameter %q, want name=value", p)
			}
			in.Parameters[key] = value
		}
	}

	if len(f.files) > 0 {
		in.Files = make(map[string]string, len(f.files))
		for _, spec := range f.files {
			key, path, ok := strings.Cut(spec, "=")
			if !ok || key == "" {
				return in, fmt.Errorf("invalid file %q, want key=path", spec)
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return in, fmt.Errorf("read file %s: %w", path, err)
			}
			in.Files[key] = string(content)
		}
	}

	return in, nil
}

// printStack writes one stack, honoring --json.
func printStack(s *stack.Stack) error {
	if jsonOutput {
		return printJSON(s)
	}
	fmt.Printf("Stack:   %s (%s)\n", s.Name, s.ID)
	fmt.Printf("State:   %s\n", s.State)
	if s.StatusReason != "" {
		fmt.Printf("Reason:  %s\n", s.StatusReason)
	}
	if len(s.Tags) > 0 {
		fmt.Printf("Tags:    %s\n", strings.Join(s.Tags, ", "))
	}
	fmt.Printf("Created: %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated: %s\n", s.UpdatedAt.Format(time.RFC3339))
	if len(s.Resources) > 0 {
		fmt.Println("Resources:")
		for _, name := range sortedKeys(s.Resources) {
			r := s.Resources[name]
			fmt.Printf("  %-24s %-32s %s\n", name, r.Type, r.State)
		}
	}
	return nil
}

func sortedKeys(m map[string]*stack.Resource) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
