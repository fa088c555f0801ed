package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const denyAllRego = `# Denies every update while the freeze lasts.
package site.freeze

import rego.v1

deny contains "frozen" if {
	input.action == "UPDATE"
}
`

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "freeze.rego")
	if err := os.WriteFile(path, []byte(denyAllRego), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths([]string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("loaded %d policies, want 1", len(policies))
	}

	p := policies[0]
	if p.Name != "freeze" {
		t.Errorf("name = %q, want freeze", p.Name)
	}
	if p.Description != "Denies every update while the freeze lasts." {
		t.Errorf("description = %q", p.Description)
	}
	if !p.Enabled {
		t.Error("loaded policy not enabled")
	}
	if p.Source != path {
		t.Errorf("source = %q, want %q", p.Source, path)
	}
	if p.Severity != SeverityError {
		t.Errorf("severity = %s, want error", p.Severity)
	}
}

func TestLoadFromPathsSkipsMissing(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths([]string{"/nonexistent/policies"})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 0 {
		t.Errorf("loaded %d policies from missing path", len(policies))
	}
}

func TestLoadedPolicyEnforced(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "freeze.rego"), []byte(denyAllRego), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths([]string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}

	e := newTestEngine(t)
	if err := e.SetPolicies(context.Background(), policies); err != nil {
		t.Fatalf("SetPolicies: %v", err)
	}

	decision, err := e.Authorize(context.Background(), &Input{
		Action: "UPDATE",
		User:   User{Name: "alice"},
		Stack:  &StackSummary{Name: "web"},
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if decision.Allowed {
		t.Fatal("frozen update was allowed")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 1)
	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
			select {
			case reloaded <- policies:
			default:
			}
			return nil
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "freeze.rego"), []byte(denyAllRego), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case policies := <-reloaded:
		if len(policies) != 1 || policies[0].Name != "freeze" {
			t.Errorf("reload delivered %+v", policies)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after file change")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Watch returned %v, want context.Canceled", err)
	}
}
