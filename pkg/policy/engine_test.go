package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestEngineLoadsBuiltins(t *testing.T) {
	e := newTestEngine(t)

	names := make(map[string]bool)
	for _, p := range e.Policies() {
		names[p.Name] = true
	}
	for _, want := range []string{"protected_stacks", "resource_limit", "anonymous_writes"} {
		if !names[want] {
			t.Errorf("builtin policy %s not loaded", want)
		}
	}
}

func TestAuthorizeProtectedStack(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	input := &Input{
		Action: "DELETE",
		User:   User{Name: "alice", Roles: []string{"operator"}},
		Stack: &StackSummary{
			Name: "prod-db",
			Tags: []string{"protected"},
		},
	}

	decision, err := e.Authorize(ctx, input)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if decision.Allowed {
		t.Fatal("delete of protected stack without admin role was allowed")
	}
	found := false
	for _, v := range decision.Violations {
		if v.Policy == "protected_stacks" {
			found = true
			if v.Severity != SeverityError {
				t.Errorf("severity = %s, want error", v.Severity)
			}
			if !strings.Contains(v.Message, "prod-db") {
				t.Errorf("message %q does not name the stack", v.Message)
			}
		}
	}
	if !found {
		t.Error("no protected_stacks violation in decision")
	}

	input.User.Roles = []string{"admin"}
	decision, err = e.Authorize(ctx, input)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("admin delete denied: %+v", decision.Violations)
	}
}

func TestAuthorizeResourceLimit(t *testing.T) {
	e := newTestEngine(t)

	input := &Input{
		Action:   "CREATE",
		User:     User{Name: "alice"},
		Template: &TemplateSummary{ResourceCount: 501},
	}
	decision, err := e.Authorize(context.Background(), input)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if decision.Allowed {
		t.Fatal("oversized template was allowed")
	}

	input.Template.ResourceCount = 500
	decision, err = e.Authorize(context.Background(), input)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("template at the limit denied: %+v", decision.Violations)
	}
}

func TestAuthorizeWarningDoesNotBlock(t *testing.T) {
	e := newTestEngine(t)

	input := &Input{
		Action: "CREATE",
		User:   User{},
	}
	decision, err := e.Authorize(context.Background(), input)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("anonymous create blocked: %+v", decision.Violations)
	}
	found := false
	for _, v := range decision.Violations {
		if v.Policy == "anonymous_writes" && v.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Error("no anonymous_writes warning in decision")
	}
}

func TestSetPoliciesShadowsBuiltin(t *testing.T) {
	e := newTestEngine(t)

	// Replace resource_limit with a permissive version.
	relaxed := Policy{
		Name:     "resource_limit",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package caldera.resource_limit

import rego.v1

deny contains msg if {
	input.template.resource_count > 10000
	msg := "too many resources"
}
`,
	}
	if err := e.SetPolicies(context.Background(), []Policy{relaxed}); err != nil {
		t.Fatalf("SetPolicies: %v", err)
	}

	input := &Input{
		Action:   "CREATE",
		User:     User{Name: "alice"},
		Template: &TemplateSummary{ResourceCount: 501},
	}
	decision, err := e.Authorize(context.Background(), input)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("relaxed limit still denied: %+v", decision.Violations)
	}
}

func TestStringViolationUsesPolicySeverity(t *testing.T) {
	e := newTestEngine(t)

	custom := Policy{
		Name:     "no_friday_deploys",
		Severity: SeverityCritical,
		Enabled:  true,
		Rego: `package site.no_friday_deploys

import rego.v1

deny contains "change freeze in effect" if {
	input.action == "UPDATE"
}
`,
	}
	if err := e.SetPolicies(context.Background(), []Policy{custom}); err != nil {
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
	found := false
	for _, v := range decision.Violations {
		if v.Policy == "no_friday_deploys" {
			found = true
			if v.Severity != SeverityCritical {
				t.Errorf("severity = %s, want critical", v.Severity)
			}
			if v.Message != "change freeze in effect" {
				t.Errorf("message = %q", v.Message)
			}
		}
	}
	if !found {
		t.Error("custom policy violation missing")
	}
}

func TestSetPoliciesRejectsBadRego(t *testing.T) {
	e := newTestEngine(t)

	bad := Policy{
		Name:    "broken",
		Enabled: true,
		Rego:    "package broken\n\ndeny[msg] { msg := }\n",
	}
	if err := e.SetPolicies(context.Background(), []Policy{bad}); err == nil {
		t.Fatal("broken policy compiled")
	}

	// The previous policy set survives a failed load.
	if len(e.Policies()) != len(BuiltinPolicies()) {
		t.Errorf("policy count = %d after failed load", len(e.Policies()))
	}
}

func TestDisabledPolicySkipped(t *testing.T) {
	e := newTestEngine(t)

	off := Policy{
		Name:     "resource_limit",
		Severity: SeverityError,
		Enabled:  false,
		Rego:     BuiltinPolicies()[1].Rego,
	}
	if err := e.SetPolicies(context.Background(), []Policy{off}); err != nil {
		t.Fatalf("SetPolicies: %v", err)
	}

	decision, err := e.Authorize(context.Background(), &Input{
		Action:   "CREATE",
		User:     User{Name: "alice"},
		Template: &TemplateSummary{ResourceCount: 501},
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("disabled policy still denied: %+v", decision.Violations)
	}
}
