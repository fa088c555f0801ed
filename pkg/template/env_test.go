package template

import (
	"strings"
	"testing"
)

func TestParseEnvironment(t *testing.T) {
	env, err := ParseEnvironment([]byte(`
parameters:
  flavor: large
parameter_defaults:
  zone: a
resource_registry:
  software.deployment: wasm:software.deployment@1.2.0
`))
	if err != nil {
		t.Fatalf("ParseEnvironment failed: %v", err)
	}

	if env.Parameters["flavor"] != "large" {
		t.Errorf("flavor: got %v", env.Parameters["flavor"])
	}
	if env.ParameterDefaults["zone"] != "a" {
		t.Errorf("zone: got %v", env.ParameterDefaults["zone"])
	}
	if env.ResourceRegistry["software.deployment"] != "wasm:software.deployment@1.2.0" {
		t.Errorf("registry: got %v", env.ResourceRegistry["software.deployment"])
	}
}

func TestParseEnvironmentRejectsUnknownSection(t *testing.T) {
	_, err := ParseEnvironment([]byte("parameterz: {}"))
	if err == nil || !strings.Contains(err.Error(), "unknown environment section") {
		t.Errorf("expected unknown-section error, got %v", err)
	}
}

func TestParseEnvironmentEmpty(t *testing.T) {
	env, err := ParseEnvironment(nil)
	if err != nil {
		t.Fatalf("ParseEnvironment failed: %v", err)
	}
	if len(env.Parameters) != 0 || len(env.ResourceRegistry) != 0 {
		t.Error("expected empty environment")
	}
}

func TestMergeEnvironmentsLaterWins(t *testing.T) {
	first, err := ParseEnvironment([]byte(`
parameters:
  flavor: small
  zone: a
resource_registry:
  core.custom: builtin:core.none
`))
	if err != nil {
		t.Fatalf("ParseEnvironment failed: %v", err)
	}
	second, err := ParseEnvironment([]byte(`
parameters:
  flavor: large
`))
	if err != nil {
		t.Fatalf("ParseEnvironment failed: %v", err)
	}

	merged := MergeEnvironments(first, second)
	if merged.Parameters["flavor"] != "large" {
		t.Errorf("flavor: got %v", merged.Parameters["flavor"])
	}
	if merged.Parameters["zone"] != "a" {
		t.Errorf("zone: got %v", merged.Parameters["zone"])
	}
	if merged.ResourceRegistry["core.custom"] != "builtin:core.none" {
		t.Errorf("registry: got %v", merged.ResourceRegistry["core.custom"])
	}
}

func TestRemapType(t *testing.T) {
	env := NewEnvironment()
	env.ResourceRegistry["app.server"] = "app.server.v2"
	env.ResourceRegistry["app.server.v2"] = "wasm:server@2.0.0"

	if got := env.RemapType("app.server"); got != "wasm:server@2.0.0" {
		t.Errorf("chained remap: got %q", got)
	}
	if got := env.RemapType("unmapped.type"); got != "unmapped.type" {
		t.Errorf("unmapped type: got %q", got)
	}

	// An alias cycle must not loop forever.
	env.ResourceRegistry["a"] = "b"
	env.ResourceRegistry["b"] = "a"
	_ = env.RemapType("a")
}
