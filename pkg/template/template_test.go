package template

import (
	"strings"
	"testing"
)

const validTemplate = `
caldera_template_version: "2026-08-24"
description: two-tier test stack
parameters:
  flavor:
    type: string
    default: small
    constraints:
      - allowed_values: [small, large]
resources:
  backing:
    type: core.value
    properties:
      value: {get_param: flavor}
  frontend:
    type: core.value
    properties:
      value: {get_attr: [backing, value]}
    depends_on: backing
outputs:
  frontend_value:
    description: value passed through the frontend
    value: {get_attr: [frontend, value]}
`

func TestParseValidTemplate(t *testing.T) {
	tpl, err := Parse([]byte(validTemplate))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if tpl.Version != Version {
		t.Errorf("expected version %q, got %q", Version, tpl.Version)
	}
	if tpl.Description != "two-tier test stack" {
		t.Errorf("unexpected description: %q", tpl.Description)
	}
	if len(tpl.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(tpl.Resources))
	}
	if tpl.Resources["backing"].Type != "core.value" {
		t.Errorf("unexpected resource type: %q", tpl.Resources["backing"].Type)
	}
	if len(tpl.Outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(tpl.Outputs))
	}

	if err := tpl.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "empty document",
			doc:     "",
			wantErr: "template is empty",
		},
		{
			name:    "missing version",
			doc:     "description: no version here",
			wantErr: "missing required section",
		},
		{
			name:    "unsupported version",
			doc:     `caldera_template_version: "2020-01-01"`,
			wantErr: "unsupported template version",
		},
		{
			name: "unknown section",
			doc: `
caldera_template_version: "2026-08-24"
resourcez: {}
`,
			wantErr: "unknown template section",
		},
		{
			name: "resource without type",
			doc: `
caldera_template_version: "2026-08-24"
resources:
  broken:
    properties: {}
`,
			wantErr: "missing or invalid type",
		},
		{
			name: "invalid deletion policy",
			doc: `
caldera_template_version: "2026-08-24"
resources:
  broken:
    type: core.none
    deletion_policy: keep_forever
`,
			wantErr: "invalid deletion_policy",
		},
		{
			name: "output without value",
			doc: `
caldera_template_version: "2026-08-24"
outputs:
  broken:
    description: missing value
`,
			wantErr: "missing value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestValidateRejectsDanglingReferences(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "unknown depends_on target",
			doc: `
caldera_template_version: "2026-08-24"
resources:
  web:
    type: core.none
    depends_on: missing
`,
			wantErr: "unknown resource",
		},
		{
			name: "self dependency",
			doc: `
caldera_template_version: "2026-08-24"
resources:
  web:
    type: core.none
    depends_on: web
`,
			wantErr: "depends on itself",
		},
		{
			name: "unknown parameter reference",
			doc: `
caldera_template_version: "2026-08-24"
resources:
  web:
    type: core.value
    properties:
      value: {get_param: missing}
`,
			wantErr: "unknown parameter",
		},
		{
			name: "unknown resource in get_attr",
			doc: `
caldera_template_version: "2026-08-24"
outputs:
  out:
    value: {get_attr: [missing, id]}
`,
			wantErr: "unknown resource",
		},
		{
			name: "unknown condition on resource",
			doc: `
caldera_template_version: "2026-08-24"
resources:
  web:
    type: core.none
    condition: is_prod
`,
			wantErr: "unknown condition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := Parse([]byte(tt.doc))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			err = tpl.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestDependenciesMergeExplicitAndImplicit(t *testing.T) {
	doc := `
caldera_template_version: "2026-08-24"
resources:
  net:
    type: core.none
  db:
    type: core.none
  app:
    type: core.value
    properties:
      value:
        network: {get_resource: net}
    depends_on: db
`
	tpl, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	deps := tpl.Dependencies(tpl.Resources["app"])
	if len(deps) != 2 || deps[0] != "db" || deps[1] != "net" {
		t.Errorf("expected [db net], got %v", deps)
	}
	if got := tpl.Dependencies(tpl.Resources["net"]); len(got) != 0 {
		t.Errorf("expected no dependencies for net, got %v", got)
	}
}

func TestDependsOnListForm(t *testing.T) {
	doc := `
caldera_template_version: "2026-08-24"
resources:
  a:
    type: core.none
  b:
    type: core.none
  c:
    type: core.none
    depends_on: [a, b]
`
	tpl, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if deps := tpl.Dependencies(tpl.Resources["c"]); len(deps) != 2 {
		t.Errorf("expected 2 dependencies, got %v", deps)
	}
}

func TestResourceNamesSorted(t *testing.T) {
	doc := `
caldera_template_version: "2026-08-24"
resources:
  zebra: {type: core.none}
  alpha: {type: core.none}
`
	tpl, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	names := tpl.ResourceNames()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zebra" {
		t.Errorf("expected sorted names, got %v", names)
	}
}
