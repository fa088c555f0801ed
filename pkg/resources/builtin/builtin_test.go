package builtin

import (
	"context"
	"strings"
	"testing"

	"github.com/calderahq/caldera/pkg/resources"
)

func TestRegisterAll(t *testing.T) {
	reg := resources.NewRegistry()
	if err := Register(reg, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, typ := range []string{"core.none", "core.value", "core.random_string", "software.config", "software.deployment"} {
		if !reg.Has(typ) {
			t.Errorf("missing builtin type %s", typ)
		}
	}
}

func TestNoneProvider(t *testing.T) {
	p := NewNoneProvider()
	ctx := context.Background()

	if err := p.Validate(ctx, resources.ValidateRequest{Properties: map[string]interface{}{"anything": 1}}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	created, err := p.Create(ctx, resources.CreateRequest{ResourceName: "noop"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.PhysicalID == "" {
		t.Error("expected a physical ID")
	}

	if err := p.Delete(ctx, resources.DeleteRequest{PhysicalID: created.PhysicalID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestValueProvider(t *testing.T) {
	p := NewValueProvider()
	ctx := context.Background()

	props := map[string]interface{}{"value": []interface{}{"a", "b"}, "type_constraint": "list"}
	if err := p.Validate(ctx, resources.ValidateRequest{Properties: props}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	created, err := p.Create(ctx, resources.CreateRequest{Properties: props})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	list, ok := created.Attributes["value"].([]interface{})
	if !ok || len(list) != 2 {
		t.Errorf("value attribute not passed through: %v", created.Attributes["value"])
	}

	attr, err := p.ResolveAttribute(ctx, resources.AttributeRequest{Attribute: "value", Properties: props})
	if err != nil {
		t.Fatalf("resolve attribute: %v", err)
	}
	if _, ok := attr.([]interface{}); !ok {
		t.Errorf("unexpected attribute value: %v", attr)
	}
}

func TestValueProviderTypeConstraint(t *testing.T) {
	p := NewValueProvider()
	ctx := context.Background()

	err := p.Validate(ctx, resources.ValidateRequest{
		Properties: map[string]interface{}{"value": "text", "type_constraint": "number"},
	})
	if err == nil || !strings.Contains(err.Error(), "type_constraint") {
		t.Fatalf("expected type constraint error, got %v", err)
	}
}

func TestRandomStringProvider(t *testing.T) {
	p := NewRandomStringProvider()
	ctx := context.Background()

	created, err := p.Create(ctx, resources.CreateRequest{
		Properties: map[string]interface{}{"length": 16, "character_classes": []interface{}{"digits"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	value, _ := created.Attributes["value"].(string)
	if len(value) != 16 {
		t.Fatalf("got length %d, want 16", len(value))
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			t.Fatalf("non-digit character %q in %s", c, value)
		}
	}
}

func TestRandomStringDefaults(t *testing.T) {
	p := NewRandomStringProvider()
	created, err := p.Create(context.Background(), resources.CreateRequest{Properties: map[string]interface{}{}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	value, _ := created.Attributes["value"].(string)
	if len(value) != 32 {
		t.Errorf("default length: got %d, want 32", len(value))
	}
}

func TestRandomStringValidation(t *testing.T) {
	p := NewRandomStringProvider()
	ctx := context.Background()

	tests := []struct {
		name  string
		props map[string]interface{}
	}{
		{"zero length", map[string]interface{}{"length": 0}},
		{"length too large", map[string]interface{}{"length": 1000}},
		{"unknown class", map[string]interface{}{"character_classes": []interface{}{"emoji"}}},
		{"empty classes", map[string]interface{}{"character_classes": []interface{}{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.Validate(ctx, resources.ValidateRequest{Properties: tt.props}); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRandomStringUpdateUnchanged(t *testing.T) {
	p := NewRandomStringProvider()
	props := map[string]interface{}{"length": 8}

	updated, err := p.Update(context.Background(), resources.UpdateRequest{
		PhysicalID:    "phys-1",
		OldProperties: props,
		Properties:    props,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Attributes != nil {
		t.Error("unchanged properties should not regenerate the value")
	}
	if updated.PhysicalID != "phys-1" {
		t.Errorf("physical ID changed: %s", updated.PhysicalID)
	}
}

func TestSoftwareConfigProvider(t *testing.T) {
	p := NewSoftwareConfigProvider()
	ctx := context.Background()

	props := map[string]interface{}{
		"config": "#!/bin/sh\necho hello",
		"inputs": []interface{}{
			map[string]interface{}{"name": "greeting", "default": "hi"},
		},
		"outputs": []interface{}{
			map[string]interface{}{"name": "result"},
		},
	}
	if err := p.Validate(ctx, resources.ValidateRequest{Properties: props}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	created, err := p.Create(ctx, resources.CreateRequest{Properties: props})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Attributes["group"] != "script" {
		t.Errorf("default group: %v", created.Attributes["group"])
	}
	if created.Attributes["config"] != props["config"] {
		t.Error("config attribute not passed through")
	}

	if _, err := p.Update(ctx, resources.UpdateRequest{ResourceName: "cfg"}); err == nil {
		t.Error("software.config update should fail; it is replace-only")
	}
}

func TestSoftwareConfigValidation(t *testing.T) {
	p := NewSoftwareConfigProvider()
	ctx := context.Background()

	tests := []struct {
		name    string
		props   map[string]interface{}
		wantErr string
	}{
		{
			name:    "missing config",
			props:   map[string]interface{}{},
			wantErr: "required",
		},
		{
			name: "duplicate input",
			props: map[string]interface{}{
				"config": "x",
				"inputs": []interface{}{
					map[string]interface{}{"name": "a"},
					map[string]interface{}{"name": "a"},
				},
			},
			wantErr: "declared twice",
		},
		{
			name: "output with default",
			props: map[string]interface{}{
				"config": "x",
				"outputs": []interface{}{
					map[string]interface{}{"name": "a", "default": 1},
				},
			},
			wantErr: "cannot declare defaults",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(ctx, resources.ValidateRequest{Properties: tt.props})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

type fakeDeployer struct {
	lastReq DeployRequest
	result  *DeployResult
	err     error
}

func (f *fakeDeployer) Deploy(_ context.Context, req DeployRequest) (*DeployResult, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestDeploymentProviderCreate(t *testing.T) {
	deployer := &fakeDeployer{
		result: &DeployResult{
			Stdout:     "done",
			StatusCode: 0,
			Outputs:    map[string]interface{}{"result": "ok"},
		},
	}
	p := NewDeploymentProvider(deployer)
	ctx := context.Background()

	props := map[string]interface{}{
		"config":       "#!/bin/sh\necho done",
		"server":       map[string]interface{}{"host": "10.0.0.5", "user": "root"},
		"input_values": map[string]interface{}{"greeting": "hi"},
		"outputs":      []interface{}{"result"},
	}
	if err := p.Validate(ctx, resources.ValidateRequest{Properties: props}); err != nil {
		t.Fatalf("validate: %v", err)
	}

	created, err := p.Create(ctx, resources.CreateRequest{Properties: props})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Attributes["deploy_stdout"] != "done" {
		t.Errorf("deploy_stdout = %v", created.Attributes["deploy_stdout"])
	}
	if created.Attributes["deploy_status_code"] != 0 {
		t.Errorf("deploy_status_code = %v", created.Attributes["deploy_status_code"])
	}
	if deployer.lastReq.Action != "CREATE" {
		t.Errorf("deploy action = %s", deployer.lastReq.Action)
	}
	if deployer.lastReq.Inputs["greeting"] != "hi" {
		t.Error("input values not forwarded")
	}
}

func TestDeploymentProviderNonZeroExit(t *testing.T) {
	p := NewDeploymentProvider(&fakeDeployer{
		result: &DeployResult{StatusCode: 2, Stderr: "boom"},
	})
	_, err := p.Create(context.Background(), resources.CreateRequest{
		Properties: map[string]interface{}{
			"config": "x",
			"server": map[string]interface{}{"host": "h"},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "status 2") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestDeploymentProviderDeleteSkipsByDefault(t *testing.T) {
	deployer := &fakeDeployer{result: &DeployResult{}}
	p := NewDeploymentProvider(deployer)

	err := p.Delete(context.Background(), resources.DeleteRequest{
		Properties: map[string]interface{}{
			"config": "x",
			"server": map[string]interface{}{"host": "h"},
		},
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deployer.lastReq.Action != "" {
		t.Error("delete should not run the script unless actions includes DELETE")
	}
}

func TestDeploymentProviderDeleteHook(t *testing.T) {
	deployer := &fakeDeployer{result: &DeployResult{}}
	p := NewDeploymentProvider(deployer)

	err := p.Delete(context.Background(), resources.DeleteRequest{
		Properties: map[string]interface{}{
			"config":  "x",
			"server":  map[string]interface{}{"host": "h"},
			"actions": []interface{}{"CREATE", "DELETE"},
		},
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deployer.lastReq.Action != "DELETE" {
		t.Errorf("deploy action = %q, want DELETE", deployer.lastReq.Action)
	}
}

func TestDeploymentProviderNoDeployer(t *testing.T) {
	p := NewDeploymentProvider(nil)
	_, err := p.Create(context.Background(), resources.CreateRequest{
		Properties: map[string]interface{}{
			"config": "x",
			"server": map[string]interface{}{"host": "h"},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "no deployer") {
		t.Fatalf("expected deployer error, got %v", err)
	}
}
