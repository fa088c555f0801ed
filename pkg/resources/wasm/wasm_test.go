package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calderahq/caldera/pkg/resources"
)

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `
name: demo
version: 1.0.0
author: tester
entrypoint: demo.wasm
checksum: abc123
resource_types:
  demo.widget:
    description: A demo widget.
    properties:
      size:
        type: number
        required: true
    attributes:
      - id
`)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Name != "demo" || m.Version != "1.0.0" {
		t.Errorf("identity: %s@%s", m.Name, m.Version)
	}
	if m.WasmPath() != filepath.Join(dir, "demo.wasm") {
		t.Errorf("wasm path: %s", m.WasmPath())
	}

	schema, err := m.Schema("demo.widget")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if !schema.Properties["size"].Required {
		t.Error("size should be required")
	}
	if schema.Type != "demo.widget" {
		t.Errorf("schema type: %s", schema.Type)
	}

	if _, err := m.Schema("demo.missing"); err == nil {
		t.Error("expected error for unknown resource type")
	}
}

func TestLoadManifestValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing name",
			body:    "version: 1.0.0\nentrypoint: x.wasm\nchecksum: a\nresource_types:\n  t: {}\n",
			wantErr: "name is required",
		},
		{
			name:    "missing checksum",
			body:    "name: p\nversion: 1.0.0\nentrypoint: x.wasm\nresource_types:\n  t: {}\n",
			wantErr: "checksum is required",
		},
		{
			name:    "no resource types",
			body:    "name: p\nversion: 1.0.0\nentrypoint: x.wasm\nchecksum: a\n",
			wantErr: "resource type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, t.TempDir(), tt.body)
			_, err := LoadManifest(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyChecksum(t *testing.T) {
	module := []byte("\x00asm\x01\x00\x00\x00")
	sum := sha256.Sum256(module)

	m := &Manifest{Name: "demo", Checksum: hex.EncodeToString(sum[:])}
	if err := m.VerifyChecksum(module); err != nil {
		t.Fatalf("verify: %v", err)
	}

	m.Checksum = "deadbeef"
	if err := m.VerifyChecksum(module); err == nil {
		t.Error("expected checksum mismatch")
	}
}

// fakeInvoker records calls and plays back canned JSON responses.
type fakeInvoker struct {
	lastOp   string
	lastType string
	response string
	err      error
}

func (f *fakeInvoker) Call(_ context.Context, op, resourceType string, _, out interface{}) error {
	f.lastOp = op
	f.lastType = resourceType
	if f.err != nil {
		return f.err
	}
	if out != nil && f.response != "" {
		return json.Unmarshal([]byte(f.response), out)
	}
	return nil
}

func testProvider(invoker *fakeInvoker) *PluginProvider {
	manifest := &Manifest{
		Name:    "demo",
		Version: "1.0.0",
		ResourceTypes: map[string]ResourceTypeSchema{
			"demo.widget": {
				Properties: map[string]resources.PropertySchema{
					"size": {Type: "number", Required: true},
				},
				Attributes: []string{"id"},
			},
		},
	}
	schema, _ := manifest.Schema("demo.widget")
	return &PluginProvider{
		plugin:       invoker,
		manifest:     manifest,
		resourceType: "demo.widget",
		schema:       schema,
	}
}

func TestPluginProviderCreate(t *testing.T) {
	invoker := &fakeInvoker{response: `{"physical_id":"w-1","attributes":{"id":"w-1"}}`}
	p := testProvider(invoker)

	resp, err := p.Create(context.Background(), resources.CreateRequest{
		ResourceName: "widget",
		Properties:   map[string]interface{}{"size": 4},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.PhysicalID != "w-1" {
		t.Errorf("physical ID: %s", resp.PhysicalID)
	}
	if invoker.lastOp != "create" || invoker.lastType != "demo.widget" {
		t.Errorf("call: op=%s type=%s", invoker.lastOp, invoker.lastType)
	}
}

func TestPluginProviderCreateWithoutPhysicalID(t *testing.T) {
	p := testProvider(&fakeInvoker{response: `{}`})
	_, err := p.Create(context.Background(), resources.CreateRequest{
		Properties: map[string]interface{}{"size": 4},
	})
	if err == nil || !strings.Contains(err.Error(), "physical ID") {
		t.Fatalf("expected physical ID error, got %v", err)
	}
}

func TestPluginProviderValidateSchemaFirst(t *testing.T) {
	invoker := &fakeInvoker{}
	p := testProvider(invoker)

	err := p.Validate(context.Background(), resources.ValidateRequest{
		Properties: map[string]interface{}{},
	})
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Fatalf("expected schema error, got %v", err)
	}
	if invoker.lastOp != "" {
		t.Error("plugin should not be called when schema validation fails")
	}
}

func TestPluginProviderUpdateKeepsPhysicalID(t *testing.T) {
	p := testProvider(&fakeInvoker{response: `{}`})
	resp, err := p.Update(context.Background(), resources.UpdateRequest{
		PhysicalID: "w-1",
		Properties: map[string]interface{}{"size": 5},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if resp.PhysicalID != "w-1" {
		t.Errorf("physical ID not carried forward: %s", resp.PhysicalID)
	}
}

func TestPluginProviderResolveAttribute(t *testing.T) {
	p := testProvider(&fakeInvoker{response: `{"value":"w-1"}`})
	value, err := p.ResolveAttribute(context.Background(), resources.AttributeRequest{Attribute: "id"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if value != "w-1" {
		t.Errorf("value: %v", value)
	}
}
