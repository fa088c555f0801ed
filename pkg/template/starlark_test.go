package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const evenPortScript = `
def check(value):
    if type(value) != "int" and type(value) != "float":
        return "port must be a number"
    if value < 1 or value > 65535:
        return "port out of range"
    return True
`

func TestCompileStarlarkConstraint(t *testing.T) {
	fn, err := CompileStarlarkConstraint("valid_port", evenPortScript)
	if err != nil {
		t.Fatalf("CompileStarlarkConstraint failed: %v", err)
	}

	if err := fn(8080); err != nil {
		t.Errorf("expected 8080 to pass, got %v", err)
	}
	if err := fn(99999); err == nil || !strings.Contains(err.Error(), "out of range") {
		t.Errorf("expected out-of-range message, got %v", err)
	}
	if err := fn("not a port"); err == nil || !strings.Contains(err.Error(), "must be a number") {
		t.Errorf("expected type message, got %v", err)
	}
}

func TestCompileStarlarkConstraintBoolResult(t *testing.T) {
	fn, err := CompileStarlarkConstraint("nonempty", `
def check(value):
    return len(value) > 0
`)
	if err != nil {
		t.Fatalf("CompileStarlarkConstraint failed: %v", err)
	}
	if err := fn("x"); err != nil {
		t.Errorf("expected pass, got %v", err)
	}
	if err := fn(""); err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Errorf("expected rejection, got %v", err)
	}
}

func TestCompileStarlarkConstraintErrors(t *testing.T) {
	if _, err := CompileStarlarkConstraint("broken", "def broken(:"); err == nil {
		t.Error("expected a compile error")
	}
	if _, err := CompileStarlarkConstraint("nocheck", "x = 1"); err == nil ||
		!strings.Contains(err.Error(), "no check function") {
		t.Errorf("expected no-check error, got %v", err)
	}
}

func TestLoadStarlarkConstraints(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "valid_port.star"), []byte(evenPortScript), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := LoadStarlarkConstraints(dir)
	if err != nil {
		t.Fatalf("LoadStarlarkConstraints failed: %v", err)
	}
	if len(names) != 1 || names[0] != "valid_port" {
		t.Fatalf("expected [valid_port], got %v", names)
	}

	fn, ok := LookupCustomConstraint("valid_port")
	if !ok {
		t.Fatal("constraint not registered")
	}
	if err := fn(443); err != nil {
		t.Errorf("expected 443 to pass, got %v", err)
	}
}
