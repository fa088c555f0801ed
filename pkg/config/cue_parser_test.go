package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server: {
	bind_addr:    "0.0.0.0:9090"
	read_timeout: "45s"
}

database: path: "/var/lib/caldera/state.db"

engine: {
	max_parallel:      4
	operation_timeout: "5m"
}

policy: {
	enabled: true
	dir:     "/etc/caldera/policies"
}

telemetry: logging: {
	level:  "debug"
	format: "json"
}
`

func TestLoadBytes(t *testing.T) {
	p, err := NewParser()
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}

	cfg, err := p.LoadBytes([]byte(sampleConfig), "caldera.cue")
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}

	if cfg.Server.BindAddr != "0.0.0.0:9090" {
		t.Errorf("bind_addr = %q", cfg.Server.BindAddr)
	}
	if cfg.Server.ReadTimeout.Std() != 45*time.Second {
		t.Errorf("read_timeout = %v", cfg.Server.ReadTimeout.Std())
	}
	if cfg.Database.Path != "/var/lib/caldera/state.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Engine.MaxParallel != 4 {
		t.Errorf("max_parallel = %d", cfg.Engine.MaxParallel)
	}
	if cfg.Engine.OperationTimeout.Std() != 5*time.Minute {
		t.Errorf("operation_timeout = %v", cfg.Engine.OperationTimeout.Std())
	}
	if cfg.Policy.Dir != "/etc/caldera/policies" {
		t.Errorf("policy dir = %q", cfg.Policy.Dir)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Telemetry.Logging)
	}

	// Unset fields keep their defaults.
	if cfg.Server.ShutdownTimeout.Std() != 15*time.Second {
		t.Errorf("shutdown_timeout = %v, want default", cfg.Server.ShutdownTimeout.Std())
	}
	if cfg.Engine.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want default 3", cfg.Engine.MaxRetries)
	}
	if cfg.Engine.MaxResourcesPerStack != 500 {
		t.Errorf("max_resources_per_stack = %d, want default", cfg.Engine.MaxResourcesPerStack)
	}
}

func TestLoadFileMissingGivesDefaults(t *testing.T) {
	p, err := NewParser()
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	cfg, err := p.LoadFile(filepath.Join(t.TempDir(), "absent.cue"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.BindAddr != Default().Server.BindAddr {
		t.Errorf("bind_addr = %q, want default", cfg.Server.BindAddr)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caldera.cue")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxParallel != 4 {
		t.Errorf("max_parallel = %d", cfg.Engine.MaxParallel)
	}
}

func TestLoadBytesRejectsUnknownField(t *testing.T) {
	p, err := NewParser()
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	_, err = p.LoadBytes([]byte("engine: threads: 8\n"), "caldera.cue")
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadBytesRejectsOutOfRange(t *testing.T) {
	p, err := NewParser()
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}

	cases := []struct {
		name string
		src  string
	}{
		{"parallel_zero", "engine: max_parallel: 0\n"},
		{"bad_level", `telemetry: logging: level: "loud"` + "\n"},
		{"bad_duration", `server: read_timeout: "soon"` + "\n"},
		{"sampling_rate", "telemetry: tracing: sampling_rate: 2\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.LoadBytes([]byte(tc.src), "caldera.cue"); err == nil {
				t.Errorf("accepted %q", tc.src)
			}
		})
	}
}

func TestLoadBytesSyntaxErrorHasPosition(t *testing.T) {
	p, err := NewParser()
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	_, err = p.LoadBytes([]byte("server: {\n"), "caldera.cue")
	if err == nil {
		t.Fatal("unterminated struct accepted")
	}
	if !strings.Contains(err.Error(), "caldera.cue") {
		t.Errorf("error %q does not carry the filename", err)
	}
}

func TestToTelemetry(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.Logging.Level = "warn"
	cfg.Telemetry.Tracing.Enabled = true
	cfg.Telemetry.Tracing.Exporter = "otlp"
	cfg.Telemetry.Tracing.Endpoint = "collector:4317"

	tc := cfg.Telemetry.ToTelemetry("1.2.3")
	if tc.ServiceVersion != "1.2.3" {
		t.Errorf("version = %q", tc.ServiceVersion)
	}
	if tc.Logging.Level != "warn" {
		t.Errorf("level = %q", tc.Logging.Level)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("tracing = %+v", tc.Tracing)
	}
}
