package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/calderahq/caldera/pkg/telemetry"
)

// Duration is a time.Duration that decodes from CUE strings like "30s".
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full Caldera service configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Engine    EngineConfig    `json:"engine"`
	Policy    PolicyConfig    `json:"policy"`
	Providers ProvidersConfig `json:"providers"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ServerConfig configures the REST API server.
type ServerConfig struct {
	// BindAddr is the host:port the API listens on.
	BindAddr string `json:"bind_addr" validate:"required,hostname_port"`

	// ReadTimeout bounds reading a request's headers. Responses carry no
	// write deadline: synchronous stack operations and the event stream
	// hold connections open far longer than any fixed timeout.
	ReadTimeout     Duration `json:"read_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// DatabaseConfig configures the sqlite state store.
type DatabaseConfig struct {
	// Path is the sqlite database file. ":memory:" keeps state in memory.
	Path string `json:"path" validate:"required"`
}

// EngineConfig configures the orchestration engine.
type EngineConfig struct {
	// ID identifies this engine in stack locks. Defaults to a random ID
	// per process when empty.
	ID string `json:"id"`

	// MaxParallel caps concurrent resource operations per traversal.
	MaxParallel int `json:"max_parallel" validate:"min=1,max=100"`

	// MaxRetries caps retry attempts per resource operation.
	MaxRetries int `json:"max_retries" validate:"min=0,max=10"`

	// OperationTimeout bounds a single resource operation.
	OperationTimeout Duration `json:"operation_timeout"`

	// StackTimeout is the default timeout for a whole stack operation
	// when the request does not carry one.
	StackTimeout Duration `json:"stack_timeout"`

	// MaxResourcesPerStack rejects templates above this size.
	MaxResourcesPerStack int `json:"max_resources_per_stack" validate:"min=1"`
}

// PolicyConfig configures Rego policy loading.
type PolicyConfig struct {
	// Enabled turns policy authorization on for mutating API requests.
	Enabled bool `json:"enabled"`

	// Dir holds .rego policy files; watched for changes when set.
	Dir string `json:"dir"`
}

// ProvidersConfig configures resource providers.
type ProvidersConfig struct {
	// PluginDir holds WASM provider plugins loaded at startup.
	PluginDir string `json:"plugin_dir"`

	// ConstraintDir holds Starlark parameter constraint predicates.
	ConstraintDir string `json:"constraint_dir"`
}

// TelemetryConfig is the CUE-facing shape of the telemetry settings.
type TelemetryConfig struct {
	Logging LoggingConfig `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
	Events  EventsConfig  `json:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level        string `json:"level" validate:"oneof=trace debug info warn error fatal"`
	Format       string `json:"format" validate:"oneof=console json"`
	Output       string `json:"output"`
	EnableCaller bool   `json:"enable_caller"`
}

// MetricsConfig configures prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// TracingConfig configures OTel tracing.
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	Exporter     string  `json:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `json:"endpoint"`
	SamplingRate float64 `json:"sampling_rate" validate:"min=0,max=1"`
}

// EventsConfig configures the in-process event bus.
type EventsConfig struct {
	Enabled    bool `json:"enabled"`
	BufferSize int  `json:"buffer_size" validate:"min=1"`
}

// Default returns the configuration used when a field is not set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:        "127.0.0.1:8080",
			ReadTimeout:     Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "caldera.db",
		},
		Engine: EngineConfig{
			MaxParallel:          10,
			MaxRetries:           3,
			OperationTimeout:     Duration(15 * time.Minute),
			StackTimeout:         Duration(60 * time.Minute),
			MaxResourcesPerStack: 500,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Providers: ProvidersConfig{},
		Telemetry: TelemetryConfig{
			Logging: LoggingConfig{
				Level:  "info",
				Format: "console",
				Output: "stderr",
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "caldera",
			},
			Tracing: TracingConfig{
				Exporter:     "none",
				SamplingRate: 1.0,
			},
			Events: EventsConfig{
				Enabled:    true,
				BufferSize: 256,
			},
		},
	}
}

// ToTelemetry converts the config section into the telemetry package's
// configuration, filling the fields the file format does not expose from
// the telemetry defaults.
func (tc TelemetryConfig) ToTelemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = tc.Logging.Level
	cfg.Logging.Format = tc.Logging.Format
	cfg.Logging.Output = tc.Logging.Output
	cfg.Logging.EnableCaller = tc.Logging.EnableCaller
	cfg.Metrics.Enabled = tc.Metrics.Enabled
	cfg.Metrics.Namespace = tc.Metrics.Namespace
	cfg.Tracing.Enabled = tc.Tracing.Enabled
	cfg.Tracing.Exporter = tc.Tracing.Exporter
	cfg.Tracing.Endpoint = tc.Tracing.Endpoint
	cfg.Tracing.SamplingRate = tc.Tracing.SamplingRate
	cfg.Events.Enabled = tc.Events.Enabled
	cfg.Events.BufferSize = tc.Events.BufferSize
	return cfg
}
