package config

// configSchema is the embedded CUE definition every configuration file is
// unified with. #Config is closed, so unknown fields are rejected with a
// position-carrying error. All fields are optional; Go defaults fill the
// gaps after decoding.
const configSchema = `
#Duration: string & =~"^([0-9]+(ns|us|ms|s|m|h))+$"

#Config: {
	server?: {
		bind_addr?:        string
		read_timeout?:     #Duration
		shutdown_timeout?: #Duration
	}

	database?: {
		path?: string
	}

	engine?: {
		id?:                      string
		max_parallel?:            int & >=1 & <=100
		max_retries?:             int & >=0 & <=10
		operation_timeout?:       #Duration
		stack_timeout?:           #Duration
		max_resources_per_stack?: int & >=1
	}

	policy?: {
		enabled?: bool
		dir?:     string
	}

	providers?: {
		plugin_dir?:     string
		constraint_dir?: string
	}

	telemetry?: {
		logging?: {
			level?:         "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?:        "console" | "json"
			output?:        string
			enable_caller?: bool
		}
		metrics?: {
			enabled?:   bool
			namespace?: string
		}
		tracing?: {
			enabled?:       bool
			exporter?:      "otlp" | "stdout" | "none"
			endpoint?:      string
			sampling_rate?: number & >=0 & <=1
		}
		events?: {
			enabled?:     bool
			buffer_size?: int & >=1
		}
	}
}
`
