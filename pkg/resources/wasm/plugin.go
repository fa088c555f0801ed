package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Config bounds the sandbox each plugin runs in.
type Config struct {
	// Timeout limits one plugin call.
	Timeout time.Duration

	// MemoryLimitPages caps plugin memory in 64KB pages. Default is 256
	// pages (16MB).
	MemoryLimitPages uint32
}

// DefaultConfig returns the default plugin sandbox limits.
func DefaultConfig() *Config {
	return &Config{
		Timeout:          30 * time.Second,
		MemoryLimitPages: 256,
	}
}

// Plugin is one instantiated WASM provider module. All provider operations
// go through a single exported function:
//
//	invoke(ptr: u32, len: u32) -> u64
//
// The argument is a JSON envelope {op, resource_type, request}; the packed
// return value is (ptr << 32) | len of a JSON envelope {error, response}.
// The module must also export malloc and free for buffer exchange.
type Plugin struct {
	manifest *Manifest
	runtime  wazero.Runtime
	module   api.Module
	memory   api.Memory
	invoke   api.Function
	malloc   api.Function
	free     api.Function
	timeout  time.Duration
}

type invokeEnvelope struct {
	Op           string      `json:"op"`
	ResourceType string      `json:"resource_type"`
	Request      interface{} `json:"request,omitempty"`
}

type resultEnvelope struct {
	Error    string          `json:"error,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// NewPlugin verifies, compiles and instantiates a plugin module.
func NewPlugin(ctx context.Context, manifest *Manifest, module []byte, cfg *Config) (*Plugin, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	if err := manifest.VerifyChecksum(module); err != nil {
		return nil, err
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	instance, err := runtime.Instantiate(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate plugin %s: %w", manifest.Name, err)
	}

	p := &Plugin{
		manifest: manifest,
		runtime:  runtime,
		module:   instance,
		memory:   instance.Memory(),
		invoke:   instance.ExportedFunction("invoke"),
		malloc:   instance.ExportedFunction("malloc"),
		free:     instance.ExportedFunction("free"),
		timeout:  cfg.Timeout,
	}
	if p.memory == nil {
		p.Close(ctx)
		return nil, fmt.Errorf("plugin %s does not export memory", manifest.Name)
	}
	for name, fn := range map[string]api.Function{"invoke": p.invoke, "malloc": p.malloc, "free": p.free} {
		if fn == nil {
			p.Close(ctx)
			return nil, fmt.Errorf("plugin %s does not export %s", manifest.Name, name)
		}
	}
	return p, nil
}

// Manifest returns the plugin's manifest.
func (p *Plugin) Manifest() *Manifest {
	return p.manifest
}

// Call invokes one plugin operation, marshaling the request and
// unmarshaling the response into out (which may be nil for operations
// without a response body).
func (p *Plugin) Call(ctx context.Context, op, resourceType string, request, out interface{}) error {
	input, err := json.Marshal(invokeEnvelope{
		Op:           op,
		ResourceType: resourceType,
		Request:      request,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := p.rawCall(ctx, input)
	if err != nil {
		return fmt.Errorf("plugin %s %s failed: %w", p.manifest.Name, op, err)
	}

	var envelope resultEnvelope
	if err := json.Unmarshal(output, &envelope); err != nil {
		return fmt.Errorf("plugin %s returned malformed %s response: %w", p.manifest.Name, op, err)
	}
	if envelope.Error != "" {
		return fmt.Errorf("plugin %s %s: %s", p.manifest.Name, op, envelope.Error)
	}
	if out != nil && len(envelope.Response) > 0 {
		if err := json.Unmarshal(envelope.Response, out); err != nil {
			return fmt.Errorf("failed to unmarshal %s response: %w", op, err)
		}
	}
	return nil
}

// rawCall writes input into plugin memory, calls invoke and reads back the
// packed (ptr, len) result.
func (p *Plugin) rawCall(ctx context.Context, input []byte) ([]byte, error) {
	var inputPtr uint32
	if len(input) > 0 {
		ptr, err := p.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer p.deallocate(ctx, ptr)
		inputPtr = ptr

		if !p.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write request into plugin memory")
		}
	}

	results, err := p.invoke.Call(ctx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("invoke trapped: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("invoke returned no result")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := p.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read response from plugin memory")
	}
	// Copy before freeing: Read returns a view into plugin memory.
	copied := make([]byte, len(output))
	copy(copied, output)
	p.deallocate(ctx, outputPtr)
	return copied, nil
}

func (p *Plugin) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := p.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned no memory")
	}
	return uint32(results[0]), nil
}

func (p *Plugin) deallocate(ctx context.Context, ptr uint32) {
	if p.free != nil {
		_, _ = p.free.Call(ctx, uint64(ptr))
	}
}

// Close releases the module and its runtime.
func (p *Plugin) Close(ctx context.Context) error {
	if p.module != nil {
		if err := p.module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close plugin module: %w", err)
		}
		p.module = nil
	}
	if p.runtime != nil {
		if err := p.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close plugin runtime: %w", err)
		}
		p.runtime = nil
	}
	return nil
}
