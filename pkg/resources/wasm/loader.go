package wasm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/calderahq/caldera/pkg/resources"
	"github.com/calderahq/caldera/pkg/telemetry"
)

// Loader discovers plugin manifests under a directory, instantiates the
// modules and registers their resource types with the provider registry.
type Loader struct {
	mu      sync.Mutex
	cfg     *Config
	logger  *telemetry.Logger
	plugins []*Plugin
}

// NewLoader creates a plugin loader.
func NewLoader(cfg *Config, logger *telemetry.Logger) *Loader {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Loader{
		cfg:    cfg,
		logger: logger.NewComponentLogger("plugins"),
	}
}

// LoadDirectory scans dir for <plugin>/manifest.yaml files and registers
// every resource type they declare. A plugin that fails to load is logged
// and skipped so one broken plugin does not take down the engine.
func (l *Loader) LoadDirectory(ctx context.Context, dir string, reg *resources.Registry) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read plugin directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), "manifest.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		if err := l.LoadManifest(ctx, manifestPath, reg); err != nil {
			l.logger.WithError(err).WithField("manifest", manifestPath).Warn("skipping plugin")
		}
	}
	return nil
}

// LoadManifest loads one plugin from its manifest and registers its
// resource types.
func (l *Loader) LoadManifest(ctx context.Context, manifestPath string, reg *resources.Registry) error {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	module, err := os.ReadFile(manifest.WasmPath())
	if err != nil {
		return fmt.Errorf("failed to read module for %s: %w", manifest.Name, err)
	}

	plugin, err := NewPlugin(ctx, manifest, module, l.cfg)
	if err != nil {
		return err
	}

	for resourceType := range manifest.ResourceTypes {
		provider, err := NewPluginProvider(plugin, resourceType)
		if err != nil {
			plugin.Close(ctx)
			return err
		}
		if err := reg.Register(resourceType, provider); err != nil {
			plugin.Close(ctx)
			return err
		}
		l.logger.WithProvider(manifest.Name).
			WithField("resource_type", resourceType).
			Info("registered plugin resource type")
	}

	l.mu.Lock()
	l.plugins = append(l.plugins, plugin)
	l.mu.Unlock()
	return nil
}

// Close shuts down every loaded plugin.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, p := range l.plugins {
		if err := p.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.plugins = nil
	return firstErr
}
