package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/calderahq/caldera/pkg/agent"
	"github.com/calderahq/caldera/pkg/config"
	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/resources"
	"github.com/calderahq/caldera/pkg/resources/builtin"
	"github.com/calderahq/caldera/pkg/resources/wasm"
	"github.com/calderahq/caldera/pkg/stores"
	"github.com/calderahq/caldera/pkg/telemetry"
	"github.com/calderahq/caldera/pkg/template"
)

// runtime is the embedded engine behind the local stack commands and the
// server: config, store, provider registry and the engine service.
type runtime struct {
	cfg     *config.Config
	tcfg    *telemetry.Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	bus     *telemetry.EventBus
	store   *stores.SQLiteStore
	reg     *resources.Registry
	service *engine.Service
	wasm    *wasm.Loader
}

// openRuntime loads the config file and brings up the engine with the
// builtin providers, WASM plugins and Starlark constraints it names.
func openRuntime(ctx context.Context, version string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	tcfg := cfg.Telemetry.ToTelemetry(version)
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	bus := telemetry.NewEventBus(tcfg.Events)

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	reg := resources.NewRegistry()
	deployer := agent.NewClient(agent.ClientOptions{}, logger.Zerolog())
	if err := builtin.Register(reg, deployer); err != nil {
		store.Close()
		return nil, fmt.Errorf("register builtin providers: %w", err)
	}

	var wasmLoader *wasm.Loader
	if dir := cfg.Providers.PluginDir; dir != "" {
		wasmLoader = wasm.NewLoader(wasm.DefaultConfig(), logger)
		if err := wasmLoader.LoadDirectory(ctx, dir, reg); err != nil {
			store.Close()
			return nil, fmt.Errorf("load provider plugins: %w", err)
		}
	}

	if dir := cfg.Providers.ConstraintDir; dir != "" {
		names, err := template.LoadStarlarkConstraints(dir)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load parameter constraints: %w", err)
		}
		logger.WithField("count", len(names)).Debug("loaded parameter constraints")
	}

	svc := engine.NewService(store, reg, logger, metrics, engine.Config{
		EngineID:         cfg.Engine.ID,
		MaxParallel:      cfg.Engine.MaxParallel,
		MaxRetries:       cfg.Engine.MaxRetries,
		OperationTimeout: cfg.Engine.OperationTimeout.Std(),
		StackTimeout:     cfg.Engine.StackTimeout.Std(),
		MaxResources:     cfg.Engine.MaxResourcesPerStack,
		EventBus:         bus,
	})

	return &runtime{
		cfg:     cfg,
		tcfg:    tcfg,
		logger:  logger,
		metrics: metrics,
		bus:     bus,
		store:   store,
		reg:     reg,
		service: svc,
		wasm:    wasmLoader,
	}, nil
}

func (rt *runtime) Close(ctx context.Context) {
	if err := rt.bus.Shutdown(ctx); err != nil {
		rt.logger.WithError(err).Warn("event bus shutdown failed")
	}
	if rt.wasm != nil {
		if err := rt.wasm.Close(ctx); err != nil {
			rt.logger.WithError(err).Warn("close provider plugins failed")
		}
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.WithError(err).Warn("close database failed")
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
