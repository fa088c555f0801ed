package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/calderahq/caldera/pkg/api"
	"github.com/calderahq/caldera/pkg/config"
	"github.com/calderahq/caldera/pkg/policy"
	"github.com/calderahq/caldera/pkg/telemetry"
)

func newServerCommand(version string) *cobra.Command {
	var bindAddr string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the Caldera API server",
		Long: `Run the orchestration engine with its REST API.

The server loads WASM provider plugins, registers the builtin providers,
compiles the configured rego policies and serves the stack API until
interrupted.`,
		Example: `  # Run with the default config file
  caldera server

  # Run with an explicit config and bind address
  caldera server -c /etc/caldera/caldera.cue --bind 0.0.0.0:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := openRuntime(ctx, version)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			cfg := rt.cfg
			if bindAddr != "" {
				cfg.Server.BindAddr = bindAddr
			}
			logger := rt.logger.NewComponentLogger("server")

			tracer, err := telemetry.NewTracer(rt.tcfg.Tracing, rt.tcfg.ServiceName, version, rt.tcfg.Environment)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
				defer cancel()
				if err := tracer.Shutdown(shutdownCtx); err != nil {
					logger.WithError(err).Warn("tracer shutdown failed")
				}
			}()

			var policyEngine *policy.Engine
			if cfg.Policy.Enabled {
				policyEngine, err = policy.NewEngine(rt.logger.Zerolog())
				if err != nil {
					return fmt.Errorf("init policy engine: %w", err)
				}
				if cfg.Policy.Dir != "" {
					loader := policy.NewLoader(rt.logger.Zerolog())
					loaded, err := loader.LoadFromPaths([]string{cfg.Policy.Dir})
					if err != nil {
						return fmt.Errorf("load policies: %w", err)
					}
					if err := policyEngine.SetPolicies(ctx, loaded); err != nil {
						return fmt.Errorf("compile policies: %w", err)
					}
					go func() {
						err := loader.Watch(ctx, []string{cfg.Policy.Dir}, func(ps []policy.Policy) error {
							return policyEngine.SetPolicies(ctx, ps)
						})
						if err != nil && !errors.Is(err, context.Canceled) {
							logger.WithError(err).Warn("policy watcher stopped")
						}
					}()
				}
			}

			apiServer := api.NewServer(rt.service, rt.logger, api.Options{
				Policy:  policyEngine,
				Metrics: rt.metrics,
				Events:  rt.bus,
			})

			httpServer := newHTTPServer(cfg, apiServer.Handler())

			serveErr := make(chan error, 1)
			go func() {
				logger.WithField("addr", cfg.Server.BindAddr).Info("API server listening")
				serveErr <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-serveErr:
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bindAddr, "bind", "", "bind address, overrides the config file")
	return cmd
}

// newHTTPServer builds the API listener. Only header reads carry a
// deadline: stack operations respond synchronously and can run for the
// full stack timeout, and the event stream stays open until the client
// disconnects, so a connection-wide write timeout would sever both.
func newHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.BindAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout.Std(),
	}
}
