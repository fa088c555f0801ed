// Package main implements the Caldera deployment agent. The engine
// uploads this binary to deployment targets and drives it over stdio:
// commands arrive on stdin as newline-delimited JSON, results go to
// stdout. Logs go to stderr so they never corrupt the protocol stream.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/calderahq/caldera/pkg/agent"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if os.Getenv("CALDERA_AGENT_DEBUG") != "" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.WarnLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	runner := agent.NewRunner(os.Stdin, os.Stdout, logger)
	if err := runner.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("agent failed")
		os.Exit(1)
	}
}
