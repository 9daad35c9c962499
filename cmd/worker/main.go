// Package main implements the loadgen worker: an agent that keeps one
// connection to the coordinator open and runs at most one job at a time.
//
// The worker persists its job state to a local file before every
// announcement, so it can be killed at any moment. On restart a job that
// was scheduled but not completed is launched again, and a completed job
// is reported to the coordinator until it is discarded.
//
// Configuration:
//   - --config: JSONC or YAML file (see internal/config)
//   - --identity: registry key (default: host name)
//   - --state-file: job state path (default from config)
//   - --coordinator-host / --coordinator-port: where to attach
//   - --log-level or $LOG_LEVEL
//
// Example usage:
//
//	worker --config etc/server.json --state-file /var/lib/loadgen/state.json
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dreamware/loadgen/internal/config"
	"github.com/dreamware/loadgen/internal/hostinfo"
	"github.com/dreamware/loadgen/internal/logging"
	"github.com/dreamware/loadgen/internal/reconnect"
	"github.com/dreamware/loadgen/internal/runner"
	"github.com/dreamware/loadgen/internal/storage"
	"github.com/dreamware/loadgen/internal/transport"
	"github.com/dreamware/loadgen/internal/worker"
)

const progName = "loadgen_client"

// logFatal is a variable to allow mocking log.Fatal in tests.
// This indirection enables test code to intercept fatal errors
// without actually terminating the test process.
var logFatal = log.Fatalf

func main() {
	flags := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "etc/server.json", "path to the configuration file (JSONC or YAML)")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error (default $LOG_LEVEL or info)")
	identity := flags.String("identity", "", "worker identity (default: host name)")
	stateFile := flags.String("state-file", "", "override worker.state_file")
	coordinatorHost := flags.String("coordinator-host", "", "override coordinator.host")
	coordinatorPort := flags.Int("coordinator-port", 0, "override coordinator.port")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logFatal("%v", err)
		return
	}

	logger, err := logging.New(os.Stderr, *logLevel, progName)
	if err != nil {
		logFatal("%v", err)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logFatal("%v", err)
		return
	}
	if *identity != "" {
		cfg.Worker.Identity = *identity
	}
	if *stateFile != "" {
		cfg.Worker.StateFile = *stateFile
	}
	if *coordinatorHost != "" {
		cfg.Coordinator.Host = *coordinatorHost
	}
	if *coordinatorPort != 0 {
		cfg.Coordinator.Port = *coordinatorPort
	}
	if err := cfg.ValidateWorker(); err != nil {
		logFatal("%v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logFatal("%v", err)
	}
}

// run recovers persisted state, then serves the coordinator until ctx is
// done. A state file that exists but cannot be read is returned as an error
// before any connection is made.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	identity := cfg.Worker.Identity
	if identity == "" {
		name, err := hostinfo.Identity()
		if err != nil {
			return err
		}
		identity = name
	}
	logger = logger.With("identity", identity)

	if err := storage.EnsureDir(cfg.Worker.StateFile); err != nil {
		return err
	}
	store := storage.NewJSONFile(cfg.Worker.StateFile)

	url := transport.AttachURL(cfg.Coordinator.Host, cfg.Coordinator.Port, identity)
	conn := reconnect.New(func(ctx context.Context) (transport.Conn, error) {
		return transport.Dial(ctx, url)
	}, reconnect.Config{
		InitialDelay:  cfg.Backoff.InitialDelay.Std(),
		MaxDelay:      cfg.Backoff.MaxDelay.Std(),
		JitterPercent: cfg.Backoff.JitterPercent,
		ProbeInterval: cfg.Heartbeat.Interval.Std(),
		MaxMissed:     cfg.Heartbeat.MaxMissed,
	}, logger.With("component", "connection", "url", url))

	agent := worker.New(conn, store,
		runner.New(cfg.Worker.WorkDir, logger.With("component", "runner")),
		hostinfo.Facts,
		logger.With("component", "agent"))

	if err := agent.Recover(); err != nil {
		return fmt.Errorf("%s: %w", store.Path(), err)
	}

	logger.Info("worker starting", "coordinator", url, "state_file", store.Path())
	go conn.Run(ctx)
	return agent.Run(ctx)
}
