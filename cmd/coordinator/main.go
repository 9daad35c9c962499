// Package main implements the loadgen coordinator: the single server every
// worker attaches to.
//
// Architecture:
//
//	┌─────────────────────────────────────────────┐
//	│               Coordinator                   │
//	├─────────────────────────────────────────────┤
//	│  HTTP API:                                  │
//	│    GET  /attach/{identity}  - worker link   │
//	│    GET  /info               - liveness      │
//	│    GET  /health             - fleet summary │
//	│    GET  /workers[/{id}]     - registry view │
//	│    POST /workers/{id}/schedule|discard      │
//	├─────────────────────────────────────────────┤
//	│  Components:                                │
//	│    Registry       - identity → connection   │
//	│    HealthMonitor  - ping / destroy          │
//	│    Dispatcher     - automatic job flow      │
//	└─────────────────────────────────────────────┘
//
// Configuration comes from a JSONC or YAML file (see internal/config);
// "listen.port" is required.
//
// Example usage:
//
//	coordinator --config etc/server.json --log-level debug
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dreamware/loadgen/internal/config"
	"github.com/dreamware/loadgen/internal/logging"
)

const progName = "loadgen_server"

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	flags := pflag.NewFlagSet("coordinator", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "etc/server.json", "path to the configuration file (JSONC or YAML)")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error (default $LOG_LEVEL or info)")
	listenIP := flags.String("listen-ip", "", "override listen.ip")
	listenPort := flags.Int("listen-port", 0, "override listen.port")
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
	if *listenIP != "" {
		cfg.Listen.IP = *listenIP
	}
	if *listenPort != 0 {
		cfg.Listen.Port = *listenPort
	}
	if err := cfg.ValidateCoordinator(); err != nil {
		logFatal("%v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logFatal("%v", err)
	}
}

// run serves until ctx is done. When ready is non-nil it receives the bound
// listen address once the server accepts connections.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready chan<- string) error {
	srv := newServer(cfg, logger)

	ln, err := net.Listen("tcp", cfg.Listen.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen.Addr(), err)
	}

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go srv.monitor.Start(monitorCtx)

	httpSrv := &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", ln.Addr().String())
		errc <- httpSrv.Serve(ln)
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	srv.monitor.Stop()
	// Upgraded connections are hijacked and outlive Shutdown.
	srv.registry.CloseAll()
	logger.Info("coordinator stopped")
	return nil
}
