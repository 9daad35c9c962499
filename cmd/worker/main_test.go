package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/loadgen/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestMainFatalPaths verifies startup errors are reported through logFatal.
func TestMainFatalPaths(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o600))
	noPort := filepath.Join(dir, "noport.yaml")
	require.NoError(t, os.WriteFile(noPort, []byte("coordinator:\n  host: localhost\n"), 0o600))
	cfgPath := filepath.Join(dir, "server.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"listen": {"port": 1}}`), 0o600))

	tests := []struct {
		name    string
		args    []string
		wantMsg string
	}{
		{"missing config", []string{"--config", filepath.Join(dir, "missing.json")}, "reading config"},
		{"no coordinator port", []string{"--config", noPort}, "coordinator.port"},
		{"bad log level", []string{"--config", cfgPath, "--log-level", "loud"}, "invalid log level"},
		{"corrupt state", []string{"--config", cfgPath, "--identity", "w1", "--state-file", corrupt}, "loading job state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg string
			old := logFatal
			logFatal = func(format string, args ...any) { msg = fmt.Sprintf(format, args...) }
			defer func() { logFatal = old }()

			oldArgs := os.Args
			os.Args = append([]string{"worker"}, tt.args...)
			defer func() { os.Args = oldArgs }()

			main()
			assert.Contains(t, msg, tt.wantMsg)
		})
	}
}

// TestRunCreatesStateDirectory verifies the worker starts idle with a fresh
// state directory and keeps retrying while the coordinator is away.
func TestRunCreatesStateDirectory(t *testing.T) {
	cfg := config.Default()
	cfg.Worker.Identity = "w1"
	cfg.Worker.StateFile = filepath.Join(t.TempDir(), "nested", "state.json")
	cfg.Coordinator.Host = "127.0.0.1"
	cfg.Coordinator.Port = 1
	cfg.Backoff.InitialDelay = config.Duration(10 * time.Millisecond)
	cfg.Backoff.MaxDelay = config.Duration(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := run(ctx, cfg, discardLogger())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, statErr := os.Stat(filepath.Dir(cfg.Worker.StateFile))
	assert.NoError(t, statErr)
}
