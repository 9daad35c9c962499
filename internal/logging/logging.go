// Package logging builds the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvLevel is consulted when no level is given on the command line.
const EnvLevel = "LOG_LEVEL"

// New returns a text logger writing to w at the named level ("debug",
// "info", "warn", "error"). An empty level falls back to $LOG_LEVEL, then
// info.
func New(w io.Writer, level string, name string) (*slog.Logger, error) {
	if level == "" {
		level = os.Getenv(EnvLevel)
	}
	if level == "" {
		level = "info"
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler).With("name", name), nil
}
