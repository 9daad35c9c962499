// Package config loads the static configuration file shared by the
// coordinator and worker binaries.
//
// The file is read once at startup. Files ending in .yaml or .yml are
// parsed as YAML; anything else is parsed as JSON extended with comments
// and trailing commas (JSONC). Fields absent from the file keep the values
// from Default.
//
//	{
//	    // coordinator listen address
//	    "listen": {"ip": "0.0.0.0", "port": 8080},
//	    "worker": {"state_file": "/var/lib/loadgen/state.json"},
//	    "dispatch": {"job": {"command": "uptime", "args": []}},
//	}
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/loadgen/internal/cluster"
	"github.com/dreamware/loadgen/internal/heartbeat"
)

// Duration is a time.Duration written as a Go duration string ("8s",
// "1m30s") in config files.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Listen is the coordinator's HTTP listen address.
type Listen struct {
	IP   string `json:"ip" yaml:"ip"`
	Port int    `json:"port" yaml:"port"`
}

// Addr returns the address in host:port form.
func (l Listen) Addr() string {
	return fmt.Sprintf("%s:%d", l.IP, l.Port)
}

// Coordinator is where workers attach.
type Coordinator struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Worker holds settings for the worker agent.
type Worker struct {
	// Identity overrides the host name as the registry key.
	Identity  string `json:"identity" yaml:"identity"`
	StateFile string `json:"state_file" yaml:"state_file"`
	// WorkDir is the working directory of launched jobs.
	WorkDir string `json:"work_dir" yaml:"work_dir"`
}

// Backoff tunes the worker's reconnect delays.
type Backoff struct {
	InitialDelay  Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay      Duration `json:"max_delay" yaml:"max_delay"`
	JitterPercent uint64   `json:"jitter_percent" yaml:"jitter_percent"`
}

// Heartbeat tunes the liveness probes on both ends.
type Heartbeat struct {
	Interval  Duration `json:"interval" yaml:"interval"`
	MaxMissed int      `json:"max_missed" yaml:"max_missed"`
}

// Dispatch controls automatic job assignment by the coordinator.
type Dispatch struct {
	Job         *cluster.Job `json:"job" yaml:"job"`
	AutoDiscard bool         `json:"auto_discard" yaml:"auto_discard"`
}

// Config is the whole configuration file.
type Config struct {
	Listen      Listen      `json:"listen" yaml:"listen"`
	Coordinator Coordinator `json:"coordinator" yaml:"coordinator"`
	Worker      Worker      `json:"worker" yaml:"worker"`
	Backoff     Backoff     `json:"backoff" yaml:"backoff"`
	Heartbeat   Heartbeat   `json:"heartbeat" yaml:"heartbeat"`
	Dispatch    Dispatch    `json:"dispatch" yaml:"dispatch"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Listen:      Listen{IP: "0.0.0.0"},
		Coordinator: Coordinator{Host: "localhost"},
		Worker:      Worker{StateFile: filepath.Join("var", "state.json")},
		Backoff: Backoff{
			InitialDelay:  Duration(time.Second),
			MaxDelay:      Duration(30 * time.Second),
			JitterPercent: 50,
		},
		Heartbeat: Heartbeat{
			Interval:  Duration(heartbeat.DefaultInterval),
			MaxMissed: heartbeat.DefaultMaxMissed,
		},
	}
}

// Load reads the file at path over Default. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := cfg.parse(path, data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// Workers dial the port the coordinator listens on unless told otherwise.
	if cfg.Coordinator.Port == 0 {
		cfg.Coordinator.Port = cfg.Listen.Port
	}
	return cfg, nil
}

func (c *Config) parse(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("parsing json: %w", err)
		}
	}
	return nil
}

// ValidateCoordinator checks the settings the coordinator needs.
func (c *Config) ValidateCoordinator() error {
	var errs []error
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("require \"listen.port\" in the range 1-65535, got %d", c.Listen.Port))
	}
	if c.Dispatch.Job != nil && c.Dispatch.Job.Command == "" {
		errs = append(errs, errors.New("dispatch.job.command must not be empty"))
	}
	errs = append(errs, c.validateHeartbeat()...)
	return errors.Join(errs...)
}

// ValidateWorker checks the settings the worker needs.
func (c *Config) ValidateWorker() error {
	var errs []error
	if c.Coordinator.Host == "" {
		errs = append(errs, errors.New("coordinator.host must not be empty"))
	}
	if c.Coordinator.Port <= 0 || c.Coordinator.Port > 65535 {
		errs = append(errs, fmt.Errorf("coordinator.port must be in the range 1-65535, got %d", c.Coordinator.Port))
	}
	if c.Worker.StateFile == "" {
		errs = append(errs, errors.New("worker.state_file must not be empty"))
	}
	if c.Backoff.InitialDelay <= 0 {
		errs = append(errs, errors.New("backoff.initial_delay must be positive"))
	}
	if c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		errs = append(errs, errors.New("backoff.max_delay must not be below backoff.initial_delay"))
	}
	if c.Backoff.JitterPercent > 100 {
		errs = append(errs, fmt.Errorf("backoff.jitter_percent must be at most 100, got %d", c.Backoff.JitterPercent))
	}
	errs = append(errs, c.validateHeartbeat()...)
	return errors.Join(errs...)
}

func (c *Config) validateHeartbeat() []error {
	var errs []error
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Heartbeat.MaxMissed <= 0 {
		errs = append(errs, errors.New("heartbeat.max_missed must be positive"))
	}
	return errs
}
