// Package config loads gradsim server configuration.
// Order: defaults -> YAML file -> GRADSIM_* environment variables.
// Command-line flags are applied on top by the CLI.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/gradsim/internal/remote"
)

//go:embed schema.cue
var schemaCUE string

// Config contains all gradsim server settings.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// ServerConfig selects the listeners. An empty address disables that listener.
type ServerConfig struct {
	// Addr is the TCP listen address for newline-delimited JSON sessions.
	Addr string `json:"addr" yaml:"addr"`

	// WSAddr is the HTTP listen address for websocket sessions (path /ws).
	WSAddr string `json:"ws_addr" yaml:"ws_addr"`

	// MetricsAddr serves Prometheus metrics on /metrics.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
}

// SessionConfig bounds per-connection work.
type SessionConfig struct {
	InboxSize          int           `json:"inbox_size" yaml:"inbox_size"`
	MaxMessagesPerPoll int           `json:"max_messages_per_poll" yaml:"max_messages_per_poll"`
	TickInterval       time.Duration `json:"tick_interval" yaml:"tick_interval"`
	MaxStepCount       int           `json:"max_step_count" yaml:"max_step_count"`
	MaxNodeCount       int           `json:"max_node_count" yaml:"max_node_count"`
}

// StoreConfig enables SQLite recording when Path is set.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

// TelemetryConfig enables CSV timing output when CSVPath is set.
type TelemetryConfig struct {
	CSVPath string `json:"csv_path" yaml:"csv_path"`
}

// LoggingConfig sets the log verbosity: "info" (default), "debug" or "trace".
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	d := remote.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:7700",
		},
		Session: SessionConfig{
			InboxSize:          d.InboxSize,
			MaxMessagesPerPoll: d.MaxMessagesPerPoll,
			TickInterval:       d.TickInterval,
			MaxStepCount:       d.MaxStepCount,
			MaxNodeCount:       d.MaxNodeCount,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load returns defaults, overlaid with the YAML file at path (if path is not
// empty) and then with environment variables.
func Load(path string) (*Config, error) {
	config := Default()
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}
	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file on top of the
// defaults. Unknown keys are rejected.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of the defaults.
func Parse(data []byte) (*Config, error) {
	config := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	config.Store.Path = os.ExpandEnv(config.Store.Path)
	config.Telemetry.CSVPath = os.ExpandEnv(config.Telemetry.CSVPath)
	return config, nil
}

// Remote returns the session limits in the form the remote server takes.
func (c *Config) Remote() remote.Config {
	return remote.Config{
		InboxSize:          c.Session.InboxSize,
		MaxMessagesPerPoll: c.Session.MaxMessagesPerPoll,
		TickInterval:       c.Session.TickInterval,
		MaxStepCount:       c.Session.MaxStepCount,
		MaxNodeCount:       c.Session.MaxNodeCount,
	}
}

// ValidationError describes one rejected setting.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every rejected setting.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks c against the embedded CUE schema plus the cross-field
// rules CUE does not express. Returns all problems found (does not fail-fast)
// as ValidationErrors, or nil.
func (c *Config) Validate() error {
	var errs ValidationErrors

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.Unify(ctx.Encode(c.view()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		for _, e := range cueerrors.Errors(err) {
			format, args := e.Msg()
			path := e.Path()
			if len(path) > 0 && path[0] == "#Config" {
				path = path[1:]
			}
			errs = append(errs, ValidationError{
				Field:   strings.Join(path, "."),
				Message: fmt.Sprintf(format, args...),
			})
		}
	}

	if c.Server.Addr == "" && c.Server.WSAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "server",
			Message: "at least one of addr or ws_addr must be set",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// view is the value checked against the schema: durations as nanoseconds,
// keys as in YAML.
func (c *Config) view() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"addr":         c.Server.Addr,
			"ws_addr":      c.Server.WSAddr,
			"metrics_addr": c.Server.MetricsAddr,
		},
		"session": map[string]any{
			"inbox_size":            c.Session.InboxSize,
			"max_messages_per_poll": c.Session.MaxMessagesPerPoll,
			"tick_interval_ns":      c.Session.TickInterval.Nanoseconds(),
			"max_step_count":        c.Session.MaxStepCount,
			"max_node_count":        c.Session.MaxNodeCount,
		},
		"store":     map[string]any{"path": c.Store.Path},
		"telemetry": map[string]any{"csv_path": c.Telemetry.CSVPath},
		"logging":   map[string]any{"level": c.Logging.Level},
	}
}

// applyEnvOverrides applies GRADSIM_* environment variables to the config.
// Numeric and duration variables that fail to parse are reported.
func applyEnvOverrides(config *Config) error {
	if v := os.Getenv("GRADSIM_ADDR"); v != "" {
		config.Server.Addr = v
	}
	if v := os.Getenv("GRADSIM_WS_ADDR"); v != "" {
		config.Server.WSAddr = v
	}
	if v := os.Getenv("GRADSIM_METRICS_ADDR"); v != "" {
		config.Server.MetricsAddr = v
	}
	if v := os.Getenv("GRADSIM_DB"); v != "" {
		config.Store.Path = v
	}
	if v := os.Getenv("GRADSIM_TIMING_CSV"); v != "" {
		config.Telemetry.CSVPath = v
	}
	if v := os.Getenv("GRADSIM_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"GRADSIM_INBOX_SIZE", &config.Session.InboxSize},
		{"GRADSIM_MAX_MESSAGES_PER_POLL", &config.Session.MaxMessagesPerPoll},
		{"GRADSIM_MAX_STEP_COUNT", &config.Session.MaxStepCount},
		{"GRADSIM_MAX_NODE_COUNT", &config.Session.MaxNodeCount},
	}
	for _, iv := range ints {
		if v := os.Getenv(iv.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", iv.name, err)
			}
			*iv.dst = n
		}
	}

	if v := os.Getenv("GRADSIM_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GRADSIM_TICK_INTERVAL: %w", err)
		}
		config.Session.TickInterval = d
	}
	return nil
}
