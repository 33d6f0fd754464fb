// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config builds the startup configuration of the tcplb binary from
// command-line arguments, environment variables and an optional YAML file.
//
// Explicit flags win over environment variables, which win over the file,
// which wins over the built-in defaults. The positional arguments
// "<mode> [backend ...]" override the file's mode and backends.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bufbuild/tcplb"
	"github.com/bufbuild/tcplb/internal/logging"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Parse.
const (
	EnvLogLevel  = "TCPLB_LOG_LEVEL"
	EnvLogFormat = "TCPLB_LOG_FORMAT"
	EnvConfig    = "TCPLB_CONFIG"
)

// ErrUsage is wrapped by every error caused by invalid arguments or
// configuration values. Callers should print Usage and exit with status 1.
var ErrUsage = errors.New("invalid usage")

// Config is the complete startup configuration.
type Config struct {
	Mode        tcplb.Mode   `yaml:"-"`
	Port        int          `yaml:"port"`
	Backends    []string     `yaml:"backends"`
	Workers     int          `yaml:"workers"`
	Health      HealthConfig `yaml:"health"`
	ReadTimeout Duration     `yaml:"readTimeout"`
	MetricsAddr string       `yaml:"metricsAddr"`
	Log         LogConfig    `yaml:"log"`
}

// HealthConfig configures backend health checking.
type HealthConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is specified. Its
// mode is basic.
func Default() *Config {
	return &Config{
		Mode:        tcplb.ModeBasic,
		Port:        8080,
		Workers:     tcplb.DefaultWorkers,
		ReadTimeout: Duration(tcplb.DefaultReadTimeout),
		Health: HealthConfig{
			Interval: Duration(5 * time.Second),
			Timeout:  Duration(2 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
	}
}

// Addr returns the address the server listens on.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Validate reports the first invalid value, wrapped in ErrUsage.
func (c *Config) Validate() error {
	if _, err := c.Mode.MarshalText(); err != nil {
		return usageError("%v", err)
	}
	if c.Mode == tcplb.ModeLoadBalancer && len(c.Backends) == 0 {
		return usageError("load_balancer mode requires at least one backend address")
	}
	for _, address := range c.Backends {
		if !strings.Contains(address, ":") {
			return usageError("backend address %q must be host:port", address)
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return usageError("port %d out of range", c.Port)
	}
	if c.Workers < 1 {
		return usageError("workers must be at least 1, got %d", c.Workers)
	}
	if c.Health.Interval <= 0 {
		return usageError("health interval must be positive")
	}
	if c.Health.Timeout <= 0 {
		return usageError("health timeout must be positive")
	}
	if c.ReadTimeout < 0 {
		return usageError("read timeout must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return usageError("%v", err)
	}
	switch c.Log.Format {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		return usageError("log format %q must be %s or %s", c.Log.Format, logging.FormatConsole, logging.FormatJSON)
	}
	return nil
}

// Parse builds the configuration from args, which exclude the program
// name. On a usage error, the error and the usage message are written to
// output. With -h or -help, the returned error wraps flag.ErrHelp.
func Parse(args []string, output io.Writer) (*Config, error) {
	return parse(args, output, os.Getenv)
}

// Load reads a YAML configuration file on top of the defaults. The mode
// key is optional; without it the mode is basic.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Usage writes the usage message, including every flag and its default.
func Usage(w io.Writer) {
	fs, _ := newFlagSet(w, os.Getenv)
	fs.Usage()
}

type flagValues struct {
	config         string
	port           int
	workers        int
	healthInterval time.Duration
	healthTimeout  time.Duration
	readTimeout    time.Duration
	metricsAddr    string
	logLevel       string
	logFormat      string
}

func newFlagSet(output io.Writer, getenv func(string) string) (*flag.FlagSet, *flagValues) {
	defaults := Default()
	values := &flagValues{}
	fs := flag.NewFlagSet("tcplb", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&values.config, "config", getenv(EnvConfig),
		"Path to a YAML configuration file (env "+EnvConfig+")")
	fs.IntVar(&values.port, "port", defaults.Port, "TCP port to listen on")
	fs.IntVar(&values.workers, "workers", defaults.Workers,
		"Worker pool size for thread_pool and load_balancer modes")
	fs.DurationVar(&values.healthInterval, "health-interval", defaults.Health.Interval.Duration(),
		"How often every backend is health checked")
	fs.DurationVar(&values.healthTimeout, "health-timeout", defaults.Health.Timeout.Duration(),
		"Connect and read timeout of a single health check")
	fs.DurationVar(&values.readTimeout, "read-timeout", defaults.ReadTimeout.Duration(),
		"How long a client may take to send its request (0 disables)")
	fs.StringVar(&values.metricsAddr, "metrics-addr", "",
		"Address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
	fs.StringVar(&values.logLevel, "log-level", defaults.Log.Level,
		"Log level: debug, info, warn, error (env "+EnvLogLevel+")")
	fs.StringVar(&values.logFormat, "log-format", defaults.Log.Format,
		"Log format: console, json (env "+EnvLogFormat+")")
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage: tcplb [flags] <mode> [backend ...]\n\n")
		fmt.Fprintf(out, "Modes: %s\n", strings.Join(tcplb.ModeNames(), ", "))
		fmt.Fprintf(out, "load_balancer mode requires at least one backend address (host:port).\n\n")
		fmt.Fprintf(out, "Flags:\n")
		fs.PrintDefaults()
	}
	return fs, values
}

func parse(args []string, output io.Writer, getenv func(string) string) (*Config, error) {
	fs, values := newFlagSet(output, getenv)
	if err := fs.Parse(args); err != nil {
		// The flag set already reported the problem and printed usage.
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}
	cfg, err := build(fs, values, getenv)
	if err != nil {
		fmt.Fprintln(output, err)
		fs.Usage()
		return nil, err
	}
	return cfg, nil
}

func build(fs *flag.FlagSet, values *flagValues, getenv func(string) string) (*Config, error) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	cfg := Default()
	modeSet := false
	if values.config != "" {
		var err error
		if modeSet, err = loadFile(values.config, cfg); err != nil {
			return nil, err
		}
	}

	if level := getenv(EnvLogLevel); level != "" {
		cfg.Log.Level = level
	}
	if format := getenv(EnvLogFormat); format != "" {
		cfg.Log.Format = format
	}
	if set["port"] {
		cfg.Port = values.port
	}
	if set["workers"] {
		cfg.Workers = values.workers
	}
	if set["health-interval"] {
		cfg.Health.Interval = Duration(values.healthInterval)
	}
	if set["health-timeout"] {
		cfg.Health.Timeout = Duration(values.healthTimeout)
	}
	if set["read-timeout"] {
		cfg.ReadTimeout = Duration(values.readTimeout)
	}
	if set["metrics-addr"] {
		cfg.MetricsAddr = values.metricsAddr
	}
	if set["log-level"] {
		cfg.Log.Level = values.logLevel
	}
	if set["log-format"] {
		cfg.Log.Format = values.logFormat
	}

	if positional := fs.Args(); len(positional) > 0 {
		mode, err := tcplb.ParseMode(positional[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUsage, err)
		}
		cfg.Mode = mode
		modeSet = true
		if len(positional) > 1 {
			cfg.Backends = positional[1:]
		}
	}
	if !modeSet {
		return nil, usageError("no mode specified")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// document is the on-disk form of Config. The mode is a pointer so that a
// file without one can be told apart from one selecting basic mode.
type document struct {
	Config `yaml:",inline"`
	Mode   *tcplb.Mode `yaml:"mode"`
}

// loadFile overlays the YAML file at path onto cfg and reports whether it
// set the mode.
func loadFile(path string, cfg *Config) (bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return false, fmt.Errorf("%w: failed to read config file %s: %w", ErrUsage, path, err)
	}
	doc := document{Config: *cfg}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("%w: failed to parse config file %s: %w", ErrUsage, path, err)
	}
	*cfg = doc.Config
	if doc.Mode == nil {
		return false, nil
	}
	cfg.Mode = *doc.Mode
	return true, nil
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}
