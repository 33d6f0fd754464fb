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

package config_test

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bufbuild/tcplb"
	"github.com/bufbuild/tcplb/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tcplb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.ParseWithEnv([]string{"basic"}, &bytes.Buffer{}, nil)
	require.NoError(t, err)
	assert.Equal(t, tcplb.ModeBasic, cfg.Mode)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 10, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.Health.Interval.Duration())
	assert.Equal(t, 2*time.Second, cfg.Health.Timeout.Duration())
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout.Duration())
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Empty(t, cfg.Backends)
}

func TestParseLoadBalancer(t *testing.T) {
	t.Parallel()
	cfg, err := config.ParseWithEnv(
		[]string{"-port", "9000", "-workers", "4", "-health-interval", "1s", "load_balancer", "127.0.0.1:8001", "127.0.0.1:8002"},
		&bytes.Buffer{}, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, tcplb.ModeLoadBalancer, cfg.Mode)
	assert.Equal(t, []string{"127.0.0.1:8001", "127.0.0.1:8002"}, cfg.Backends)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, time.Second, cfg.Health.Interval.Duration())
}

func TestParseUsageErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "no mode", args: nil, want: "no mode specified"},
		{name: "unknown mode", args: []string{"fast"}, want: `invalid mode "fast"`},
		{name: "balancer without backends", args: []string{"load_balancer"}, want: "at least one backend"},
		{name: "backend without port", args: []string{"load_balancer", "localhost"}, want: "host:port"},
		{name: "bad port", args: []string{"-port", "70000", "basic"}, want: "out of range"},
		{name: "no workers", args: []string{"-workers", "0", "thread_pool"}, want: "at least 1"},
		{name: "bad log level", args: []string{"-log-level", "loud", "basic"}, want: "loud"},
		{name: "bad log format", args: []string{"-log-format", "xml", "basic"}, want: "xml"},
		{name: "unknown flag", args: []string{"-nope", "basic"}, want: "nope"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			var output bytes.Buffer
			_, err := config.ParseWithEnv(test.args, &output, nil)
			require.ErrorIs(t, err, config.ErrUsage)
			assert.ErrorContains(t, err, test.want)
			assert.Contains(t, output.String(), "Usage: tcplb [flags] <mode> [backend ...]")
		})
	}
}

func TestParseHelp(t *testing.T) {
	t.Parallel()
	var output bytes.Buffer
	_, err := config.ParseWithEnv([]string{"-h"}, &output, nil)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, output.String(), "basic, multi_thread, thread_pool, load_balancer")
	assert.Contains(t, output.String(), "-health-interval")
}

func TestParseEnvironment(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		config.EnvLogLevel:  "debug",
		config.EnvLogFormat: "json",
	}
	cfg, err := config.ParseWithEnv([]string{"basic"}, &bytes.Buffer{}, env)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Explicit flags win over the environment.
	cfg, err = config.ParseWithEnv([]string{"-log-level", "warn", "basic"}, &bytes.Buffer{}, env)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestParseConfigFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, `
mode: load_balancer
port: 9090
backends:
  - 10.0.0.1:80
  - 10.0.0.2:80
workers: 3
health:
  interval: 250ms
  timeout: 1s
readTimeout: 10s
metricsAddr: ":9100"
log:
  level: warn
  format: json
`)
	cfg, err := config.ParseWithEnv([]string{"-config", path}, &bytes.Buffer{}, nil)
	require.NoError(t, err)
	assert.Equal(t, tcplb.ModeLoadBalancer, cfg.Mode)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, []string{"10.0.0.1:80", "10.0.0.2:80"}, cfg.Backends)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Health.Interval.Duration())
	assert.Equal(t, time.Second, cfg.Health.Timeout.Duration())
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout.Duration())
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Flags and positional arguments win over the file.
	cfg, err = config.ParseWithEnv(
		[]string{"-config", path, "-port", "7000", "load_balancer", "10.0.0.9:80"},
		&bytes.Buffer{}, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, []string{"10.0.0.9:80"}, cfg.Backends)
	assert.Equal(t, 3, cfg.Workers)

	// The file can also be named by the environment.
	cfg, err = config.ParseWithEnv(nil, &bytes.Buffer{}, map[string]string{config.EnvConfig: path})
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
}

func TestParseConfigFileErrors(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown key":  "mode: basic\nlisten: 80\n",
		"bad mode":     "mode: turbo\n",
		"bad duration": "mode: basic\nhealth:\n  interval: soon\n",
	}
	for name, contents := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := config.ParseWithEnv([]string{"-config", writeFile(t, contents)}, &bytes.Buffer{}, nil)
			assert.ErrorIs(t, err, config.ErrUsage)
		})
	}
	_, err := config.ParseWithEnv([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml"), "basic"}, &bytes.Buffer{}, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadWithoutMode(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(writeFile(t, "port: 8181\n"))
	require.NoError(t, err)
	assert.Equal(t, tcplb.ModeBasic, cfg.Mode)
	assert.Equal(t, 8181, cfg.Port)

	cfg, err = config.Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}

func TestUsage(t *testing.T) {
	t.Parallel()
	var output bytes.Buffer
	config.Usage(&output)
	assert.Contains(t, output.String(), "Usage: tcplb [flags] <mode> [backend ...]")
	assert.Contains(t, output.String(), "-metrics-addr")
}
