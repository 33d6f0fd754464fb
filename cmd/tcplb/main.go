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

// Command tcplb runs a tcplb server.
//
//	tcplb [flags] <mode> [backend ...]
//
// For example, to balance port 8080 across two backends:
//
//	tcplb load_balancer 127.0.0.1:9001 127.0.0.1:9002
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bufbuild/tcplb"
	"github.com/bufbuild/tcplb/config"
	"github.com/bufbuild/tcplb/health"
	"github.com/bufbuild/tcplb/internal/logging"
	"github.com/bufbuild/tcplb/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const metricsShutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, err := config.Parse(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 1
	}
	logger, err := logging.NewWithWriter(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New()
	server, err := tcplb.NewServer(cfg.Mode,
		tcplb.WithBackends(cfg.Backends...),
		tcplb.WithWorkers(cfg.Workers),
		tcplb.WithHealthInterval(cfg.Health.Interval.Duration()),
		tcplb.WithHealthProber(health.NewTCPProber(health.TCPProberConfig{
			DialTimeout: cfg.Health.Timeout.Duration(),
			ReadTimeout: cfg.Health.Timeout.Duration(),
		})),
		tcplb.WithReadTimeout(cfg.ReadTimeout.Duration()),
		tcplb.WithLogger(logger),
		tcplb.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	logger.Info("starting tcplb",
		zap.Stringer("mode", cfg.Mode),
		zap.String("address", cfg.Addr()),
		zap.Strings("backends", cfg.Backends),
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.ListenAndServe(ctx, cfg.Addr())
	})
	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			logger.Info("serving metrics", zap.String("address", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}
	err = group.Wait()
	logger.Info("shutting down")
	if closeErr := server.Close(); err == nil {
		err = closeErr
	}
	return err
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}
