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

package health

import (
	"context"
	"sync"
	"time"

	"github.com/bufbuild/tcplb/backend"
	"github.com/bufbuild/tcplb/internal"
	"github.com/bufbuild/tcplb/metrics"
	"go.uber.org/zap"
)

// DefaultInterval is the time between two sweeps when no WithInterval
// option is given.
const DefaultInterval = 5 * time.Second

// Target is the part of a [backend.Registry] a Monitor needs.
type Target interface {
	// Addresses returns every backend address, in order.
	Addresses() []string
	// Check runs probe for one backend with the registry locked and stores
	// its result as the backend's liveness.
	Check(address string, probe func(address string) bool) (backend.Transition, error)
}

// MonitorOption is an option used to customize a [Monitor].
type MonitorOption interface {
	apply(*Monitor)
}

// WithInterval configures the time between sweeps. Non-positive values
// are ignored.
func WithInterval(interval time.Duration) MonitorOption {
	return monitorOptionFunc(func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	})
}

// WithLogger configures the logger used to report liveness transitions.
func WithLogger(logger *zap.Logger) MonitorOption {
	return monitorOptionFunc(func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	})
}

// WithMetrics configures the monitor to record probe results.
func WithMetrics(metrics *metrics.Metrics) MonitorOption {
	return monitorOptionFunc(func(m *Monitor) {
		m.metrics = metrics
	})
}

type monitorOptionFunc func(*Monitor)

func (f monitorOptionFunc) apply(m *Monitor) {
	f(m)
}

type monitorState int

const (
	monitorIdle monitorState = iota
	monitorRunning
	monitorStopped
)

// Monitor periodically probes every backend of a Target in a single
// background goroutine.
type Monitor struct {
	target   Target
	prober   Prober
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	state  monitorState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor for the given target. The monitor does
// nothing until Start is called.
func NewMonitor(target Target, prober Prober, options ...MonitorOption) *Monitor {
	m := &Monitor{
		target:   target,
		prober:   prober,
		interval: DefaultInterval,
		logger:   zap.NewNop(),
		clock:    internal.NewRealClock(),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt.apply(m)
	}
	return m
}

// Start launches the background loop. The first sweep happens one interval
// after Start. Calling Start again, or after Stop, does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != monitorIdle {
		return
	}
	m.state = monitorRunning
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.run(ctx)
}

// Stop ends the background loop and waits for an in-progress sweep to
// return. It is safe to call more than once and before Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	state := m.state
	m.state = monitorStopped
	m.mu.Unlock()
	if state != monitorRunning {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every backend once, one after the other. A failing backend
// is marked dead and the sweep moves on to the next one. Sweep returns
// early if ctx is cancelled.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, address := range m.target.Addresses() {
		if ctx.Err() != nil {
			return
		}
		m.check(ctx, address)
	}
}

func (m *Monitor) check(ctx context.Context, address string) {
	start := m.clock.Now()
	var result State
	transition, err := m.target.Check(address, func(address string) bool {
		result = m.prober.Probe(ctx, address)
		return result == StateHealthy
	})
	if err != nil {
		m.logger.Error("health check failed", zap.String("backend", address), zap.Error(err))
		return
	}
	if ctx.Err() != nil {
		// Probe was cut short by Stop; its result says nothing about the backend.
		return
	}
	m.metrics.HealthCheck(address, transition.Alive, m.clock.Since(start))
	switch {
	case transition.WasAlive && !transition.Alive:
		m.logger.Warn("backend is down", zap.String("backend", address), zap.Stringer("result", result))
	case !transition.WasAlive && transition.Alive:
		m.logger.Info("backend is up", zap.String("backend", address))
	default:
		m.logger.Debug("backend health unchanged",
			zap.String("backend", address),
			zap.Bool("alive", transition.Alive),
		)
	}
}
