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

// Package metrics exposes Prometheus instrumentation for the load balancer.
//
// All methods of [*Metrics] may be called on a nil receiver, in which case
// they do nothing. Components therefore accept an optional *Metrics and
// call it unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tcplb"

// Request outcomes recorded by [Metrics.Request].
const (
	OutcomeForwarded   = "forwarded"
	OutcomeNoBackend   = "no_backend"
	OutcomeConnectFail = "connect_failed"
	OutcomeTransport   = "transport_failed"
	OutcomeLocal       = "local"
	OutcomeBadRequest  = "bad_request"
)

// Metrics holds every collector and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	backendUp          *prometheus.GaugeVec
	activeConnections  *prometheus.GaugeVec
	selections         *prometheus.CounterVec
	markDowns          *prometheus.CounterVec
	healthChecks       *prometheus.CounterVec
	healthCheckSeconds *prometheus.HistogramVec
	requests           *prometheus.CounterVec
	relayedBytes       prometheus.Counter
	pendingJobs        prometheus.Gauge
	jobs               *prometheus.CounterVec
	acceptErrors       prometheus.Counter
}

// New creates a Metrics instance backed by its own registry, which also
// carries the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "Backend liveness as seen by the registry (1=alive, 0=dead)",
		}, []string{"backend"}),
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_active_connections",
			Help:      "Requests currently routed to the backend",
		}, []string{"backend"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_selections_total",
			Help:      "Times the scheduler selected the backend",
		}, []string{"backend"}),
		markDowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_mark_downs_total",
			Help:      "Times the backend was marked down after a forwarding failure",
		}, []string{"backend"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Health probes by result",
		}, []string{"backend", "result"}),
		healthCheckSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_check_duration_seconds",
			Help:      "Duration of a single health probe",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Client requests by outcome",
		}, []string{"outcome"}),
		relayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Response bytes relayed from backends to clients",
		}),
		pendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workerpool_pending_jobs",
			Help:      "Jobs waiting in the worker pool queue",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workerpool_jobs_total",
			Help:      "Jobs handled by the worker pool by result",
		}, []string{"result"}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Errors returned by the listener's Accept",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.backendUp,
		m.activeConnections,
		m.selections,
		m.markDowns,
		m.healthChecks,
		m.healthCheckSeconds,
		m.requests,
		m.relayedBytes,
		m.pendingJobs,
		m.jobs,
		m.acceptErrors,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetBackendAlive records the registry's liveness for a backend.
func (m *Metrics) SetBackendAlive(backend string, alive bool) {
	if m == nil {
		return
	}
	value := 0.0
	if alive {
		value = 1
	}
	m.backendUp.WithLabelValues(backend).Set(value)
}

// SetActiveConnections records the current connection count of a backend.
func (m *Metrics) SetActiveConnections(backend string, n int) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(backend).Set(float64(n))
}

// BackendSelected counts a scheduler selection.
func (m *Metrics) BackendSelected(backend string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(backend).Inc()
}

// BackendMarkedDown counts a mark-down caused by a forwarding failure.
func (m *Metrics) BackendMarkedDown(backend string) {
	if m == nil {
		return
	}
	m.markDowns.WithLabelValues(backend).Inc()
}

// HealthCheck records the result and duration of one probe.
func (m *Metrics) HealthCheck(backend string, healthy bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	m.healthChecks.WithLabelValues(backend, result).Inc()
	m.healthCheckSeconds.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// Request counts a finished client request.
func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// BytesRelayed adds n to the relayed byte counter.
func (m *Metrics) BytesRelayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.relayedBytes.Add(float64(n))
}

// SetPendingJobs records the worker pool queue depth.
func (m *Metrics) SetPendingJobs(n int) {
	if m == nil {
		return
	}
	m.pendingJobs.Set(float64(n))
}

// JobDone counts a job executed by the worker pool. A job that panicked
// is recorded with panicked set.
func (m *Metrics) JobDone(panicked bool) {
	if m == nil {
		return
	}
	result := "completed"
	if panicked {
		result = "panicked"
	}
	m.jobs.WithLabelValues(result).Inc()
}

// JobDropped counts a job rejected because the pool was shut down.
func (m *Metrics) JobDropped() {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues("dropped").Inc()
}

// AcceptError counts a failed Accept call.
func (m *Metrics) AcceptError() {
	if m == nil {
		return
	}
	m.acceptErrors.Inc()
}
