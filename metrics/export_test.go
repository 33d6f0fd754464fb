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

package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Metrics) BackendUpGauge(backend string) prometheus.Gauge {
	return m.backendUp.WithLabelValues(backend)
}

func (m *Metrics) ActiveConnectionsGauge(backend string) prometheus.Gauge {
	return m.activeConnections.WithLabelValues(backend)
}

func (m *Metrics) SelectionsCounter(backend string) prometheus.Counter {
	return m.selections.WithLabelValues(backend)
}

func (m *Metrics) MarkDownsCounter(backend string) prometheus.Counter {
	return m.markDowns.WithLabelValues(backend)
}

func (m *Metrics) RequestsCounter(outcome string) prometheus.Counter {
	return m.requests.WithLabelValues(outcome)
}

func (m *Metrics) JobsCounter(result string) prometheus.Counter {
	return m.jobs.WithLabelValues(result)
}
