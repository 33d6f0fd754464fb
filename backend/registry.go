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

package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bufbuild/tcplb/metrics"
	"github.com/bufbuild/tcplb/picker"
	"go.uber.org/zap"
)

// Option is an option used to customize a [Registry].
type Option interface {
	apply(*Registry)
}

// WithLogger configures the logger used to report mark-downs.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(r *Registry) {
		r.logger = logger
	})
}

// WithMetrics configures the registry to export liveness, selections and
// connection counts.
func WithMetrics(m *metrics.Metrics) Option {
	return optionFunc(func(r *Registry) {
		r.metrics = m
	})
}

// WithPicker replaces the default round-robin scheduling policy. The picker
// is only ever invoked with the registry lock held.
func WithPicker(p picker.Picker) Option {
	return optionFunc(func(r *Registry) {
		r.picker = p
	})
}

type optionFunc func(*Registry)

func (f optionFunc) apply(r *Registry) {
	f(r)
}

// Registry holds a fixed, ordered set of backends together with their
// liveness and connection counts. Backends are created once by NewRegistry
// and are never added or removed. A Registry is safe for concurrent use.
type Registry struct {
	// addresses and index are immutable after construction.
	addresses []string
	index     map[string]int
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu sync.Mutex
	// +checklocks:mu
	entries []entry
	// +checklocks:mu
	picker picker.Picker
}

type entry struct {
	alive  bool
	active int
}

// NewRegistry creates a registry for the given addresses, in order. Every
// backend starts alive with no active connections. The list must be
// non-empty and must not contain empty or duplicate addresses.
func NewRegistry(addresses []string, options ...Option) (*Registry, error) {
	if len(addresses) == 0 {
		return nil, errors.New("backend registry requires at least one address")
	}
	r := &Registry{
		addresses: make([]string, len(addresses)),
		index:     make(map[string]int, len(addresses)),
		entries:   make([]entry, len(addresses)),
		logger:    zap.NewNop(),
		picker:    picker.NewRoundRobin(),
	}
	for i, address := range addresses {
		if address == "" {
			return nil, fmt.Errorf("backend address at position %d is empty", i)
		}
		if _, dup := r.index[address]; dup {
			return nil, fmt.Errorf("duplicate backend address %q", address)
		}
		r.addresses[i] = address
		r.index[address] = i
		r.entries[i] = entry{alive: true}
	}
	for _, opt := range options {
		opt.apply(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.picker == nil {
		r.picker = picker.NewRoundRobin()
	}
	for _, address := range r.addresses {
		r.metrics.SetBackendAlive(address, true)
		r.metrics.SetActiveConnections(address, 0)
	}
	return r, nil
}

// Len returns the number of backends.
func (r *Registry) Len() int {
	return len(r.addresses)
}

// Addresses returns the backend addresses in registry order.
func (r *Registry) Addresses() []string {
	clone := make([]string, len(r.addresses))
	copy(clone, r.addresses)
	return clone
}

// Pick selects the next live backend using the registry's picker, counts a
// new active connection on it and returns a copy of its state. Scanning,
// picking and incrementing happen atomically.
//
// The returned release function ends the connection: it decrements the
// count and may be called any number of times, but only the first call has
// an effect. If every backend is dead, Pick returns ErrNoAvailableBackend
// and leaves the registry unchanged.
func (r *Registry) Pick() (Backend, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.picker.Pick(candidates(r.entries))
	if !ok {
		return Backend{}, nil, ErrNoAvailableBackend
	}
	r.entries[i].active++
	address := r.addresses[i]
	r.metrics.BackendSelected(address)
	r.metrics.SetActiveConnections(address, r.entries[i].active)
	var once sync.Once
	release := func() {
		once.Do(func() { r.release(i) })
	}
	return r.backendLocked(i), release, nil
}

func (r *Registry) release(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[i].active > 0 {
		r.entries[i].active--
	}
	r.metrics.SetActiveConnections(r.addresses[i], r.entries[i].active)
}

// MarkDown marks the backend with the given address as dead. It is used
// when forwarding to the backend fails; only the health monitor brings it
// back. Marking an already dead backend is a no-op. An unknown address
// yields a *NotFoundError.
func (r *Registry) MarkDown(address string) error {
	i, ok := r.index[address]
	if !ok {
		return &NotFoundError{Address: address}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	wasAlive := r.entries[i].alive
	r.entries[i].alive = false
	r.metrics.SetBackendAlive(address, false)
	r.metrics.BackendMarkedDown(address)
	r.logger.Warn("backend marked down",
		zap.String("backend", address),
		zap.Bool("was_alive", wasAlive),
	)
	return nil
}

// Check runs probe for the backend with the given address and stores the
// result as its new liveness. The registry lock is held while probe runs,
// which serializes health checks with scheduling decisions. The returned
// Transition carries the previous value so callers can tell a state change
// from a steady state; the new value is written either way.
func (r *Registry) Check(address string, probe func(address string) bool) (Transition, error) {
	i, ok := r.index[address]
	if !ok {
		return Transition{}, &NotFoundError{Address: address}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	transition := Transition{Address: address, WasAlive: r.entries[i].alive}
	transition.Alive = probe(address)
	r.entries[i].alive = transition.Alive
	r.metrics.SetBackendAlive(address, transition.Alive)
	return transition, nil
}

// Lookup returns a copy of the state of the backend with the given address.
func (r *Registry) Lookup(address string) (Backend, error) {
	i, ok := r.index[address]
	if !ok {
		return Backend{}, &NotFoundError{Address: address}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backendLocked(i), nil
}

// Snapshot returns a copy of every backend's state, in registry order,
// taken atomically.
func (r *Registry) Snapshot() []Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	backends := make([]Backend, len(r.entries))
	for i := range r.entries {
		backends[i] = r.backendLocked(i)
	}
	return backends
}

// +checklocks:r.mu
func (r *Registry) backendLocked(i int) Backend {
	return Backend{
		Address:           r.addresses[i],
		Alive:             r.entries[i].alive,
		ActiveConnections: r.entries[i].active,
	}
}

// candidates exposes registry entries to a picker. Only valid while the
// registry lock is held.
type candidates []entry

func (c candidates) Len() int {
	return len(c)
}

func (c candidates) Alive(i int) bool {
	return c[i].alive
}
