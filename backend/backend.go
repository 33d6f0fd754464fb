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

// Package backend provides the registry of backend servers that a load
// balancer forwards requests to.
//
// The [Registry] is the single source of truth for backend liveness. It is
// shared by the request path (which selects backends and reports forwarding
// failures) and the health monitor (which probes backends in the
// background). Every operation that reads and then writes registry state
// runs under one mutex, so no two goroutines can both observe the same
// backend as alive and then race on its connection count.
package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAvailableBackend is returned by [Registry.Pick] when every backend
	// is currently dead.
	ErrNoAvailableBackend = errors.New("unavailable: no live backends")

	// ErrNotFound is matched (via errors.Is) by every *NotFoundError.
	ErrNotFound = errors.New("backend not found")
)

// Backend is a point-in-time copy of a registry entry.
type Backend struct {
	// Address is the host:port of the backend. It identifies the backend
	// within a registry and never changes.
	Address string
	// Alive is the registry's belief about whether the backend can serve
	// traffic.
	Alive bool
	// ActiveConnections is the number of requests currently routed to the
	// backend. It is never negative.
	ActiveConnections int
}

func (b Backend) String() string {
	state := "dead"
	if b.Alive {
		state = "alive"
	}
	return fmt.Sprintf("backend[addr: %s, state: %s, conns: %d]", b.Address, state, b.ActiveConnections)
}

// NotFoundError reports an operation on an address that is not part of the
// registry. Callers handling a request should log it and carry on.
type NotFoundError struct {
	Address string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("backend %q not found", e.Address)
}

// Is makes errors.Is(err, ErrNotFound) true for any *NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Transition describes the liveness of a backend before and after a health
// check.
type Transition struct {
	Address  string
	WasAlive bool
	Alive    bool
}

// Changed reports whether the check flipped the backend's liveness.
func (t Transition) Changed() bool {
	return t.WasAlive != t.Alive
}
