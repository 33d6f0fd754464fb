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

package tcplb

import (
	"fmt"
	"strings"
)

// Mode selects how a [Server] handles connections.
type Mode int

const (
	// ModeBasic handles each connection on the accept loop.
	ModeBasic Mode = iota
	// ModeMultiThread handles each connection on its own goroutine.
	ModeMultiThread
	// ModeThreadPool queues connections onto a fixed-size worker pool.
	ModeThreadPool
	// ModeLoadBalancer queues connections onto a worker pool and forwards
	// their requests to backends.
	ModeLoadBalancer
)

//nolint:gochecknoglobals
var modeNames = [...]string{
	ModeBasic:        "basic",
	ModeMultiThread:  "multi_thread",
	ModeThreadPool:   "thread_pool",
	ModeLoadBalancer: "load_balancer",
}

// ParseMode returns the mode with the given name: one of "basic",
// "multi_thread", "thread_pool" or "load_balancer".
func ParseMode(name string) (Mode, error) {
	for mode, modeName := range modeNames {
		if name == modeName {
			return Mode(mode), nil
		}
	}
	return 0, fmt.Errorf("invalid mode %q: use one of %s", name, strings.Join(modeNames[:], ", "))
}

// String returns the name accepted by ParseMode.
func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ModeNames returns the names of all modes, in order.
func ModeNames() []string {
	return append([]string(nil), modeNames[:]...)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if m < 0 || int(m) >= len(modeNames) {
		return nil, fmt.Errorf("invalid mode %d", int(m))
	}
	return []byte(modeNames[m]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using ParseMode.
func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
