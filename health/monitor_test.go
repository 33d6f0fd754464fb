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

package health_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/tcplb/backend"
	"github.com/bufbuild/tcplb/health"
	"github.com/bufbuild/tcplb/internal/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeProber answers probes from a mutable table and reports every probed
// address on a channel.
type fakeProber struct {
	mu     sync.Mutex
	states map[string]health.State
	probed chan string
}

func newFakeProber(states map[string]health.State) *fakeProber {
	return &fakeProber{states: states, probed: make(chan string, 64)}
}

func (f *fakeProber) set(address string, state health.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[address] = state
}

func (f *fakeProber) Probe(_ context.Context, address string) health.State {
	f.mu.Lock()
	state := f.states[address]
	f.mu.Unlock()
	f.probed <- address
	return state
}

func (f *fakeProber) awaitProbes(ctx context.Context, t *testing.T, want ...string) {
	t.Helper()
	for _, address := range want {
		select {
		case got := <-f.probed:
			assert.Equal(t, address, got)
		case <-ctx.Done():
			t.Fatalf("backend %s was not probed in time", address)
		}
	}
}

func TestSweepUpdatesRegistry(t *testing.T) {
	t.Parallel()
	registry, err := backend.NewRegistry([]string{"a:1", "b:2", "c:3"})
	require.NoError(t, err)
	prober := newFakeProber(map[string]health.State{
		"a:1": health.StateHealthy,
		"b:2": health.StateUnhealthy,
		"c:3": health.StateUnknown,
	})
	monitor := health.NewMonitor(registry, prober)

	monitor.Sweep(context.Background())

	assert.Len(t, prober.probed, 3)
	snapshot := registry.Snapshot()
	assert.True(t, snapshot[0].Alive)
	assert.False(t, snapshot[1].Alive)
	assert.False(t, snapshot[2].Alive)
}

func TestSweepLogsTransitionsOnly(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.InfoLevel)
	registry, err := backend.NewRegistry([]string{"a:1", "b:2"})
	require.NoError(t, err)
	prober := newFakeProber(map[string]health.State{
		"a:1": health.StateHealthy,
		"b:2": health.StateHealthy,
	})
	monitor := health.NewMonitor(registry, prober, health.WithLogger(zap.New(core)))
	ctx := context.Background()

	// Repeated passes on alive backends are not transitions.
	monitor.Sweep(ctx)
	monitor.Sweep(ctx)
	assert.Zero(t, logs.Len())

	prober.set("b:2", health.StateUnhealthy)
	monitor.Sweep(ctx)
	monitor.Sweep(ctx)
	down := logs.FilterMessage("backend is down").All()
	require.Len(t, down, 1)
	assert.Equal(t, "b:2", down[0].ContextMap()["backend"])
	assert.Equal(t, zap.WarnLevel, down[0].Level)

	prober.set("b:2", health.StateHealthy)
	monitor.Sweep(ctx)
	monitor.Sweep(ctx)
	up := logs.FilterMessage("backend is up").All()
	require.Len(t, up, 1)
	assert.Equal(t, "b:2", up[0].ContextMap()["backend"])
	assert.Equal(t, 2, logs.Len())
}

func TestSweepRestoresMarkedDownBackend(t *testing.T) {
	t.Parallel()
	registry, err := backend.NewRegistry([]string{"a:1"})
	require.NoError(t, err)
	require.NoError(t, registry.MarkDown("a:1"))
	_, _, err = registry.Pick()
	require.ErrorIs(t, err, backend.ErrNoAvailableBackend)

	monitor := health.NewMonitor(registry, newFakeProber(map[string]health.State{"a:1": health.StateHealthy}))
	monitor.Sweep(context.Background())

	b, _, err := registry.Pick()
	require.NoError(t, err)
	assert.Equal(t, "a:1", b.Address)
}

func TestMonitorRunsOnInterval(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	interval := 5 * time.Second
	testClock := clocktest.NewFakeClock()
	registry, err := backend.NewRegistry([]string{"a:1", "b:2"})
	require.NoError(t, err)
	prober := newFakeProber(map[string]health.State{
		"a:1": health.StateHealthy,
		"b:2": health.StateUnhealthy,
	})
	monitor := health.NewMonitor(registry, prober, health.WithInterval(interval))
	health.SetMonitorClock(monitor, testClock)
	monitor.Start()
	t.Cleanup(monitor.Stop)

	// Nothing happens before the first interval elapses.
	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	assert.Empty(t, prober.probed)

	testClock.Advance(interval)
	prober.awaitProbes(ctx, t, "a:1", "b:2")
	// Snapshot takes the registry lock, so it observes the completed sweep.
	snapshot := registry.Snapshot()
	assert.True(t, snapshot[0].Alive)
	assert.False(t, snapshot[1].Alive)

	prober.set("b:2", health.StateHealthy)
	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	testClock.Advance(interval)
	prober.awaitProbes(ctx, t, "a:1", "b:2")
	snapshot = registry.Snapshot()
	assert.True(t, snapshot[1].Alive)
}

func TestMonitorStartStopIdempotent(t *testing.T) {
	t.Parallel()
	registry, err := backend.NewRegistry([]string{"a:1"})
	require.NoError(t, err)
	monitor := health.NewMonitor(registry, newFakeProber(map[string]health.State{}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		monitor.Start()
		monitor.Start()
		monitor.Stop()
		monitor.Stop()
		// Stopped monitors cannot be restarted.
		monitor.Start()
		monitor.Stop()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("start/stop did not return")
	}

	unstarted := health.NewMonitor(registry, newFakeProber(map[string]health.State{}))
	unstarted.Stop()
	unstarted.Stop()
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "healthy", health.StateHealthy.String())
	assert.Equal(t, "unhealthy", health.StateUnhealthy.String())
	assert.Equal(t, "unknown", health.StateUnknown.String())
	assert.Equal(t, "State(9)", health.State(9).String())
}
