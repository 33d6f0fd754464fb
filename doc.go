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

// Package tcplb implements a small HTTP-aware TCP server that can either
// answer requests itself or act as a round-robin load balancer in front of
// a fixed set of backends.
//
// A [Server] runs in one of four modes, selected with [ParseMode]:
//
//   - basic: connections are handled one at a time on the accept loop.
//   - multi_thread: every connection gets its own goroutine.
//   - thread_pool: connections are queued onto a fixed-size worker pool.
//   - load_balancer: like thread_pool, but each request is forwarded to
//     the next live backend and the backend's response is relayed back.
//
// In the first three modes the server answers "/" with a welcome page,
// "/health" with "OK" and everything else with a 404.
//
// # Load Balancing
//
// Backends are given once, with [WithBackends], and never change. They are
// selected in strict rotation, skipping the ones currently considered dead.
// A backend is considered dead as soon as a request to it fails at the
// transport level. It comes back only when the background health monitor
// sees it answer "GET /health" with "200 OK"; the monitor probes every
// backend every five seconds by default, see [WithHealthInterval].
//
// A failed request is never retried on another backend. If no backend is
// alive, or the chosen one cannot be reached, the client receives
// "503 Service Unavailable".
//
// # Shutdown
//
// [Server.Serve] returns when its context is cancelled. [Server.Close]
// then waits for the connections already accepted to be served and stops
// the health monitor:
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	server, err := tcplb.NewServer(tcplb.ModeLoadBalancer,
//	    tcplb.WithBackends("10.0.0.1:9000", "10.0.0.2:9000"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer server.Close()
//	return server.ListenAndServe(ctx, ":8080")
package tcplb
