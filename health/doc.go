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

// Package health provides out-of-band health checking of backends.
//
// This package defines the [Prober] interface, which performs a single-shot
// check against one backend address, and the [Monitor], which runs a
// background loop that periodically probes every backend of a registry and
// writes the results back into it. The default prober, [NewTCPProber],
// opens a fresh TCP connection for every check, sends a minimal HTTP
// request and looks for "200 OK" in a bounded amount of response.
//
// Sweeps are sequential and each probe runs with the registry locked. That
// keeps scheduling decisions and liveness updates strictly ordered at the
// cost of blocking request selection for the duration of a probe, so
// probe timeouts should stay small.
package health
