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

// Package picker provides the scheduling algorithm used to choose a backend
// for each client request.
//
// This package defines the core interface, [Picker], which selects a single
// index from a set of [Candidates]. A picker only ever looks at whether a
// candidate is alive; it knows nothing about addresses or connection counts.
// The [github.com/bufbuild/tcplb/backend] registry owns the candidates and
// calls its picker while holding the registry lock, so pickers themselves
// do not need to be safe for concurrent use.
//
// The only implementation is [NewRoundRobin], which cycles through the
// candidates in fixed order and skips dead ones. Weighted and
// least-connections policies are not provided.
package picker
