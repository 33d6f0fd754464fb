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

package picker

// RoundRobin picks candidates in strict circular order, skipping those that
// are not alive. A backend that recovers is neither favored nor penalized
// beyond its position in the cycle.
type RoundRobin struct {
	next int
}

// NewRoundRobin returns a round-robin picker whose cursor starts at the
// first candidate.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Pick scans at most candidates.Len() entries starting at the cursor. The
// cursor advances on every step, alive or not, so the starting point of the
// next call always differs from this one and a dead candidate can never pin
// the cursor in place. When nothing is alive the cursor completes a full
// cycle and ends up where it started.
func (r *RoundRobin) Pick(candidates Candidates) (int, bool) {
	n := candidates.Len()
	if n == 0 {
		return 0, false
	}
	if r.next >= n || r.next < 0 {
		r.next = 0
	}
	for range n {
		i := r.next
		r.next = (r.next + 1) % n
		if candidates.Alive(i) {
			return i, true
		}
	}
	return 0, false
}

// Cursor returns the index at which the next scan starts.
func (r *RoundRobin) Cursor() int {
	return r.next
}
