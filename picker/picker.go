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

// Candidates represents a read-only, indexed set of backends.
type Candidates interface {
	// Len returns the total number of candidates in the set.
	Len() int
	// Alive reports whether the candidate at index i can serve traffic.
	Alive(i int) bool
}

// Picker implements backend selection. Pick returns the index of the chosen
// candidate, or false if no candidate is eligible. Implementations may keep
// state between calls (like a cursor) and are not required to be safe for
// concurrent use.
type Picker interface {
	Pick(candidates Candidates) (index int, ok bool)
}

// Func adapts an ordinary function to the Picker interface.
type Func func(Candidates) (int, bool)

// Pick implements Picker.
func (f Func) Pick(candidates Candidates) (int, bool) {
	return f(candidates)
}
