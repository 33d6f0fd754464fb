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

package internal

import (
	"hash/maphash"
	"math/rand"
	"time"
)

// NewRand returns a *rand.Rand seeded from the runtime's per-thread RNG
// via "hash/maphash", so creating one never contends on a global lock.
//
// The returned value is not safe for concurrent use.
func NewRand() *rand.Rand {
	var hash maphash.Hash
	return rand.New(rand.NewSource(int64(hash.Sum64()))) //nolint:gosec // don't need cryptographic RNG
}

// Backoff computes retry delays that double from min up to max. Each delay
// is jittered down by up to a quarter so that retries from many processes
// spread out. A Backoff is not safe for concurrent use.
type Backoff struct {
	Min, Max time.Duration

	rng     *rand.Rand
	current time.Duration
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.rng == nil {
		b.rng = NewRand()
	}
	switch {
	case b.current == 0:
		b.current = b.Min
	case b.current < b.Max:
		b.current = min(2*b.current, b.Max)
	}
	jitter := time.Duration(b.rng.Int63n(int64(b.current)/4 + 1))
	return b.current - jitter
}

// Reset makes the next delay start again from Min.
func (b *Backoff) Reset() {
	b.current = 0
}
