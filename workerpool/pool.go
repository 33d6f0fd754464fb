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

// Package workerpool provides a fixed-size pool of goroutines that execute
// queued jobs in FIFO order.
//
// The queue is unbounded: the pool bounds how many jobs run at once, not
// how many may wait. Shutdown is graceful. It stops accepting jobs, lets
// running jobs finish and drains the queue before returning.
package workerpool

import (
	"fmt"
	"sync"

	"github.com/bufbuild/tcplb/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is a unit of work executed by exactly one worker.
type Job func()

// Option is an option used to customize a [Pool].
type Option interface {
	apply(*Pool)
}

// WithLogger configures the logger used to report dropped and panicking
// jobs.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	})
}

// WithMetrics configures the pool to export its queue depth and job
// counts.
func WithMetrics(m *metrics.Metrics) Option {
	return optionFunc(func(p *Pool) {
		p.metrics = m
	})
}

type optionFunc func(*Pool)

func (f optionFunc) apply(p *Pool) {
	f(p)
}

// Pool runs jobs on a fixed set of workers.
type Pool struct {
	size    int
	logger  *zap.Logger
	metrics *metrics.Metrics
	workers errgroup.Group

	mu   sync.Mutex
	cond *sync.Cond
	// +checklocks:mu
	queue []Job
	// +checklocks:mu
	closed bool

	shutdownOnce sync.Once
}

// New starts a pool of size workers. A size below 1 is treated as 1.
func New(size int, options ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:   size,
		logger: zap.NewNop(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range options {
		opt.apply(p)
	}
	for range size {
		p.workers.Go(func() error {
			p.work()
			return nil
		})
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Pending returns the number of queued jobs not yet claimed by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Enqueue adds job to the end of the queue and wakes one idle worker. It
// reports whether the job was accepted. Enqueueing after Shutdown is a
// usage error: the job is dropped without running.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.metrics.JobDropped()
		p.logger.Warn("job dropped: worker pool is shut down")
		return false
	}
	p.queue = append(p.queue, job)
	p.metrics.SetPendingJobs(len(p.queue))
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// Shutdown stops accepting jobs, waits until every queued job has run and
// then waits for all workers to exit. Jobs already running are not
// interrupted. Calling Shutdown more than once is safe.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cond.Broadcast()
	})
	_ = p.workers.Wait()
}

func (p *Pool) work() {
	for {
		job, ok := p.next()
		if !ok {
			return
		}
		p.run(job)
	}
}

// next blocks until a job is available or the pool is shut down with an
// empty queue, in which case it returns false.
func (p *Pool) next() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	job := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.metrics.SetPendingJobs(len(p.queue))
	return job, true
}

func (p *Pool) run(job Job) {
	panicked := true
	defer func() {
		if panicked {
			p.logger.Error("job panicked", zap.String("panic", fmt.Sprint(recover())))
		}
		p.metrics.JobDone(panicked)
	}()
	job()
	panicked = false
}
