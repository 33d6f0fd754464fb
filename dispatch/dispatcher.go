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

// Package dispatch forwards one client request to a backend and relays the
// backend's response back to the client.
//
// A request is tried on exactly one backend. If that backend cannot be
// reached, it is marked down and the client is told the service is
// unavailable; the request is not retried elsewhere.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/bufbuild/tcplb/backend"
	"github.com/bufbuild/tcplb/httpwire"
	"github.com/bufbuild/tcplb/metrics"
	"go.uber.org/zap"
)

// DefaultChunkSize is the largest number of bytes relayed from a backend to
// a client per read.
const DefaultChunkSize = 1024

// Picker selects backends and accepts reports of failed ones.
// *backend.Registry implements it.
type Picker interface {
	// Pick selects a backend. The returned release func must be called
	// once the request is finished with it.
	Pick() (backend.Backend, func(), error)
	// MarkDown reports a backend that failed to serve a request.
	MarkDown(address string) error
}

// Dialer opens connections to backends. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option is an option used to customize a [Dispatcher].
type Option interface {
	apply(*Dispatcher)
}

// WithDialer configures how connections to backends are established.
func WithDialer(dialer Dialer) Option {
	return optionFunc(func(d *Dispatcher) {
		if dialer != nil {
			d.dialer = dialer
		}
	})
}

// WithLogger configures the logger used to report failed requests.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	})
}

// WithMetrics configures the dispatcher to count requests by outcome and
// relayed bytes.
func WithMetrics(m *metrics.Metrics) Option {
	return optionFunc(func(d *Dispatcher) {
		d.metrics = m
	})
}

// WithChunkSize sets the relay buffer size. Values below 1 are ignored.
func WithChunkSize(size int) Option {
	return optionFunc(func(d *Dispatcher) {
		if size > 0 {
			d.chunkSize = size
		}
	})
}

type optionFunc func(*Dispatcher)

func (f optionFunc) apply(d *Dispatcher) {
	f(d)
}

// Dispatcher forwards requests to backends chosen by a Picker. It is safe
// for concurrent use.
type Dispatcher struct {
	picker    Picker
	dialer    Dialer
	logger    *zap.Logger
	metrics   *metrics.Metrics
	chunkSize int
}

// New returns a dispatcher that sends requests to the backends chosen by
// picker.
func New(picker Picker, options ...Option) *Dispatcher {
	d := &Dispatcher{
		picker:    picker,
		dialer:    &net.Dialer{},
		logger:    zap.NewNop(),
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range options {
		opt.apply(d)
	}
	return d
}

// Forward sends raw, unmodified, to the next available backend and copies
// the backend's response to client until the backend closes its side.
// The client connection is always closed before Forward returns.
//
// When no backend is available, or the selected one cannot be reached or
// written to, the client receives a 503 response and the error is
// returned. Backends that fail this way are marked down. A backend that
// fails while its response is being relayed is also marked down, but the
// client just sees a truncated response. Failing to write to the client
// stops the relay without blaming the backend.
//
// Cancelling ctx closes both connections, which aborts any blocked read
// or write. The backend is not marked down in that case and ctx.Err() is
// returned.
func (d *Dispatcher) Forward(ctx context.Context, client net.Conn, raw []byte) error {
	defer client.Close()

	selected, release, err := d.picker.Pick()
	if err != nil {
		d.metrics.Request(metrics.OutcomeNoBackend)
		d.logger.Warn("no backend available", zap.Stringer("remote", client.RemoteAddr()))
		d.unavailable(client)
		return err
	}
	defer release()
	address := selected.Address

	conn, err := d.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.metrics.Request(metrics.OutcomeConnectFail)
		d.logger.Warn("failed to connect to backend", zap.String("backend", address), zap.Error(err))
		d.markDown(address)
		d.unavailable(client)
		return fmt.Errorf("connect to backend %s: %w", address, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
		_ = client.Close()
	})
	defer stop()

	if _, err := conn.Write(raw); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.metrics.Request(metrics.OutcomeTransport)
		d.logger.Warn("failed to forward request to backend", zap.String("backend", address), zap.Error(err))
		d.markDown(address)
		d.unavailable(client)
		return fmt.Errorf("forward request to backend %s: %w", address, err)
	}

	relayed, err := d.relay(client, conn)
	d.metrics.BytesRelayed(relayed)
	var backendErr *backendReadError
	switch {
	case err != nil && ctx.Err() != nil:
		// Closed by the AfterFunc above; neither side is at fault.
		return ctx.Err()
	case err == nil:
		d.metrics.Request(metrics.OutcomeForwarded)
		return nil
	case errors.As(err, &backendErr):
		d.metrics.Request(metrics.OutcomeTransport)
		d.logger.Warn("failed to read response from backend",
			zap.String("backend", address),
			zap.Int("relayed", relayed),
			zap.Error(backendErr.err),
		)
		d.markDown(address)
		return fmt.Errorf("relay response from backend %s: %w", address, err)
	default:
		d.metrics.Request(metrics.OutcomeForwarded)
		d.logger.Debug("client went away during relay",
			zap.String("backend", address),
			zap.Stringer("remote", client.RemoteAddr()),
			zap.Error(err),
		)
		return fmt.Errorf("relay response to client: %w", err)
	}
}

type backendReadError struct {
	err error
}

func (e *backendReadError) Error() string {
	return "read from backend: " + e.err.Error()
}

func (e *backendReadError) Unwrap() error {
	return e.err
}

// relay copies chunks from src to dst until src reports EOF. Errors reading
// src are wrapped in *backendReadError so the caller can tell them apart
// from errors writing dst.
func (d *Dispatcher) relay(dst io.Writer, src io.Reader) (int, error) {
	buf := make([]byte, d.chunkSize)
	var total int
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			written, err := dst.Write(buf[:n])
			total += written
			if err != nil {
				return total, err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return total, nil
			}
			return total, &backendReadError{err: readErr}
		}
	}
}

func (d *Dispatcher) markDown(address string) {
	if err := d.picker.MarkDown(address); err != nil {
		d.logger.Error("failed to mark backend down", zap.String("backend", address), zap.Error(err))
	}
}

func (d *Dispatcher) unavailable(client net.Conn) {
	if _, err := io.WriteString(client, httpwire.ServiceUnavailable); err != nil {
		d.logger.Debug("failed to write 503 to client", zap.Stringer("remote", client.RemoteAddr()), zap.Error(err))
	}
}
