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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bufbuild/tcplb/backend"
	"github.com/bufbuild/tcplb/dispatch"
	"github.com/bufbuild/tcplb/health"
	"github.com/bufbuild/tcplb/httpwire"
	"github.com/bufbuild/tcplb/internal"
	"github.com/bufbuild/tcplb/metrics"
	"github.com/bufbuild/tcplb/workerpool"
	"go.uber.org/zap"
)

const (
	// DefaultWorkers is the worker pool size used by the thread_pool and
	// load_balancer modes.
	DefaultWorkers = 10
	// DefaultReadTimeout bounds how long a client may take to send its
	// request.
	DefaultReadTimeout = 30 * time.Second

	welcomeBody  = "<h1>Welcome to tcplb!</h1>"
	healthBody   = "OK"
	notFoundBody = "<h1>404 Not Found</h1>"

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// ErrNoBackends is returned by NewServer when load_balancer mode is
// requested without any backend addresses.
var ErrNoBackends = errors.New("load_balancer mode requires at least one backend address")

// ServerOption is an option used to customize the behavior of a [Server].
type ServerOption interface {
	apply(*serverOptions)
}

// WithBackends sets the backend addresses, as host:port, that requests are
// forwarded to in load_balancer mode. They are selected in the given
// order. Other modes ignore them.
func WithBackends(addresses ...string) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.backends = append(opts.backends, addresses...)
	})
}

// WithWorkers sets the number of workers used in thread_pool and
// load_balancer modes. If not specified, [DefaultWorkers] is used.
func WithWorkers(workers int) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.workers = workers
	})
}

// WithHealthInterval sets how often every backend is probed. If not
// specified, [health.DefaultInterval] is used.
func WithHealthInterval(interval time.Duration) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.healthInterval = interval
	})
}

// WithHealthProber sets the prober used by the health monitor. If not
// specified, a TCP prober with default timeouts is used, which sends
// "GET /health" and expects "200 OK".
func WithHealthProber(prober health.Prober) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.prober = prober
	})
}

// WithLogger sets the logger shared by every part of the server. If not
// specified, nothing is logged.
func WithLogger(logger *zap.Logger) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.logger = logger
	})
}

// WithMetrics makes the server and its components record metrics into m.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.metrics = m
	})
}

// WithDialer sets how connections to backends are established.
func WithDialer(dialer dispatch.Dialer) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.dialer = dialer
	})
}

// WithReadTimeout bounds how long a client may take to send its request.
// Zero or a negative value disables the limit. If not specified,
// [DefaultReadTimeout] is used.
func WithReadTimeout(timeout time.Duration) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.readTimeout = timeout
		opts.readTimeoutSet = true
	})
}

// WithMaxRequestBytes limits the size of a client request. If not
// specified, [httpwire.DefaultMaxRequestBytes] is used.
func WithMaxRequestBytes(limit int) ServerOption {
	return serverOptionFunc(func(opts *serverOptions) {
		opts.maxRequestBytes = limit
	})
}

type serverOptionFunc func(*serverOptions)

func (f serverOptionFunc) apply(opts *serverOptions) {
	f(opts)
}

type serverOptions struct {
	backends        []string
	workers         int
	healthInterval  time.Duration
	prober          health.Prober
	logger          *zap.Logger
	metrics         *metrics.Metrics
	dialer          dispatch.Dialer
	readTimeout     time.Duration
	readTimeoutSet  bool
	maxRequestBytes int
}

func (opts *serverOptions) applyDefaults() {
	if opts.workers <= 0 {
		opts.workers = DefaultWorkers
	}
	if opts.healthInterval <= 0 {
		opts.healthInterval = health.DefaultInterval
	}
	if opts.prober == nil {
		opts.prober = health.NewTCPProber(health.TCPProberConfig{})
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if !opts.readTimeoutSet {
		opts.readTimeout = DefaultReadTimeout
	}
	if opts.maxRequestBytes <= 0 {
		opts.maxRequestBytes = httpwire.DefaultMaxRequestBytes
	}
}

// Server accepts HTTP connections and either answers them or forwards
// them to backends, depending on its [Mode].
type Server struct {
	mode    Mode
	opts    serverOptions
	logger  *zap.Logger
	metrics *metrics.Metrics

	// Only set in load_balancer mode.
	registry   *backend.Registry
	monitor    *health.Monitor
	dispatcher *dispatch.Dispatcher

	// Only set in thread_pool and load_balancer modes.
	pool *workerpool.Pool

	// Handlers run with ctx, which is cancelled once Close has drained
	// them.
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	mu sync.Mutex
	// +checklocks:mu
	closed   bool
	handlers sync.WaitGroup

	closeOnce sync.Once
}

// NewServer returns a server running in the given mode. In load_balancer
// mode the backend registry is created and the health monitor is started
// immediately; call Close to stop it.
func NewServer(mode Mode, options ...ServerOption) (*Server, error) {
	if mode < ModeBasic || mode > ModeLoadBalancer {
		return nil, fmt.Errorf("invalid mode %v", mode)
	}
	var opts serverOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	logger := opts.logger.With(zap.Stringer("mode", mode))
	s := &Server{
		mode:    mode,
		opts:    opts,
		logger:  logger,
		metrics: opts.metrics,
	}
	if mode == ModeLoadBalancer {
		if len(opts.backends) == 0 {
			return nil, ErrNoBackends
		}
		registry, err := backend.NewRegistry(opts.backends,
			backend.WithLogger(logger),
			backend.WithMetrics(opts.metrics),
		)
		if err != nil {
			return nil, err
		}
		s.registry = registry
		s.dispatcher = dispatch.New(registry,
			dispatch.WithDialer(opts.dialer),
			dispatch.WithLogger(logger),
			dispatch.WithMetrics(opts.metrics),
		)
		s.monitor = health.NewMonitor(registry, opts.prober,
			health.WithInterval(opts.healthInterval),
			health.WithLogger(logger),
			health.WithMetrics(opts.metrics),
		)
	} else if len(opts.backends) > 0 {
		logger.Info("ignoring backend addresses outside load_balancer mode", zap.Strings("backends", opts.backends))
	}
	if mode == ModeThreadPool || mode == ModeLoadBalancer {
		s.pool = workerpool.New(opts.workers,
			workerpool.WithLogger(logger),
			workerpool.WithMetrics(opts.metrics),
		)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if s.monitor != nil {
		s.monitor.Start()
	}
	return s, nil
}

// Mode returns the mode the server runs in.
func (s *Server) Mode() Mode {
	return s.mode
}

// Registry returns the backends of a load_balancer mode server, or nil in
// any other mode.
func (s *Server) Registry() *backend.Registry {
	return s.registry
}

// ListenAndServe listens on the TCP network address addr and then calls
// Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled or the
// listener is closed, and then returns nil. The listener is closed when
// Serve returns. Accept errors are logged and retried with backoff.
//
// Connections accepted before Serve returns keep being served; use Close
// to wait for them.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()
	s.logger.Info("server listening", zap.Stringer("address", listener.Addr()))

	backoff := internal.Backoff{Min: minAcceptBackoff, Max: maxAcceptBackoff}
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.metrics.AcceptError()
			delay := backoff.Next()
			s.logger.Warn("failed to accept connection", zap.Error(err), zap.Duration("retry_in", delay))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		backoff.Reset()
		s.submit(conn)
	}
}

// Close stops the server from taking new connections, waits for the
// connections already accepted to be served and stops the health monitor.
// It is safe to call Close more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.pool != nil {
			s.pool.Shutdown()
		}
		s.handlers.Wait()
		if s.monitor != nil {
			s.monitor.Stop()
		}
		s.cancel()
		s.logger.Info("server shut down")
	})
	return nil
}

func (s *Server) submit(conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	switch s.mode {
	case ModeBasic:
		s.mu.Unlock()
		s.handle(conn)
	case ModeMultiThread:
		s.handlers.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.handlers.Done()
			s.handle(conn)
		}()
	default:
		s.mu.Unlock()
		if !s.pool.Enqueue(func() { s.handle(conn) }) {
			_ = conn.Close()
		}
	}
}

// handle serves the single request sent on conn and closes it.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	remote := zap.Stringer("remote", conn.RemoteAddr())
	if s.opts.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.readTimeout))
	}
	raw, err := httpwire.ReadRequest(conn, s.opts.maxRequestBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Closed without sending anything.
			return
		}
		s.metrics.Request(metrics.OutcomeBadRequest)
		s.logger.Debug("failed to read request", remote, zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	req, err := httpwire.ParseRequest(raw)
	if err != nil {
		s.metrics.Request(metrics.OutcomeBadRequest)
		s.logger.Debug("failed to parse request", remote, zap.Error(err))
		return
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Forward(s.ctx, conn, raw); err != nil {
			s.logger.Debug("request not served by a backend", remote, zap.String("path", req.Path()), zap.Error(err))
		}
		return
	}
	s.respond(conn, req)
}

func (s *Server) respond(conn net.Conn, req *httpwire.Request) {
	status, body := route(req.Path())
	response := httpwire.NewResponse(status).
		SetHeader("Content-Type", "text/html").
		SetHeader("Content-Length", strconv.Itoa(len(body))).
		SetBody(body)
	s.metrics.Request(metrics.OutcomeLocal)
	if _, err := conn.Write(response.Bytes()); err != nil {
		s.logger.Debug("failed to write response", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	s.logger.Debug("served request",
		zap.String("method", req.Method()),
		zap.String("path", req.Path()),
		zap.Int("status", status),
	)
}

func route(path string) (int, string) {
	switch path {
	case "/":
		return 200, welcomeBody
	case "/health":
		return 200, healthBody
	default:
		return 404, notFoundBody
	}
}
