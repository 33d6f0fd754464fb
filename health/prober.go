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

package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	defaultDialTimeout      = 2 * time.Second
	defaultReadTimeout      = 2 * time.Second
	defaultMaxResponseBytes = 1024
	defaultProbePath        = "/health"
)

//nolint:gochecknoglobals
var healthyToken = []byte("200 OK")

// A Prober performs single-shot health checks against a backend address.
type Prober interface {
	Probe(ctx context.Context, address string) State
}

// ProberFunc adapts an ordinary function to the Prober interface.
type ProberFunc func(ctx context.Context, address string) State

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, address string) State {
	return f(ctx, address)
}

// TCPProberConfig configures a prober created by NewTCPProber. The zero
// value is usable.
type TCPProberConfig struct {
	// DialTimeout bounds the connection attempt. Defaults to 2 seconds.
	DialTimeout time.Duration
	// ReadTimeout bounds sending the probe and reading the response.
	// Defaults to 2 seconds.
	ReadTimeout time.Duration
	// MaxResponseBytes is how much of the response is examined. Defaults
	// to 1024.
	MaxResponseBytes int
	// Path is the request path of the probe. Defaults to "/health".
	Path string
	// DialFunc establishes the connection. Defaults to a net.Dialer.
	DialFunc func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewTCPProber returns a prober that opens a new TCP connection to the
// backend for every check, sends a minimal HTTP/1.1 GET request and reports
// StateHealthy if the first MaxResponseBytes of the response contain
// "200 OK". Connection failures, write failures, timeouts and any other
// response yield StateUnhealthy. The connection is always closed before
// Probe returns.
func NewTCPProber(config TCPProberConfig) Prober {
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaultReadTimeout
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = defaultMaxResponseBytes
	}
	if config.Path == "" {
		config.Path = defaultProbePath
	}
	if config.DialFunc == nil {
		config.DialFunc = (&net.Dialer{}).DialContext
	}
	return &tcpProber{config: config}
}

type tcpProber struct {
	config TCPProberConfig
}

func (p *tcpProber) Probe(ctx context.Context, address string) State {
	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()
	conn, err := p.config.DialFunc(dialCtx, "tcp", address)
	if err != nil {
		return StateUnhealthy
	}
	defer conn.Close()

	deadline := time.Now().Add(p.config.ReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return StateUnhealthy
	}
	request := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", p.config.Path, address)
	if _, err := io.WriteString(conn, request); err != nil {
		return StateUnhealthy
	}

	buf := make([]byte, p.config.MaxResponseBytes)
	var n int
	for n < len(buf) {
		read, err := conn.Read(buf[n:])
		n += read
		if bytes.Contains(buf[:n], healthyToken) {
			return StateHealthy
		}
		if err != nil {
			break
		}
	}
	return StateUnhealthy
}
