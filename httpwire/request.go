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

// Package httpwire reads, parses and writes the small subset of HTTP/1.x
// the load balancer needs. It is not a general HTTP implementation: there
// is no chunked encoding and no keep-alive, and a request is kept as the
// exact bytes received so it can be forwarded unmodified.
package httpwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxRequestBytes is the request size limit used when ReadRequest is
// given a non-positive limit.
const DefaultMaxRequestBytes = 64 << 10

const readChunkSize = 1024

var (
	// ErrRequestTooLarge is returned when a request exceeds the read limit.
	ErrRequestTooLarge = errors.New("request too large")
	// ErrMalformedRequest is returned for a request line that cannot be parsed.
	ErrMalformedRequest = errors.New("malformed request")
)

//nolint:gochecknoglobals
var headerTerminator = []byte("\r\n\r\n")

// ReadRequest reads the raw bytes of a single request from r: everything up
// to and including the blank line that ends the headers, plus a body if
// Content-Length announces one. At most limit bytes are read. If the peer
// closes the connection before sending anything, io.EOF is returned. If it
// closes mid-request, the bytes read so far are returned with
// io.ErrUnexpectedEOF.
func ReadRequest(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxRequestBytes
	}
	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)
	headerEnd := -1
	want := -1
	for {
		if headerEnd < 0 {
			if i := bytes.Index(buf, headerTerminator); i >= 0 {
				headerEnd = i + len(headerTerminator)
				length, err := contentLength(buf[:headerEnd])
				if err != nil {
					return buf, err
				}
				want = headerEnd + length
				if want > limit {
					return buf, ErrRequestTooLarge
				}
			}
		}
		if want >= 0 && len(buf) >= want {
			return buf, nil
		}
		if len(buf) >= limit {
			return buf, ErrRequestTooLarge
		}
		n, err := r.Read(chunk[:min(len(chunk), limit-len(buf))])
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return buf, err
			}
			if len(buf) == 0 {
				return nil, io.EOF
			}
			if want >= 0 && len(buf) >= want {
				return buf, nil
			}
			return buf, io.ErrUnexpectedEOF
		}
	}
}

func contentLength(head []byte) (int, error) {
	lines := strings.Split(string(head), "\r\n")
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			continue
		}
		length, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || length < 0 {
			return 0, fmt.Errorf("%w: invalid Content-Length %q", ErrMalformedRequest, value)
		}
		return length, nil
	}
	return 0, nil
}

// Request is a parsed view of a raw HTTP request.
type Request struct {
	raw     []byte
	method  string
	path    string
	proto   string
	headers map[string]string
	query   map[string]string
}

// ParseRequest parses the request line, headers and query string of raw.
// The returned Request keeps raw as is.
func ParseRequest(raw []byte) (*Request, error) {
	head := raw
	if i := bytes.Index(raw, headerTerminator); i >= 0 {
		head = raw[:i]
	}
	lines := strings.Split(string(head), "\n")
	requestLine := strings.Fields(lines[0])
	if len(requestLine) < 2 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, strings.TrimSpace(lines[0]))
	}
	req := &Request{
		raw:     raw,
		method:  requestLine[0],
		path:    requestLine[1],
		headers: map[string]string{},
		query:   map[string]string{},
	}
	if len(requestLine) > 2 {
		req.proto = requestLine[2]
	}
	if path, rawQuery, ok := strings.Cut(req.path, "?"); ok {
		req.path = path
		parseQuery(rawQuery, req.query)
	}
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req.headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return req, nil
}

func parseQuery(rawQuery string, into map[string]string) {
	for _, pair := range strings.Split(rawQuery, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			continue
		}
		into[key] = value
	}
}

// Method returns the request method, for example "GET".
func (r *Request) Method() string {
	return r.method
}

// Path returns the request target without its query string.
func (r *Request) Path() string {
	return r.path
}

// Proto returns the protocol version of the request line, if present.
func (r *Request) Proto() string {
	return r.proto
}

// Header returns the value of the named header. Names are case-insensitive.
// An absent header yields "".
func (r *Request) Header(key string) string {
	return r.headers[strings.ToLower(key)]
}

// Query returns the value of a query parameter. Keys are case-sensitive.
// An absent parameter yields "".
func (r *Request) Query(key string) string {
	return r.query[key]
}

// QueryParams returns a copy of all query parameters.
func (r *Request) QueryParams() map[string]string {
	clone := make(map[string]string, len(r.query))
	for k, v := range r.query {
		clone[k] = v
	}
	return clone
}

// Raw returns the request exactly as it was received.
func (r *Request) Raw() []byte {
	return r.raw
}
