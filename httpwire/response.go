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

package httpwire

import (
	"bytes"
	"strconv"
)

// ServiceUnavailable is written verbatim to clients when no backend can
// take their request.
const ServiceUnavailable = "HTTP/1.1 503 Service Unavailable\r\nContent-Length: 0\r\n\r\n"

// Response builds a status line, headers and body.
type Response struct {
	status  int
	headers [][2]string
	body    []byte
}

// NewResponse returns a response with the given status code.
func NewResponse(status int) *Response {
	return &Response{status: status}
}

// SetHeader sets a header. Headers are written in the order they were first
// set; setting a header again replaces its value.
func (r *Response) SetHeader(key, value string) *Response {
	for i := range r.headers {
		if r.headers[i][0] == key {
			r.headers[i][1] = value
			return r
		}
	}
	r.headers = append(r.headers, [2]string{key, value})
	return r
}

// SetBody sets the response body.
func (r *Response) SetBody(body string) *Response {
	r.body = []byte(body)
	return r
}

// Bytes serializes the response.
func (r *Response) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(r.status))
	buf.WriteByte(' ')
	buf.WriteString(StatusText(r.status))
	buf.WriteString("\r\n")
	for _, header := range r.headers {
		buf.WriteString(header[0])
		buf.WriteString(": ")
		buf.WriteString(header[1])
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(r.body)
	return buf.Bytes()
}

// StatusText returns the reason phrase for the status codes this package
// knows about, and "Not Implemented" for every other code.
func StatusText(status int) string {
	switch status {
	case 200:
		return "OK"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	default:
		return "Not Implemented"
	}
}
