// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpd

import (
	"strconv"

	"github.com/loopcore/reactor/buffer"
)

type parseState int

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
	stateFinished
)

// Conn holds the incremental request-line/header/body parse state for one
// TCP connection. It is not safe for concurrent use — the reactor
// confines every call to the connection's owning EventLoop goroutine.
type Conn struct {
	state   parseState
	pending []byte
	req     *Request
}

// NewConn returns a parser ready for a connection's first request.
func NewConn() *Conn {
	c := &Conn{req: newRequest()}
	return c
}

// resetRequest starts a fresh Request but keeps any unconsumed pending
// bytes, so a second request pipelined behind the first in the same read
// is not discarded.
func (c *Conn) resetRequest() {
	c.state = stateRequestLine
	c.req = newRequest()
}

// resetAll discards both the in-progress Request and any pending bytes —
// used when the pending bytes themselves are unparseable, so they are not
// retried forever against a new Request.
func (c *Conn) resetAll() {
	c.resetRequest()
	c.pending = nil
}

// Feed drains every readable byte out of in and advances the parse state
// machine. It returns the completed Request and true once a full request
// has been parsed; a partial request is kept in internal pending storage,
// and subsequent calls (after more bytes arrive, or immediately if a
// pipelined request is already buffered) resume from there.
func (c *Conn) Feed(in *buffer.Buffer) (*Request, bool) {
	if in.ReadableBytes() > 0 {
		c.pending = append(c.pending, in.Peek()...)
		in.RetrieveAll()
	}
	if len(c.pending) == 0 {
		return nil, false
	}

	consumed := 0
	for c.state != stateFinished && consumed < len(c.pending) {
		idx := indexCRLF(c.pending[consumed:])
		if idx < 0 {
			break
		}
		line := string(c.pending[consumed : consumed+idx])
		consumed += idx + 2

		switch c.state {
		case stateRequestLine:
			if !c.req.parseRequestLine(line) {
				c.resetAll()
				return nil, false
			}
			c.state = stateHeaders
		case stateHeaders:
			if line == "" {
				if contentLength(c.req.Headers) > 0 {
					c.state = stateBody
				} else {
					c.state = stateFinished
				}
			} else {
				c.req.parseHeaderLine(line)
			}
		case stateBody:
			c.req.parseBody(line)
			c.state = stateFinished
		}
	}

	if c.state == stateBody {
		want := contentLength(c.req.Headers)
		if len(c.pending)-consumed >= want {
			c.req.parseBody(string(c.pending[consumed : consumed+want]))
			consumed += want
			c.state = stateFinished
		}
	}

	c.pending = c.pending[consumed:]

	if c.state != stateFinished {
		return nil, false
	}
	req := c.req
	c.resetRequest()
	return req, true
}

func contentLength(headers map[string]string) int {
	n, err := strconv.Atoi(headers["Content-Length"])
	if err != nil {
		return 0
	}
	return n
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}
