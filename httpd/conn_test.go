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
	"testing"

	"github.com/loopcore/reactor/buffer"
)

func TestConnFeedParsesSimpleGet(t *testing.T) {
	c := NewConn()
	buf := buffer.New()
	buf.AppendString("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n")

	req, ok := c.Feed(buf)
	if !ok {
		t.Fatal("expected a complete request")
	}
	if req.Method != MethodGET || req.Path != "/index.html" {
		t.Fatalf("req = %+v", req)
	}
	if req.Headers["Host"] != "example.com" {
		t.Fatalf("Headers[Host] = %q", req.Headers["Host"])
	}
}

func TestConnFeedAcrossMultipleCalls(t *testing.T) {
	c := NewConn()

	buf1 := buffer.New()
	buf1.AppendString("GET /a HTTP/1.1\r\nHost: x\r\n")
	if _, ok := c.Feed(buf1); ok {
		t.Fatal("expected incomplete request after headers not terminated")
	}

	buf2 := buffer.New()
	buf2.AppendString("\r\n")
	req, ok := c.Feed(buf2)
	if !ok {
		t.Fatal("expected request to complete once blank line arrives")
	}
	if req.Path != "/a" {
		t.Fatalf("Path = %q", req.Path)
	}
}

func TestConnFeedWithBody(t *testing.T) {
	c := NewConn()
	buf := buffer.New()
	body := "a=1&b=2"
	buf.AppendString("POST /submit HTTP/1.1\r\n")
	buf.AppendString("Content-Type: application/x-www-form-urlencoded\r\n")
	buf.AppendString("Content-Length: 7\r\n\r\n")
	buf.AppendString(body)

	req, ok := c.Feed(buf)
	if !ok {
		t.Fatal("expected complete request with body")
	}
	if req.PostForm["a"] != "1" || req.PostForm["b"] != "2" {
		t.Fatalf("PostForm = %v", req.PostForm)
	}
}

func TestConnFeedResetsAfterMalformedRequestLine(t *testing.T) {
	c := NewConn()
	buf := buffer.New()
	buf.AppendString("not a request\r\n")
	if _, ok := c.Feed(buf); ok {
		t.Fatal("expected malformed request line to fail")
	}

	buf2 := buffer.New()
	buf2.AppendString("GET / HTTP/1.1\r\n\r\n")
	req, ok := c.Feed(buf2)
	if !ok {
		t.Fatal("expected parser to recover for the next request")
	}
	if req.Path != "/" {
		t.Fatalf("Path = %q", req.Path)
	}
}

func TestConnFeedHandlesTwoRequestsBackToBack(t *testing.T) {
	c := NewConn()
	buf := buffer.New()
	buf.AppendString("GET /first HTTP/1.1\r\n\r\nGET /second HTTP/1.1\r\n\r\n")

	req1, ok := c.Feed(buf)
	if !ok || req1.Path != "/first" {
		t.Fatalf("first request = %+v ok=%v", req1, ok)
	}

	req2, ok := c.Feed(buf)
	if !ok || req2.Path != "/second" {
		t.Fatalf("second request = %+v ok=%v", req2, ok)
	}
}
