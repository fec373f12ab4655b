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

package httpd_test

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/loopcore/reactor"
	"github.com/loopcore/reactor/httpd"
)

// TestHandlerServesOverRealTcpConnection wires httpd.Handler onto a real
// reactor.TcpServer and drives it over an actual loopback TCP connection,
// end to end from accept through request parsing, routing, the file
// server fallback, and Connection: close teardown.
func TestHandlerServesOverRealTcpConnection(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "greeting.txt"), []byte("hello from disk"), 0o644); err != nil {
		t.Fatal(err)
	}

	loopCh := make(chan *reactor.EventLoop)
	loopStopped := make(chan struct{})
	go func() {
		l := reactor.NewEventLoop()
		loopCh <- l
		l.Loop()
		_ = l.Close()
		close(loopStopped)
	}()
	baseLoop := <-loopCh
	defer func() {
		baseLoop.Quit()
		<-loopStopped
	}()

	listenAddr := reactor.NewEndpoint("127.0.0.1", 0, false, false)
	server := reactor.NewTcpServer(baseLoop, listenAddr, "httpd-test", false)
	h := httpd.NewHandler(root, httpd.NewDefaultRouter())
	server.SetConnectionCallback(h.OnConnection)
	server.SetMessageCallback(h.OnMessage)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Close()

	var actual reactor.Endpoint
	var addrErr error
	done := make(chan struct{})
	baseLoop.RunInLoop(func() {
		actual, addrErr = server.Addr()
		close(done)
	})
	<-done
	if addrErr != nil {
		t.Fatalf("Addr: %v", addrErr)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(actual.Port())))
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Write([]byte("GET /greeting.txt HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(c)
	statusLine, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if statusLine != "HTTP/1.1 200 OK\r\n" {
		t.Fatalf("status line = %q", statusLine)
	}

	body := make([]byte, len("hello from disk"))
	// Skip remaining headers up to the blank line.
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}
	if _, err := r.Read(body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "hello from disk" {
		t.Fatalf("body = %q", body)
	}
}
