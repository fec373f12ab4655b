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

package reactor

import (
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestAcceptorListenEnablesReading(t *testing.T) {
	loop := NewEventLoop()
	defer loop.Close()

	addr := NewEndpoint("127.0.0.1", 0, false, false)
	a := NewAcceptor(loop, addr, false)
	defer a.Close()

	a.Listen(128)
	if !a.channel.IsReading() {
		t.Fatal("expected channel to be watching for readability after Listen")
	}
}

func TestAcceptorDispatchesAcceptedConnections(t *testing.T) {
	loopCh := make(chan *EventLoop)
	loopStopped := make(chan struct{})
	go func() {
		l := NewEventLoop()
		loopCh <- l
		l.Loop()
		_ = l.Close()
		close(loopStopped)
	}()
	loop := <-loopCh
	defer func() {
		loop.Quit()
		<-loopStopped
	}()

	addr := NewEndpoint("127.0.0.1", 0, false, false)
	a := NewAcceptor(loop, addr, false)

	accepted := make(chan int, 1)
	a.SetNewConnectionCallback(func(connFd int, peer Endpoint) {
		accepted <- connFd
		_ = unix.Close(connFd)
	})

	var actual Endpoint
	done := make(chan struct{})
	loop.RunInLoop(func() {
		a.Listen(128)
		var err error
		actual, err = a.Addr()
		if err != nil {
			t.Fatalf("Addr: %v", err)
		}
		close(done)
	})
	<-done
	port := actual.Port()

	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
}

// TestAcceptorSurvivesFileDescriptorExhaustion lowers this process's
// RLIMIT_NOFILE low enough that accept4() fails with EMFILE and verifies
// the acceptor recovers (accepts the next connection) instead of spinning
// forever on a listening socket it can no longer drain.
func TestAcceptorSurvivesFileDescriptorExhaustion(t *testing.T) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		t.Skipf("getrlimit: %v", err)
	}
	original := rlimit

	loopCh := make(chan *EventLoop)
	loopStopped := make(chan struct{})
	go func() {
		l := NewEventLoop()
		loopCh <- l
		l.Loop()
		_ = l.Close()
		close(loopStopped)
	}()
	loop := <-loopCh
	defer func() {
		loop.Quit()
		<-loopStopped
	}()

	addr := NewEndpoint("127.0.0.1", 0, false, false)
	a := NewAcceptor(loop, addr, false)

	var accepted int
	signaled := make(chan struct{}, 1)
	a.SetNewConnectionCallback(func(connFd int, peer Endpoint) {
		accepted++
		_ = unix.Close(connFd)
		select {
		case signaled <- struct{}{}:
		default:
		}
	})

	var actual Endpoint
	done := make(chan struct{})
	loop.RunInLoop(func() {
		a.Listen(128)
		var err error
		actual, err = a.Addr()
		if err != nil {
			t.Fatalf("Addr: %v", err)
		}
		close(done)
	})
	<-done
	port := actual.Port()
	dialAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))

	// Exhaust file descriptors for this process by lowering the soft
	// limit below what's currently open, then restore it so the test
	// process itself doesn't get wedged afterward.
	tight := unix.Rlimit{Cur: 40, Max: original.Max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &tight); err != nil {
		t.Skipf("setrlimit: %v (likely lacks CAP_SYS_RESOURCE)", err)
	}
	defer unix.Setrlimit(unix.RLIMIT_NOFILE, &original)

	var conns []net.Conn
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < 4; i++ {
		c, err := net.DialTimeout("tcp", dialAddr, 2*time.Second)
		if err != nil {
			break
		}
		conns = append(conns, c)
	}

	select {
	case <-signaled:
	case <-time.After(3 * time.Second):
		t.Fatal("acceptor never recovered from descriptor exhaustion")
	}

	if accepted == 0 {
		t.Fatal("expected at least one connection to be accepted despite exhaustion")
	}
}
