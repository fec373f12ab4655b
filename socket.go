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
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// socket owns an OS file descriptor exclusively. Its methods take it by
// value, so a copy refers to the same fd; the zero value is invalid and a
// socket must not be used after close().
type socket struct {
	fd int
}

// newNonblockingSocket creates a non-blocking, close-on-exec TCP stream
// socket of the given family, aborting the process on failure — mirroring
// createNonblockingOrDie, since a failure here is a resource-exhaustion
// condition the caller cannot meaningfully recover from at construction
// time.
func newNonblockingSocket(domain int) socket {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		L().Fatal("socket: create failed", zap.Error(err))
	}
	return socket{fd: fd}
}

func (s socket) setReuseAddr(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on))
}

func (s socket) setReusePort(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on))
}

func (s socket) setTCPNoDelay(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on))
}

func (s socket) setKeepAlive(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on))
}

func (s socket) bind(addr Endpoint) error {
	return unix.Bind(s.fd, addr.sockaddr())
}

func (s socket) listen(backlog int) error {
	return unix.Listen(s.fd, backlog)
}

// accept4 accepts one pending connection, returning the new non-blocking
// close-on-exec fd and the peer's Endpoint.
func (s socket) accept4() (connFd int, peer Endpoint, err error) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, Endpoint{}, err
	}
	return nfd, endpointFromSockaddr(sa), nil
}

// localAddr reads back the address the kernel bound this socket to —
// notably the ephemeral port assigned when bind was called with port 0.
func (s socket) localAddr() (Endpoint, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return Endpoint{}, err
	}
	return endpointFromSockaddr(sa), nil
}

func (s socket) shutdownWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

func (s socket) soError() error {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func (s socket) close() error {
	if s.fd < 0 {
		return nil
	}
	return unix.Close(s.fd)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
