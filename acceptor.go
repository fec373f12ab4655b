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

// Acceptor owns the listening socket on the server's base loop and turns
// readable events into accept4() calls. newConnectionCallback receives one
// connected fd plus its peer address per accepted connection.
type Acceptor struct {
	loop     *EventLoop
	sock     socket
	channel  *Channel
	idleFd   int
	listened bool

	newConnectionCallback func(connFd int, peer Endpoint)
}

// NewAcceptor creates (but does not yet start) an Acceptor bound to addr.
func NewAcceptor(loop *EventLoop, addr Endpoint, reusePort bool) *Acceptor {
	sock := newNonblockingSocket(addr.domain())
	if err := sock.setReuseAddr(true); err != nil {
		L().Fatal("Acceptor: setReuseAddr failed", zap.Error(err))
	}
	if reusePort {
		if err := sock.setReusePort(true); err != nil {
			L().Warn("Acceptor: setReusePort failed", zap.Error(err))
		}
	}
	if err := sock.bind(addr); err != nil {
		L().Fatal("Acceptor: bind failed", zap.Error(err), zap.String("addr", addr.String()))
	}

	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		L().Fatal("Acceptor: failed to reserve idle fd", zap.Error(err))
	}

	a := &Acceptor{loop: loop, sock: sock, idleFd: idleFd}
	a.channel = NewChannel(loop, sock.fd)
	a.channel.SetReadCallback(a.handleRead)
	return a
}

// SetNewConnectionCallback registers the callback invoked for each accepted
// connection. Must be called before Listen.
func (a *Acceptor) SetNewConnectionCallback(cb func(connFd int, peer Endpoint)) {
	a.newConnectionCallback = cb
}

// Addr returns the address the listening socket is actually bound to,
// with any port-0 wildcard resolved to the kernel-assigned ephemeral port.
func (a *Acceptor) Addr() (Endpoint, error) {
	return a.sock.localAddr()
}

// Listen puts the socket into the listening state and starts watching it
// for readability. Must run on the owning loop's goroutine.
func (a *Acceptor) Listen(backlog int) {
	a.loop.assertInLoopThread()
	a.listened = true
	if err := a.sock.listen(backlog); err != nil {
		L().Fatal("Acceptor: listen failed", zap.Error(err))
	}
	a.channel.EnableReading()
}

// handleRead drains every connection the kernel has queued, round-robin
// dispatching none of it here — dispatch to worker loops is TcpServer's
// job via the newConnectionCallback.
func (a *Acceptor) handleRead() {
	for {
		connFd, peer, err := a.sock.accept4()
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EMFILE, unix.ENFILE:
				a.handleFileDescriptorExhaustion()
				return
			default:
				L().Warn("Acceptor: accept4 failed", zap.Error(err))
				return
			}
		}
		if a.newConnectionCallback != nil {
			a.newConnectionCallback(connFd, peer)
		} else {
			_ = unix.Close(connFd)
		}
	}
}

// handleFileDescriptorExhaustion implements the classic accept-starvation
// mitigation: the listening socket stays readable forever if we can't
// accept() due to EMFILE, spinning the loop at 100% CPU. Releasing one
// reserved fd lets us accept and immediately drop the oldest queued
// connection, then reserve the fd again.
func (a *Acceptor) handleFileDescriptorExhaustion() {
	_ = unix.Close(a.idleFd)
	connFd, _, err := a.sock.accept4()
	if err == nil {
		_ = unix.Close(connFd)
	}
	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		L().Error("Acceptor: failed to re-reserve idle fd", zap.Error(err))
		return
	}
	a.idleFd = idleFd
}

// Close stops watching the listening socket and releases both fds.
func (a *Acceptor) Close() error {
	a.channel.DisableAll()
	a.channel.Remove()
	_ = unix.Close(a.idleFd)
	return a.sock.close()
}
