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

	"github.com/loopcore/reactor/buffer"
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateDisconnecting
)

const defaultHighWaterMark = 64 * 1024 * 1024

// ConnectionCallback is invoked once when a connection is established and
// again (with Connected() now false) right before it is torn down.
type ConnectionCallback func(*TcpConnection)

// MessageCallback is invoked whenever new bytes have landed in the
// connection's input buffer. buf is owned by the connection; Retrieve what
// you consume.
type MessageCallback func(conn *TcpConnection, buf *buffer.Buffer)

// WriteCompleteCallback is invoked when a Send's data has been fully
// written: right after a direct write that took all of it, or once the
// output buffer has drained.
type WriteCompleteCallback func(*TcpConnection)

// HighWaterMarkCallback is invoked when the output buffer crosses the
// configured high water mark, so the application can apply backpressure
// to its producer.
type HighWaterMarkCallback func(conn *TcpConnection, queuedBytes int)

// CloseCallback is invoked once the connection has fully torn down. Unlike
// ConnectionCallback it is private to TcpServer bookkeeping (it is what
// removes the connection from the server's registry).
type CloseCallback func(*TcpConnection)

// TcpConnection is one accepted, established connection, confined to the
// EventLoop goroutine of whichever worker it was dispatched to. All its
// exported methods except Send, SendString, Shutdown and ForceClose are
// expected to be called only from that goroutine; those four are safe from
// any goroutine.
type TcpConnection struct {
	loop  *EventLoop
	name  string
	state connState

	sock    socket
	channel *Channel

	localAddr Endpoint
	peerAddr  Endpoint

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback

	highWaterMark int
	inputBuffer   *buffer.Buffer
	outputBuffer  *buffer.Buffer

	destroyed bool

	context any
}

// newTcpConnection wraps an already-accepted, non-blocking fd. Dispatch
// (which loop owns it) has already been decided by the caller.
func newTcpConnection(loop *EventLoop, name string, connFd int, local, peer Endpoint) *TcpConnection {
	c := &TcpConnection{
		loop:          loop,
		name:          name,
		state:         stateConnecting,
		sock:          socket{fd: connFd},
		localAddr:     local,
		peerAddr:      peer,
		highWaterMark: defaultHighWaterMark,
		inputBuffer:   buffer.New(),
		outputBuffer:  buffer.New(),
	}
	c.channel = NewChannel(loop, connFd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	_ = c.sock.setTCPNoDelay(true)
	return c
}

// Name returns the connection's server-assigned identifier, unique for
// the lifetime of the TcpServer that created it.
func (c *TcpConnection) Name() string { return c.name }

// Loop returns the EventLoop this connection is confined to.
func (c *TcpConnection) Loop() *EventLoop { return c.loop }

// LocalAddr returns the local endpoint of the connection.
func (c *TcpConnection) LocalAddr() Endpoint { return c.localAddr }

// PeerAddr returns the remote endpoint of the connection.
func (c *TcpConnection) PeerAddr() Endpoint { return c.peerAddr }

// Connected reports whether the connection is fully established and not
// yet shutting down.
func (c *TcpConnection) Connected() bool { return c.state == stateConnected }

// Disconnected reports whether the connection has fully torn down.
func (c *TcpConnection) Disconnected() bool { return c.state == stateDisconnected }

// Fd returns the underlying file descriptor.
func (c *TcpConnection) Fd() int { return c.sock.fd }

// SetContext attaches an arbitrary application-owned value to the
// connection, retrievable with Context.
func (c *TcpConnection) SetContext(ctx any) { c.context = ctx }

// Context returns whatever was last passed to SetContext, or nil.
func (c *TcpConnection) Context() any { return c.context }

func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *TcpConnection) SetMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }
func (c *TcpConnection) SetCloseCallback(cb CloseCallback)                 { c.closeCallback = cb }

// SetHighWaterMarkCallback installs cb, invoked once per crossing when the
// output buffer's queued byte count goes from below mark to at-or-above it.
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

// Send queues data for writing. Safe to call from any goroutine; if called
// off the owning loop, the data is copied and the write is scheduled via
// RunInLoop.
func (c *TcpConnection) Send(data []byte) {
	if c.state != stateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
	} else {
		cp := append([]byte(nil), data...)
		c.loop.RunInLoop(func() { c.sendInLoop(cp) })
	}
}

// SendString is Send for a string. The string->[]byte conversion copies
// the data, and Send copies it once more when called off the owning loop.
func (c *TcpConnection) SendString(s string) {
	c.Send([]byte(s))
}

func (c *TcpConnection) sendInLoop(data []byte) {
	c.loop.assertInLoopThread()

	if c.state == stateDisconnected {
		L().Debug("TcpConnection: give up writing, already disconnected", zap.String("name", c.name))
		return
	}

	var nwrote int
	remaining := len(data)
	faultError := false

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.sock.fd, data)
		if err != nil {
			nwrote = 0
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				L().Warn("TcpConnection: write error", zap.String("name", c.name), zap.Error(err))
				if err == unix.EPIPE || err == unix.ECONNRESET {
					faultError = true
				}
			}
		} else {
			nwrote = n
			remaining = len(data) - nwrote
			if remaining == 0 && c.writeCompleteCallback != nil {
				cb := c.writeCompleteCallback
				c.loop.QueueInLoop(func() { cb(c) })
			}
		}
	}

	if !faultError && remaining > 0 {
		oldLen := c.outputBuffer.ReadableBytes()
		if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
			cb := c.highWaterMarkCallback
			queued := oldLen + remaining
			c.loop.QueueInLoop(func() { cb(c, queued) })
		}
		c.outputBuffer.Append(data[nwrote:])
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

// Shutdown half-closes the connection for writing once any queued output
// has drained. Reads continue to be serviced until the peer closes too.
// Safe to call from any goroutine.
func (c *TcpConnection) Shutdown() {
	if c.state == stateConnected {
		c.state = stateDisconnecting
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.assertInLoopThread()
	if !c.channel.IsWriting() {
		_ = c.sock.shutdownWrite()
	}
}

// ForceClose tears the connection down immediately, discarding any queued
// but unsent output. Safe to call from any goroutine.
func (c *TcpConnection) ForceClose() {
	if c.state == stateConnected || c.state == stateDisconnecting {
		c.state = stateDisconnecting
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

func (c *TcpConnection) forceCloseInLoop() {
	c.loop.assertInLoopThread()
	if c.state == stateConnected || c.state == stateDisconnecting {
		c.handleClose()
	}
}

// connectEstablished transitions a freshly dispatched connection to
// Connected and fires the connection callback. Must run on the owning
// loop, right after the connection is handed to it.
func (c *TcpConnection) connectEstablished() {
	c.loop.assertInLoopThread()
	if c.state != stateDisconnected && c.state != stateConnecting {
		L().Fatal("TcpConnection: connectEstablished from unexpected state", zap.String("name", c.name))
	}
	c.state = stateConnected
	c.channel.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// connectDestroyed finalizes teardown: if the connection is still
// Connected (handleClose has not run), it moves to Disconnected and fires
// the connection callback one last time; then it unregisters the channel
// and closes the socket.
// Idempotent — a second call (e.g. TcpServer.Close racing a connection's
// own handleClose-driven teardown) is a no-op.
func (c *TcpConnection) connectDestroyed() {
	c.loop.assertInLoopThread()
	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.state == stateConnected {
		c.state = stateDisconnected
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
	_ = c.sock.close()
}

func (c *TcpConnection) handleRead() {
	c.loop.assertInLoopThread()
	n, err := c.inputBuffer.ReadFd(c.sock.fd)
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer)
		}
	case n == 0:
		c.handleClose()
	default:
		L().Warn("TcpConnection: read error", zap.String("name", c.name), zap.Error(err))
		c.handleError()
	}
}

func (c *TcpConnection) handleWrite() {
	c.loop.assertInLoopThread()
	if !c.channel.IsWriting() {
		L().Debug("TcpConnection: spurious writable event, not writing", zap.String("name", c.name))
		return
	}
	n, err := unix.Write(c.sock.fd, c.outputBuffer.Peek())
	if err != nil {
		L().Warn("TcpConnection: write error", zap.String("name", c.name), zap.Error(err))
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			cb := c.writeCompleteCallback
			c.loop.QueueInLoop(func() { cb(c) })
		}
		if c.state == stateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *TcpConnection) handleClose() {
	c.loop.assertInLoopThread()
	if c.state != stateConnected && c.state != stateDisconnecting {
		// Reachable, not a bug: the channel is disabled before the first
		// handleClose returns, so a spurious second dispatch (e.g. a
		// hangup revent racing a ForceClose already queued on this loop)
		// finds the connection already Disconnected and has nothing to do.
		L().Debug("TcpConnection: handleClose on non-live connection", zap.String("name", c.name))
		return
	}
	c.state = stateDisconnected
	c.channel.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	err := c.sock.soError()
	L().Warn("TcpConnection: socket error", zap.String("name", c.name), zap.Error(err))
}
