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
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TcpServer wires an Acceptor running on a base EventLoop to a
// LoopThreadPool of worker loops that accepted connections are dispatched
// to round-robin. It is not safe to share a TcpServer across goroutines
// except through its exported methods.
type TcpServer struct {
	loop       *EventLoop
	name       string
	listenAddr Endpoint
	acceptor   *Acceptor
	threadPool *LoopThreadPool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMark         int
	highWaterMarkCallback HighWaterMarkCallback
	threadInitCallback    func(*EventLoop)

	mu          sync.Mutex
	connections map[string]*TcpConnection

	started    bool
	numThreads int
	nextConnID int
}

// NewTcpServer creates a TcpServer that will listen on listenAddr once
// Start is called. loop becomes both the Acceptor's loop and, absent any
// worker threads, the loop every connection is dispatched to.
func NewTcpServer(loop *EventLoop, listenAddr Endpoint, name string, reusePort bool) *TcpServer {
	s := &TcpServer{
		loop:          loop,
		name:          name,
		listenAddr:    listenAddr,
		highWaterMark: defaultHighWaterMark,
		connections:   make(map[string]*TcpConnection),
		nextConnID:    1,
	}
	s.acceptor = NewAcceptor(loop, listenAddr, reusePort)
	s.acceptor.SetNewConnectionCallback(s.newConnection)
	s.threadPool = NewLoopThreadPool(loop, func(l *EventLoop) {
		if s.threadInitCallback != nil {
			s.threadInitCallback(l)
		}
	})
	return s
}

// Addr returns the address the server is actually listening on. Safe to
// call only after Start.
func (s *TcpServer) Addr() (Endpoint, error) {
	return s.acceptor.Addr()
}

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback)       { s.connectionCallback = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback)             { s.messageCallback = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }
func (s *TcpServer) SetThreadInitCallback(cb func(*EventLoop))         { s.threadInitCallback = cb }

// SetHighWaterMarkCallback installs the callback applied to every
// connection created after this call (and remembered for SetThreadNum's
// worker loops too).
func (s *TcpServer) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	s.highWaterMarkCallback = cb
	s.highWaterMark = mark
}

// SetThreadNum configures how many worker loops to run. Must be called
// before Start.
func (s *TcpServer) SetThreadNum(numThreads int) {
	if s.started {
		L().Fatal("TcpServer: SetThreadNum called after Start")
	}
	s.numThreads = numThreads
}

// Start begins listening and launches the worker pool. Calling it more
// than once returns ErrServerAlreadyStarted and otherwise does nothing.
func (s *TcpServer) Start() error {
	if s.started {
		return ErrServerAlreadyStarted
	}
	s.started = true
	s.threadPool.Start(s.numThreads)
	s.loop.RunInLoop(func() {
		s.acceptor.Listen(1024)
	})
	return nil
}

// Close tears down every live connection, stops accepting new ones, and
// shuts down the worker thread pool. Must be called after Start. It queues
// each connection's connectDestroyed on that connection's loop before it
// stops the worker loops, so those loops must still be running when Close
// is called; Close does not check this.
func (s *TcpServer) Close() error {
	if !s.started {
		return ErrServerNotStarted
	}

	var acceptorErr error
	done := make(chan struct{})
	s.loop.RunInLoop(func() {
		acceptorErr = s.acceptor.Close()
		close(done)
	})
	<-done

	s.mu.Lock()
	conns := make([]*TcpConnection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		conn := c
		conn.Loop().RunInLoop(func() {
			conn.connectDestroyed()
		})
	}

	return multierr.Append(acceptorErr, s.threadPool.Close())
}

func (s *TcpServer) newConnection(connFd int, peer Endpoint) {
	s.loop.assertInLoopThread()

	ioLoop := s.threadPool.GetNextLoop()
	connName := fmt.Sprintf("%s#%d", s.name, s.nextConnID)
	s.nextConnID++

	L().Debug("TcpServer: new connection",
		zap.String("server", s.name), zap.String("conn", connName), zap.String("peer", peer.String()))

	local, err := socket{fd: connFd}.localAddr()
	if err != nil {
		local = s.listenAddr
	}
	conn := newTcpConnection(ioLoop, connName, connFd, local, peer)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	if s.highWaterMarkCallback != nil {
		conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.highWaterMark)
	}
	conn.SetCloseCallback(s.removeConnection)

	ioLoop.RunInLoop(conn.connectEstablished)
}

func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.loop.RunInLoop(func() {
		s.removeConnectionInLoop(conn)
	})
}

func (s *TcpServer) removeConnectionInLoop(conn *TcpConnection) {
	s.loop.assertInLoopThread()

	L().Debug("TcpServer: removing connection",
		zap.String("server", s.name), zap.String("conn", conn.Name()))

	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()

	conn.Loop().QueueInLoop(conn.connectDestroyed)
}
