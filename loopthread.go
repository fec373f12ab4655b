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

import "sync"

// LoopThread owns a single goroutine hosting exactly one EventLoop for its
// lifetime. StartLoop returns only once the EventLoop has been constructed
// inside that goroutine, so callers never observe a nil loop pointer.
type LoopThread struct {
	mu      sync.Mutex
	cond    *sync.Cond
	loop    *EventLoop
	initCb  func(*EventLoop)
	started  bool
	stopped  chan struct{}
	closeErr error
}

// NewLoopThread creates a LoopThread that will invoke initCb (if non-nil)
// on the new EventLoop immediately after it is created and before it
// begins polling.
func NewLoopThread(initCb func(*EventLoop)) *LoopThread {
	t := &LoopThread{initCb: initCb, stopped: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Wait blocks until the worker goroutine's EventLoop has returned from Loop
// and been closed, then returns whatever error that Close call produced.
func (t *LoopThread) Wait() error {
	<-t.stopped
	return t.closeErr
}

// StartLoop spawns the worker goroutine and blocks until its EventLoop
// pointer has been published, then returns it.
func (t *LoopThread) StartLoop() *EventLoop {
	t.mu.Lock()
	if t.started {
		loop := t.loop
		t.mu.Unlock()
		return loop
	}
	t.started = true
	t.mu.Unlock()

	go t.threadFunc()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

func (t *LoopThread) threadFunc() {
	loop := NewEventLoop()

	if t.initCb != nil {
		t.initCb(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Loop()
	t.closeErr = loop.Close()
	close(t.stopped)
}
