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

import "go.uber.org/multierr"

// LoopThreadPool spins up a fixed number of worker LoopThreads and hands
// out their EventLoops round-robin. A pool of size 0 degrades to handing
// out the base loop (the server's own loop) for every connection, i.e. a
// single-threaded reactor.
type LoopThreadPool struct {
	baseLoop *EventLoop
	initCb   func(*EventLoop)

	started bool
	threads []*LoopThread
	loops   []*EventLoop
	next    int
}

// NewLoopThreadPool creates a pool anchored to baseLoop, the loop that will
// run the Acceptor. initCb, if non-nil, runs on each worker loop right
// after it is constructed.
func NewLoopThreadPool(baseLoop *EventLoop, initCb func(*EventLoop)) *LoopThreadPool {
	return &LoopThreadPool{baseLoop: baseLoop, initCb: initCb}
}

// Start launches numThreads worker LoopThreads. Must be called from the
// base loop's goroutine, before the base loop starts polling. numThreads
// of 0 means every connection is handled on the base loop itself.
func (p *LoopThreadPool) Start(numThreads int) {
	if p.started {
		L().Fatal("LoopThreadPool: Start called twice")
	}
	p.started = true

	for i := 0; i < numThreads; i++ {
		t := NewLoopThread(p.initCb)
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, t.StartLoop())
	}

	if numThreads == 0 && p.initCb != nil {
		p.initCb(p.baseLoop)
	}
}

// GetNextLoop returns the next worker loop in round-robin order, or the
// base loop if the pool has no workers.
func (p *LoopThreadPool) GetNextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// GetAllLoops returns every worker loop, or just the base loop if the pool
// has no workers.
func (p *LoopThreadPool) GetAllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return p.loops
}

// Close quits every worker loop and waits for its goroutine to tear down.
// A no-op pool (no worker threads) has nothing to stop. Errors closing
// individual worker loops are aggregated rather than dropped.
func (p *LoopThreadPool) Close() error {
	for _, l := range p.loops {
		l.Quit()
	}

	var err error
	for _, t := range p.threads {
		err = multierr.Append(err, t.Wait())
	}
	return err
}
