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
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const defaultPollTimeoutMs = 10000

// EventLoop is a single-threaded reactor: it must be created on, and its
// loop()/updateChannel()/removeChannel()/hasChannel() must only be called
// from, the goroutine that constructed it. queueInLoop and Wakeup are the
// only operations safe to call from any goroutine.
type EventLoop struct {
	tid uint64 // owning goroutine's identity proxy, see bindCurrentThread

	looping                atomic.Bool
	quit                   atomic.Bool
	callingPendingFunctors atomic.Bool

	poller *poller
	timers timerHeap

	wakeupFd      int
	wakeupChannel *Channel

	mu              sync.Mutex
	pendingFunctors []func()

	activeChannels []*Channel
}

// NewEventLoop constructs an EventLoop bound to the calling goroutine. The
// caller is responsible for never invoking loop()/updateChannel()/
// removeChannel()/hasChannel() from any other goroutine — typically this
// means constructing the EventLoop as the first statement inside the
// goroutine that will run it (see LoopThread).
func NewEventLoop() *EventLoop {
	wakeupFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		L().Fatal("EventLoop: eventfd failed", zap.Error(err))
	}
	loop := &EventLoop{
		tid:      bindCurrentThread(),
		poller:   newPoller(),
		wakeupFd: wakeupFd,
	}
	loop.wakeupChannel = NewChannel(loop, wakeupFd)
	loop.wakeupChannel.SetReadCallback(loop.handleWakeupRead)
	loop.wakeupChannel.EnableReading()
	return loop
}

// Loop runs the reactor until Quit is called. It must run on the
// goroutine that constructed the EventLoop.
func (loop *EventLoop) Loop() {
	if loop.looping.Load() {
		L().Fatal("EventLoop: Loop called while already looping")
	}
	loop.assertInLoopThread()
	loop.looping.Store(true)
	loop.quit.Store(false)

	L().Debug("EventLoop: starting")

	for !loop.quit.Load() {
		loop.activeChannels = loop.activeChannels[:0]
		timeout := loop.pollTimeoutMs()
		loop.poller.poll(timeout, &loop.activeChannels)
		for _, ch := range loop.activeChannels {
			loop.safeCall(ch.HandleEvent)
		}
		loop.runDueTimers()
		loop.doPendingFunctors()
	}

	loop.looping.Store(false)
	L().Debug("EventLoop: stopped")
}

func (loop *EventLoop) pollTimeoutMs() int {
	deadline, ok := loop.timers.nextDeadline()
	if !ok {
		return defaultPollTimeoutMs
	}
	d := deadline.Sub(Now())
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms > defaultPollTimeoutMs {
		return defaultPollTimeoutMs
	}
	return ms
}

func (loop *EventLoop) runDueTimers() {
	for _, fn := range loop.timers.popReady(Now()) {
		loop.safeCall(fn)
	}
}

// Quit asks the loop to stop after its current iteration. Pending tasks in
// the queue are not drained. Safe to call from any goroutine.
func (loop *EventLoop) Quit() {
	loop.quit.Store(true)
	if !loop.IsInLoopThread() {
		loop.Wakeup()
	}
}

// IsInLoopThread reports whether the calling goroutine is the loop's owner.
func (loop *EventLoop) IsInLoopThread() bool {
	return currentThreadID() == loop.tid
}

// assertInLoopThread aborts the process if the caller is not the owning
// goroutine — an affinity violation is a programming error, not a runtime
// one.
func (loop *EventLoop) assertInLoopThread() {
	if !loop.IsInLoopThread() {
		L().Fatal("EventLoop: called from outside its owning thread",
			zap.Uint64("owner", loop.tid), zap.Uint64("caller", currentThreadID()))
	}
}

// RunInLoop runs fn synchronously if the caller is already on the owning
// goroutine, otherwise it is queued and runs after the current poll
// iteration ends.
func (loop *EventLoop) RunInLoop(fn func()) {
	if loop.IsInLoopThread() {
		fn()
	} else {
		loop.QueueInLoop(fn)
	}
}

// QueueInLoop appends fn to the task queue under the loop's mutex and wakes
// the loop if the caller is foreign, or if the loop is mid-drain of pending
// functors (so a functor that enqueues more work doesn't starve the new
// work until the next I/O readiness).
func (loop *EventLoop) QueueInLoop(fn func()) {
	loop.mu.Lock()
	loop.pendingFunctors = append(loop.pendingFunctors, fn)
	loop.mu.Unlock()

	if !loop.IsInLoopThread() || loop.callingPendingFunctors.Load() {
		loop.Wakeup()
	}
}

// RunAfter schedules fn to run once, d from now, on this loop's goroutine.
// Safe to call from any goroutine; the cancel function is safe to call from
// any goroutine too.
func (loop *EventLoop) RunAfter(d time.Duration, fn func()) (cancel func()) {
	return loop.schedule(d, 0, fn)
}

// RunEvery schedules fn to run every d starting d from now, on this loop's
// goroutine, until cancelled.
func (loop *EventLoop) RunEvery(d time.Duration, fn func()) (cancel func()) {
	return loop.schedule(d, d, fn)
}

func (loop *EventLoop) schedule(delay, interval time.Duration, fn func()) func() {
	var cancelFn func()
	done := make(chan struct{})
	loop.RunInLoop(func() {
		cancelFn = loop.timers.push(Now().Add(delay), interval, fn)
		close(done)
	})
	return func() {
		<-done
		loop.RunInLoop(func() {
			if cancelFn != nil {
				cancelFn()
			}
		})
	}
}

// Wakeup interrupts a blocking poll from another goroutine. Idempotent and
// safe from any thread.
func (loop *EventLoop) Wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(loop.wakeupFd, buf[:]); err != nil {
		L().Debug("EventLoop: wakeup write failed", zap.Error(err))
	}
}

func (loop *EventLoop) handleWakeupRead() {
	var buf [8]byte
	if _, err := unix.Read(loop.wakeupFd, buf[:]); err != nil {
		L().Debug("EventLoop: wakeup read failed", zap.Error(err))
	}
}

// updateChannel registers or updates ch with the poller. Must run on the
// owning goroutine.
func (loop *EventLoop) updateChannel(ch *Channel) {
	if ch.OwnerLoop() != loop {
		L().Fatal("EventLoop: channel belongs to a different loop")
	}
	loop.assertInLoopThread()
	loop.poller.updateChannel(ch)
}

// removeChannel unregisters ch from the poller. Must run on the owning
// goroutine.
func (loop *EventLoop) removeChannel(ch *Channel) {
	if ch.OwnerLoop() != loop {
		L().Fatal("EventLoop: channel belongs to a different loop")
	}
	loop.assertInLoopThread()
	loop.poller.removeChannel(ch)
}

// HasChannel reports whether ch is currently registered with this loop's
// poller. Must run on the owning goroutine.
func (loop *EventLoop) HasChannel(ch *Channel) bool {
	if ch.OwnerLoop() != loop {
		return false
	}
	loop.assertInLoopThread()
	return loop.poller.hasChannel(ch)
}

// doPendingFunctors swaps the queue under the mutex into a local slice,
// then invokes each in order without holding the lock, so a functor that
// calls QueueInLoop does not deadlock.
func (loop *EventLoop) doPendingFunctors() {
	loop.mu.Lock()
	functors := loop.pendingFunctors
	loop.pendingFunctors = nil
	loop.mu.Unlock()

	loop.callingPendingFunctors.Store(true)
	for _, fn := range functors {
		loop.safeCall(fn)
	}
	loop.callingPendingFunctors.Store(false)
}

// safeCall invokes fn, logging and recovering from a panic instead of
// letting it escape to the loop goroutine — an uncaught user-callback
// failure would otherwise terminate the thread and leak the loop.
func (loop *EventLoop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			L().Error("EventLoop: callback panicked", zap.Any("recover", r))
		}
	}()
	fn()
}

// Close releases the loop's own resources (wakeup fd, poller fd). Only
// call this after Loop has returned.
func (loop *EventLoop) Close() error {
	loop.wakeupChannel.DisableAll()
	_ = unix.Close(loop.wakeupFd)
	return loop.poller.close()
}
