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

import "golang.org/x/sys/unix"

// channelState is a Channel's registration state in its Poller.
type channelState int

const (
	channelUnregistered channelState = -1
	channelRegistered   channelState = 0
)

const (
	eventNone  = uint32(0)
	eventRead  = uint32(unix.EPOLLIN | unix.EPOLLPRI)
	eventWrite = uint32(unix.EPOLLOUT)
)

// Channel binds one file descriptor to an interest mask and a set of
// callbacks within a single EventLoop. A Channel owns no fd — the fd's
// lifetime is managed elsewhere (typically a socket struct held by the same
// owner). Interest-mask mutators must only be called from the owning
// loop's goroutine; they are not guarded by a mutex.
type Channel struct {
	loop   *EventLoop
	fd     int
	events uint32
	revents uint32
	state  channelState

	readCallback  func()
	writeCallback func()
	closeCallback func()
	errorCallback func()

	// index holds the Channel's registration state in its poller (a
	// channelState value); it is used by EventLoop/Poller bookkeeping only.
	index int
}

// NewChannel creates a Channel for fd, bound to loop. It starts with no
// interest bits set and is not yet registered with the poller.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:  loop,
		fd:    fd,
		state: channelUnregistered,
		index: -1,
	}
}

// SetReadCallback sets the callback fired on readable/read-half-closed.
func (c *Channel) SetReadCallback(cb func()) { c.readCallback = cb }

// SetWriteCallback sets the callback fired on writable.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }

// SetCloseCallback sets the callback fired on hangup without readable.
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }

// SetErrorCallback sets the callback fired on the error bit.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCallback = cb }

// Fd returns the bound file descriptor.
func (c *Channel) Fd() int { return c.fd }

// Events returns the current interest mask.
func (c *Channel) Events() uint32 { return c.events }

// SetRevents records the readiness mask reported by the poller for the next
// handleEvent call. Called only by the Poller, from the owning loop thread.
func (c *Channel) SetRevents(revt uint32) { c.revents = revt }

// Index returns the Poller-private bookkeeping slot for this Channel.
func (c *Channel) Index() int { return c.index }

// SetIndex sets the Poller-private bookkeeping slot for this Channel.
func (c *Channel) SetIndex(idx int) { c.index = idx }

// OwnerLoop returns the EventLoop this Channel is bound to.
func (c *Channel) OwnerLoop() *EventLoop { return c.loop }

// IsNoneEvent reports whether the Channel currently has no interest bits.
func (c *Channel) IsNoneEvent() bool { return c.events == eventNone }

// IsReading reports whether the read interest bit is set.
func (c *Channel) IsReading() bool { return c.events&eventRead != 0 }

// IsWriting reports whether the write interest bit is set.
func (c *Channel) IsWriting() bool { return c.events&eventWrite != 0 }

// EnableReading enables the read interest bit and asks the owning loop to
// update the poller registration.
func (c *Channel) EnableReading() {
	c.events |= eventRead
	c.update()
}

// DisableReading clears the read interest bit.
func (c *Channel) DisableReading() {
	c.events &^= eventRead
	c.update()
}

// EnableWriting enables the write interest bit.
func (c *Channel) EnableWriting() {
	c.events |= eventWrite
	c.update()
}

// DisableWriting clears the write interest bit.
func (c *Channel) DisableWriting() {
	c.events &^= eventWrite
	c.update()
}

// DisableAll clears every interest bit.
func (c *Channel) DisableAll() {
	c.events = eventNone
	c.update()
}

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// Remove detaches the Channel from its owning loop's poller. The caller
// must have already disabled all interest (DisableAll) — this mirrors the
// invariant that a Channel must have an empty interest mask before it is
// dropped from the poller.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

// HandleEvent dispatches callbacks for the last-reported revents, in the
// fixed order required by the reactor: close, error, read, write. Read
// covers both conventional readability and a half-closed read side
// (EPOLLRDHUP), so the handler can drain residual data before acknowledging
// close.
func (c *Channel) HandleEvent() {
	if c.revents&unix.EPOLLHUP != 0 && c.revents&unix.EPOLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&unix.EPOLLERR != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback()
		}
	}
	if c.revents&unix.EPOLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
