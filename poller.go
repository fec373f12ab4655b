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

const initialEventListSize = 16

// poller is the OS readiness demultiplexer. It owns an epoll instance and
// a fd -> Channel map; Channels register themselves through their owning
// EventLoop, never directly.
type poller struct {
	epfd     int
	channels map[int]*Channel
	events   []unix.EpollEvent
}

func newPoller() *poller {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		L().Fatal("poller: epoll_create1 failed", zap.Error(err))
	}
	return &poller{
		epfd:     epfd,
		channels: make(map[int]*Channel),
		events:   make([]unix.EpollEvent, initialEventListSize),
	}
}

// poll blocks until at least one fd is ready or timeoutMs elapses (-1 means
// block forever), appending the ready Channels to active in no particular
// order. Returns the number of ready events.
func (p *poller) poll(timeoutMs int, active *[]*Channel) int {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0
		}
		L().Warn("poller: epoll_wait failed", zap.Error(err))
		return 0
	}
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if ch, ok := p.channels[fd]; ok {
			ch.SetRevents(p.events[i].Events)
			*active = append(*active, ch)
		}
	}
	if n == len(p.events) {
		// The event list was filled entirely; double its capacity so the
		// next wait can report more readiness in one call.
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return n
}

// updateChannel registers or re-registers ch with the kernel poller
// depending on its current registration state and interest mask.
func (p *poller) updateChannel(ch *Channel) {
	fd := ch.Fd()
	if ch.Index() == int(channelUnregistered) {
		p.channels[fd] = ch
		ch.SetIndex(int(channelRegistered))
		p.ctl(unix.EPOLL_CTL_ADD, ch)
		return
	}
	// Already registered.
	if ch.IsNoneEvent() {
		p.ctl(unix.EPOLL_CTL_DEL, ch)
		ch.SetIndex(int(channelUnregistered))
		return
	}
	p.ctl(unix.EPOLL_CTL_MOD, ch)
}

// removeChannel requires ch to have an empty interest mask and to be
// present in the map; it unregisters ch from both the map and, if still
// kernel-registered, the epoll instance.
func (p *poller) removeChannel(ch *Channel) {
	fd := ch.Fd()
	if _, ok := p.channels[fd]; !ok {
		L().Fatal("poller: removeChannel on unknown fd", zap.Int("fd", fd))
	}
	if !ch.IsNoneEvent() {
		L().Fatal("poller: removeChannel with nonzero interest mask", zap.Int("fd", fd))
	}
	delete(p.channels, fd)
	if ch.Index() == int(channelRegistered) {
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			L().Debug("poller: epoll_ctl(DEL) failed", zap.Int("fd", fd), zap.Error(err))
		}
	}
	ch.SetIndex(int(channelUnregistered))
}

// hasChannel reports whether ch is currently tracked by this poller.
func (p *poller) hasChannel(ch *Channel) bool {
	found, ok := p.channels[ch.Fd()]
	return ok && found == ch
}

func (p *poller) ctl(op int, ch *Channel) {
	ev := unix.EpollEvent{Events: ch.Events(), Fd: int32(ch.Fd())}
	if err := unix.EpollCtl(p.epfd, op, ch.Fd(), &ev); err != nil {
		switch op {
		case unix.EPOLL_CTL_DEL:
			// The fd may already have been closed by the kernel; not fatal.
			L().Debug("poller: epoll_ctl(DEL) failed", zap.Int("fd", ch.Fd()), zap.Error(err))
		default:
			L().Fatal("poller: epoll_ctl failed", zap.Int("op", op), zap.Int("fd", ch.Fd()), zap.Error(err))
		}
	}
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
