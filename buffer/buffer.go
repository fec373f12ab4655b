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

// Package buffer implements the cheap-prepend growable byte buffer used by
// TcpConnection for both its input and output sides. It favors reuse of
// its backing array over allocation: reads append past a write index,
// consumption advances a read index, and the two only get reshuffled back
// to the front when there isn't enough contiguous room left.
package buffer

import (
	"bytes"
	"errors"

	"golang.org/x/sys/unix"
)

const (
	// CheapPrepend is headroom reserved at the front of the backing array
	// so a length or framing header can be prepended without a copy.
	CheapPrepend = 8
	initialSize  = 1024
	extraBufSize = 65536
)

var crlf = []byte("\r\n")

// ErrNothingToRetrieve reports that a requested marker is not present in
// the buffer. No Buffer method returns it.
var ErrNothingToRetrieve = errors.New("buffer: marker not found")

// Buffer is a growable byte buffer with separate read and write cursors,
// not safe for concurrent use: callers (TcpConnection) confine all access
// to a single EventLoop goroutine.
type Buffer struct {
	buf    []byte
	readAt int
	wrAt   int
}

// New returns a Buffer with the default initial capacity.
func New() *Buffer {
	return NewSize(initialSize)
}

// NewSize returns a Buffer with at least initialSize bytes of writable
// capacity beyond the cheap-prepend region.
func NewSize(initialSize int) *Buffer {
	return &Buffer{
		buf:    make([]byte, CheapPrepend+initialSize),
		readAt: CheapPrepend,
		wrAt:   CheapPrepend,
	}
}

// ReadableBytes returns the number of bytes available to read.
func (b *Buffer) ReadableBytes() int { return b.wrAt - b.readAt }

// WritableBytes returns the number of bytes that can be appended without
// growing the backing array.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.wrAt }

// PrependableBytes returns the room currently available before the read
// cursor, including the reserved CheapPrepend region.
func (b *Buffer) PrependableBytes() int { return b.readAt }

// Peek returns the unread portion of the buffer without consuming it. The
// returned slice aliases the buffer's backing array and is invalidated by
// the next mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.readAt:b.wrAt] }

// FindCRLF returns the index, relative to Peek(), of the first "\r\n" in
// the unread region, or -1 if there isn't one.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// IndexByte returns the index, relative to Peek(), of the first occurrence
// of c in the unread region, or -1 if there isn't one.
func (b *Buffer) IndexByte(c byte) int {
	return bytes.IndexByte(b.Peek(), c)
}

// Retrieve advances the read cursor by n bytes, clamped to the readable
// region.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readAt += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveAll consumes every unread byte, returning a copy of it, and
// resets both cursors back to the start of the writable region.
func (b *Buffer) RetrieveAll() []byte {
	data := append([]byte(nil), b.Peek()...)
	b.readAt = CheapPrepend
	b.wrAt = CheapPrepend
	return data
}

// RetrieveAsString consumes and returns the next n bytes as a new string.
func (b *Buffer) RetrieveAsString(n int) string {
	s := string(b.buf[b.readAt : b.readAt+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllAsString consumes and returns every unread byte as a new
// string.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// Append copies data onto the end of the unread region, growing the
// buffer if necessary.
func (b *Buffer) Append(data []byte) {
	b.ensureWritable(len(data))
	copy(b.buf[b.wrAt:], data)
	b.wrAt += len(data)
}

// AppendString is Append for a string, avoiding a caller-side conversion.
func (b *Buffer) AppendString(s string) {
	b.ensureWritable(len(s))
	copy(b.buf[b.wrAt:], s)
	b.wrAt += len(s)
}

func (b *Buffer) ensureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		grown := make([]byte, b.wrAt+n)
		copy(grown, b.buf)
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.readAt:b.wrAt])
	b.readAt = CheapPrepend
	b.wrAt = b.readAt + readable
}

// Prepend writes data immediately before the current read cursor, into
// the reserved headroom. Panics if there isn't enough prependable room,
// which a caller respecting CheapPrepend will never hit for len(data) <=
// CheapPrepend.
func (b *Buffer) Prepend(data []byte) {
	b.readAt -= len(data)
	copy(b.buf[b.readAt:], data)
}

// Shrink reallocates the backing array down to exactly what's needed to
// hold the current readable bytes plus reserve extra bytes of headroom.
func (b *Buffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	grown := make([]byte, CheapPrepend+readable+reserve)
	copy(grown[CheapPrepend:], b.Peek())
	b.buf = grown
	b.readAt = CheapPrepend
	b.wrAt = b.readAt + readable
}

// ReadFd reads once from fd into the buffer, using a 64KiB stack-sized
// scratch area via readv so a single syscall can fill the buffer's
// existing writable space and still absorb a large datagram without
// forcing a grow on every call. It returns (0, nil) on EOF (the peer
// closed its write side) and (-1, err) on a genuine syscall error, so a
// caller can tell the two apart instead of treating every failure as a
// graceful close.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extra [extraBufSize]byte
	writable := b.WritableBytes()

	var iov [][]byte
	if writable > 0 {
		iov = append(iov, b.buf[b.wrAt:len(b.buf)])
	}
	if writable < extraBufSize {
		iov = append(iov, extra[:])
	}

	n, err := unix.Readv(fd, iov)
	if err != nil {
		return -1, err
	}
	if n <= writable {
		b.wrAt += n
	} else {
		b.wrAt = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}
