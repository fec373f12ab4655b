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
	"runtime"

	"golang.org/x/sys/unix"
)

// bindCurrentThread locks the calling goroutine to its current OS thread
// for the remainder of its life and returns that thread's id. EventLoop
// uses this, instead of a non-existent goroutine-id API, to implement the
// same "anchored to the creating OS thread" affinity the reactor pattern
// requires: a loop's goroutine is expected to live for the process
// lifetime (see LoopThread), so pinning it once at construction is
// sufficient to make IsInLoopThread a true single-thread check.
func bindCurrentThread() uint64 {
	runtime.LockOSThread()
	return uint64(unix.Gettid())
}

// currentThreadID returns the OS thread id of the calling goroutine,
// without affecting its thread affinity.
func currentThreadID() uint64 {
	return uint64(unix.Gettid())
}
