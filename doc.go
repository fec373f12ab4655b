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

// Package reactor implements a multi-threaded, non-blocking TCP server
// framework built around the classic one-loop-per-thread reactor pattern.
//
// A single Acceptor runs on a base EventLoop and round-robins accepted
// connections across a LoopThreadPool of worker loops. Every operation on a
// TcpConnection — state transitions, buffer mutation, callback invocation —
// happens on exactly one goroutine: the worker loop that owns it.
package reactor
