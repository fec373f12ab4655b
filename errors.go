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

import "errors"

// ErrServerNotStarted is returned by operations that require TcpServer.Start
// to have run first.
var ErrServerNotStarted = errors.New("reactor: server not started")

// ErrServerAlreadyStarted is returned by Start when called more than once
// on the same TcpServer.
var ErrServerAlreadyStarted = errors.New("reactor: server already started")
