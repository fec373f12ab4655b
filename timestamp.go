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
	"time"
)

// Timestamp is a monotonic-ish wall-clock value, used to order timer-heap
// entries and to stamp diagnostic log lines.
type Timestamp struct {
	t time.Time
}

// Now returns the current Timestamp.
func Now() Timestamp {
	return Timestamp{t: time.Now()}
}

// Add returns the Timestamp d later than ts.
func (ts Timestamp) Add(d time.Duration) Timestamp {
	return Timestamp{t: ts.t.Add(d)}
}

// Before reports whether ts happens before other.
func (ts Timestamp) Before(other Timestamp) bool {
	return ts.t.Before(other.t)
}

// Sub returns the duration ts is ahead of other (negative if behind).
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return ts.t.Sub(other.t)
}

// Valid reports whether ts has been initialized via Now/Add.
func (ts Timestamp) Valid() bool {
	return !ts.t.IsZero()
}

// String renders ts as "2006-01-02 15:04:05.000000".
func (ts Timestamp) String() string {
	return fmt.Sprintf("%s.%06d", ts.t.Format("2006-01-02 15:04:05"), ts.t.Nanosecond()/1000)
}
