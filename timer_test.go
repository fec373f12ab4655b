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
	"testing"
	"time"
)

func TestTimerHeapOrdersByDeadline(t *testing.T) {
	var h timerHeap
	now := Now()

	var order []int
	h.push(now.Add(30*time.Millisecond), 0, func() { order = append(order, 3) })
	h.push(now.Add(10*time.Millisecond), 0, func() { order = append(order, 1) })
	h.push(now.Add(20*time.Millisecond), 0, func() { order = append(order, 2) })

	for _, fn := range h.popReady(now.Add(40 * time.Millisecond)) {
		fn()
	}

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fired out of deadline order: %v", order)
	}
}

func TestTimerHeapCancelSkipsEntry(t *testing.T) {
	var h timerHeap
	now := Now()

	fired := false
	cancel := h.push(now.Add(time.Millisecond), 0, func() { fired = true })
	cancel()

	h.popReady(now.Add(time.Hour))
	if fired {
		t.Fatal("cancelled timer fired")
	}
}

func TestTimerHeapRunEveryReschedulesSameEntry(t *testing.T) {
	var h timerHeap
	now := Now()

	count := 0
	var cancel func()
	cancel = h.push(now.Add(time.Millisecond), time.Millisecond, func() { count++ })

	for i := 0; i < 3; i++ {
		now = now.Add(time.Millisecond)
		for _, fn := range h.popReady(now) {
			fn()
		}
	}
	if count != 3 {
		t.Fatalf("expected 3 firings, got %d", count)
	}

	cancel()
	now = now.Add(time.Millisecond)
	for _, fn := range h.popReady(now) {
		fn()
	}
	if count != 3 {
		t.Fatalf("cancel after reschedule should stop further firings, got %d", count)
	}
}

func TestTimerHeapNextDeadlineSkipsCancelled(t *testing.T) {
	var h timerHeap
	now := Now()

	cancelFirst := h.push(now.Add(time.Millisecond), 0, func() {})
	h.push(now.Add(2*time.Millisecond), 0, func() {})
	cancelFirst()

	d, ok := h.nextDeadline()
	if !ok {
		t.Fatal("expected a live deadline")
	}
	if d.Sub(now) < 2*time.Millisecond {
		t.Fatalf("expected to skip the cancelled earlier deadline, got delta %s", d.Sub(now))
	}
}
