/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package cleanup

import (
	"testing"
	"time"
)

var testConfig = Config{
	SweepInterval:    10 * time.Millisecond,
	MaxStaleLifetime: 100 * time.Millisecond,
}

func TestSweepRespectsStaleLifetime(t *testing.T) {
	t.Parallel()

	s := NewScheduler(testConfig, nil)
	var processed []string
	s.OnCleanup(func(ev Event) { processed = append(processed, ev.StreamID) })

	base := time.Now()
	s.Schedule(Event{StreamID: "s1", ClosedAt: base, Reason: "completed"})
	s.Schedule(Event{StreamID: "s2", ClosedAt: base.Add(50 * time.Millisecond), Reason: "cancelled"})

	// Too early for either event.
	if n := s.Sweep(base.Add(50 * time.Millisecond)); n != 0 {
		t.Fatalf("premature sweep processed %d events", n)
	}

	// s1 has aged past the stale lifetime, s2 has not.
	if n := s.Sweep(base.Add(120 * time.Millisecond)); n != 1 {
		t.Fatalf("sweep processed %d events, want 1", n)
	}
	if len(processed) != 1 || processed[0] != "s1" {
		t.Fatalf("processed = %v", processed)
	}

	if n := s.Sweep(base.Add(200 * time.Millisecond)); n != 1 {
		t.Fatalf("second sweep processed %d events, want 1", n)
	}
	if len(processed) != 2 || processed[1] != "s2" {
		t.Fatalf("processed = %v", processed)
	}
}

func TestSweepProcessesEachEventOnce(t *testing.T) {
	t.Parallel()

	s := NewScheduler(testConfig, nil)
	counts := map[string]int{}
	s.OnCleanup(func(ev Event) { counts[ev.StreamID]++ })

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		s.Schedule(Event{StreamID: id, ClosedAt: base.Add(time.Duration(i) * time.Millisecond)})
	}

	late := base.Add(time.Second)
	s.Sweep(late)
	s.Sweep(late)
	s.Sweep(late)

	for id, n := range counts {
		if n != 1 {
			t.Errorf("event %s processed %d times", id, n)
		}
	}
	if got := s.Stats().Processed; got != 3 {
		t.Errorf("Processed = %d, want 3", got)
	}
	if got := s.Stats().Pending; got != 0 {
		t.Errorf("Pending = %d, want 0", got)
	}
}

func TestScheduleOutOfOrderKeepsSortedProcessing(t *testing.T) {
	t.Parallel()

	s := NewScheduler(testConfig, nil)
	var order []string
	s.OnCleanup(func(ev Event) { order = append(order, ev.StreamID) })

	base := time.Now()
	s.Schedule(Event{StreamID: "late", ClosedAt: base.Add(30 * time.Millisecond)})
	s.Schedule(Event{StreamID: "early", ClosedAt: base})
	s.Schedule(Event{StreamID: "mid", ClosedAt: base.Add(10 * time.Millisecond)})

	s.Sweep(base.Add(time.Second))
	want := []string{"early", "mid", "late"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestLagNotification(t *testing.T) {
	t.Parallel()

	s := NewScheduler(testConfig, nil)
	var lagged []string
	s.OnCleanup(func(Event) {})
	s.OnLag(func(ev Event) { lagged = append(lagged, ev.StreamID) })

	base := time.Now()
	s.Schedule(Event{StreamID: "old", ClosedAt: base})
	s.Schedule(Event{StreamID: "fresh", ClosedAt: base.Add(150 * time.Millisecond)})

	// "old" is more than twice the stale lifetime past its close.
	s.Sweep(base.Add(260 * time.Millisecond))

	if len(lagged) != 1 || lagged[0] != "old" {
		t.Errorf("lagged = %v, want [old]", lagged)
	}
	if got := s.Stats().Lagged; got != 1 {
		t.Errorf("Lagged = %d, want 1", got)
	}
}

func TestPanickingHandlerDoesNotHaltSweep(t *testing.T) {
	t.Parallel()

	s := NewScheduler(testConfig, nil)
	var survived []string
	s.OnCleanup(func(ev Event) { panic("handler bug: " + ev.StreamID) })
	s.OnCleanup(func(ev Event) { survived = append(survived, ev.StreamID) })

	base := time.Now()
	s.Schedule(Event{StreamID: "x", ClosedAt: base})
	s.Schedule(Event{StreamID: "y", ClosedAt: base.Add(time.Millisecond)})

	if n := s.Sweep(base.Add(time.Second)); n != 2 {
		t.Fatalf("sweep processed %d events, want 2", n)
	}
	if len(survived) != 2 {
		t.Errorf("second handler saw %v", survived)
	}
}

func TestCompactionPreservesPending(t *testing.T) {
	t.Parallel()

	s := NewScheduler(testConfig, nil)
	s.OnCleanup(func(Event) {})

	base := time.Now()
	for i := 0; i < 10; i++ {
		s.Schedule(Event{StreamID: "old", ClosedAt: base.Add(time.Duration(i) * time.Millisecond)})
	}
	future := base.Add(time.Hour)
	s.Schedule(Event{StreamID: "pending", ClosedAt: future})

	s.Sweep(base.Add(time.Second))
	if got := s.Stats().Pending; got != 1 {
		t.Fatalf("Pending = %d after compaction, want 1", got)
	}

	var processed []string
	s.OnCleanup(func(ev Event) { processed = append(processed, ev.StreamID) })
	s.Sweep(future.Add(time.Second))
	if len(processed) != 1 || processed[0] != "pending" {
		t.Errorf("processed after compaction = %v", processed)
	}
}
