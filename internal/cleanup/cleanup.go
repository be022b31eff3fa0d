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

// Package cleanup implements the deterministic closure queue for finished
// streams. Events are kept sorted by close time; a monotonic cursor walks
// the queue and never revisits a processed index.
package cleanup

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Event records the closure of one stream.
type Event struct {
	StreamID string
	ClosedAt time.Time
	Reason   string
}

// Handler receives processed events. A panicking handler is recovered and
// logged; it never halts the sweep.
type Handler func(Event)

// Config parameterizes the Scheduler.
type Config struct {
	// SweepInterval is the period of the background sweep.
	SweepInterval time.Duration
	// MaxStaleLifetime is how long an event must age before it is
	// processed. Events older than twice this emit a lag notification.
	MaxStaleLifetime time.Duration
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	Pending   int
	Processed uint64
	Lagged    uint64
}

// Scheduler is the deterministic cleanup queue.
type Scheduler struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	queue  []Event
	cursor int

	handlers    []Handler
	lagHandlers []Handler

	processed uint64
	lagged    uint64

	stopOnce sync.Once
	stop     chan struct{}
}

// NewScheduler creates a Scheduler. Start must be called to run the
// background sweep; Sweep may also be driven directly.
func NewScheduler(config Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config: config,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// OnCleanup registers a handler for processed events. Not safe to call
// after Start.
func (s *Scheduler) OnCleanup(h Handler) {
	s.handlers = append(s.handlers, h)
}

// OnLag registers a handler for events whose age exceeded twice the stale
// lifetime before processing.
func (s *Scheduler) OnLag(h Handler) {
	s.lagHandlers = append(s.lagHandlers, h)
}

// Schedule inserts an event keeping the queue sorted by ClosedAt. The
// common in-order arrival is an O(1) append; out-of-order arrivals pay a
// sorted insert, never before the cursor.
func (s *Scheduler) Schedule(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.queue); n == 0 || !ev.ClosedAt.Before(s.queue[n-1].ClosedAt) {
		s.queue = append(s.queue, ev)
		return
	}
	pos := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].ClosedAt.After(ev.ClosedAt)
	})
	if pos < s.cursor {
		pos = s.cursor
	}
	s.queue = append(s.queue, Event{})
	copy(s.queue[pos+1:], s.queue[pos:])
	s.queue[pos] = ev
}

// Sweep processes every event that aged past MaxStaleLifetime as of now.
// Returns the number of events processed. Each event is processed exactly
// once; the cursor only advances.
func (s *Scheduler) Sweep(now time.Time) int {
	s.mu.Lock()
	var ready []Event
	for s.cursor < len(s.queue) {
		ev := s.queue[s.cursor]
		if now.Sub(ev.ClosedAt) < s.config.MaxStaleLifetime {
			break
		}
		ready = append(ready, ev)
		s.cursor++
	}
	s.processed += uint64(len(ready))

	// Compact once the processed prefix dominates the queue.
	if s.cursor > len(s.queue)/2 {
		s.queue = append(s.queue[:0], s.queue[s.cursor:]...)
		s.cursor = 0
	}
	s.mu.Unlock()

	for _, ev := range ready {
		if now.Sub(ev.ClosedAt) > 2*s.config.MaxStaleLifetime {
			s.mu.Lock()
			s.lagged++
			s.mu.Unlock()
			s.logger.Warn("cleanup lag",
				slog.String("stream_id", ev.StreamID),
				slog.Duration("age", now.Sub(ev.ClosedAt)))
			for _, h := range s.lagHandlers {
				s.invoke(h, ev)
			}
		}
		for _, h := range s.handlers {
			s.invoke(h, ev)
		}
	}
	return len(ready)
}

func (s *Scheduler) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cleanup handler panicked",
				slog.String("stream_id", ev.StreamID),
				slog.Any("panic", r))
		}
	}()
	h(ev)
}

// Start runs the periodic sweep until the context is done or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(time.Now())
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the background sweep. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Stats returns a snapshot of queue depth and counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:   len(s.queue) - s.cursor,
		Processed: s.processed,
		Lagged:    s.lagged,
	}
}
