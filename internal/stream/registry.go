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

// Package stream tracks active generation streams and fans wire events out
// to their subscribers.
//
// Each stream has exactly one terminal transition. Events arriving after a
// terminal status are dropped silently; that is the gateway's defense
// against late worker messages. Per-stream event order follows dispatch
// order on the owning transport goroutine.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"go.corp.nvidia.com/halo/internal/cleanup"
	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/internal/wire"
)

// Status is a stream lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusTimedOut  Status = "timedout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Subscriber receives the events of one stream, one function per variant.
// Nil functions are skipped. The single consumer is the generator built
// for the stream.
type Subscriber struct {
	Chunk     func(wire.Chunk)
	Stats     func(wire.Stats)
	Completed func()
	Errored   func(error)
	TimedOut  func()
	Cancelled func()
}

// RegisterOptions parameterize one stream registration.
type RegisterOptions struct {
	ModelID  string
	TenantID string
	WorkerID string
	// Timeout arms a single-shot timer; zero disables it.
	Timeout time.Duration
	// Abort is invoked on cancel and timeout so the worker side stops
	// producing. Optional.
	Abort func()
}

// Info is a read-only snapshot of one stream entry.
type Info struct {
	StreamID     string
	ModelID      string
	TenantID     string
	WorkerID     string
	Status       Status
	CreatedAt    time.Time
	FirstChunkAt time.Time
	LastChunkAt  time.Time
	TokenCount   int
}

type entry struct {
	info  Info
	sub   Subscriber
	abort func()
	timer *time.Timer
}

// Metrics aggregates registry state for the stats surface and the
// admission governor.
type Metrics struct {
	Active      int
	Completed   uint64
	Errored     uint64
	TimedOut    uint64
	Cancelled   uint64
	TotalTokens uint64
	// TTFTSeconds is an exponential moving average of time to first
	// token across streams. Zero until the first sample.
	TTFTSeconds float64
}

// ttftAlpha weights new TTFT samples in the moving average.
const ttftAlpha = 0.2

// Registry maps stream ids to entries and dispatches their events.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*entry
	metrics Metrics
	ttftSet bool

	terminalHook func(Info)

	cleaner *cleanup.Scheduler
	logger  *slog.Logger
}

// NewRegistry creates a Registry. Terminal entries are removed when the
// cleaner processes their closure event; with a nil cleaner they are kept
// until removed by the caller.
func NewRegistry(cleaner *cleanup.Scheduler, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		streams: make(map[string]*entry),
		cleaner: cleaner,
		logger:  logger,
	}
	if cleaner != nil {
		cleaner.OnCleanup(func(ev cleanup.Event) { r.remove(ev.StreamID) })
	}
	return r
}

// Register creates an active entry for the stream id. Reusing a live id
// fails with AlreadyExists.
func (r *Registry) Register(streamID string, opts RegisterOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[streamID]; ok {
		return gwerr.Errorf(gwerr.AlreadyExists, "stream %s already registered", streamID)
	}
	e := &entry{
		info: Info{
			StreamID:  streamID,
			ModelID:   opts.ModelID,
			TenantID:  opts.TenantID,
			WorkerID:  opts.WorkerID,
			Status:    StatusActive,
			CreatedAt: time.Now(),
		},
		abort: opts.Abort,
	}
	if opts.Timeout > 0 {
		e.timer = time.AfterFunc(opts.Timeout, func() { r.OnTimeout(streamID) })
	}
	r.streams[streamID] = e
	return nil
}

// AssignWorker records which worker serves the stream, once routing has
// decided. Used to fail the stream if that worker dies.
func (r *Registry) AssignWorker(streamID, workerID string) {
	r.mu.Lock()
	if e, ok := r.streams[streamID]; ok {
		e.info.WorkerID = workerID
	}
	r.mu.Unlock()
}

// OnTerminal registers a hook invoked after every terminal transition,
// outside the registry lock. The engine uses it to free scheduler slots
// and routing state promptly.
func (r *Registry) OnTerminal(fn func(info Info)) {
	r.mu.Lock()
	r.terminalHook = fn
	r.mu.Unlock()
}

// Subscribe attaches the single consumer for a stream's events.
func (r *Registry) Subscribe(streamID string, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.streams[streamID]
	if !ok {
		return gwerr.Errorf(gwerr.NotFound, "stream %s not registered", streamID)
	}
	e.sub = sub
	return nil
}

// OnChunk dispatches a token chunk. Chunks after terminal status are
// dropped silently.
func (r *Registry) OnChunk(streamID string, c wire.Chunk) {
	tokens := 1
	if len(c.Tokens) > 0 {
		tokens = len(c.Tokens)
	}

	r.mu.Lock()
	e, ok := r.streams[streamID]
	if !ok || e.info.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	if e.info.FirstChunkAt.IsZero() {
		e.info.FirstChunkAt = now
		r.observeTTFT(now.Sub(e.info.CreatedAt).Seconds())
	}
	e.info.LastChunkAt = now
	e.info.TokenCount += tokens
	r.metrics.TotalTokens += uint64(tokens)
	sub := e.sub
	r.mu.Unlock()

	if sub.Chunk != nil {
		sub.Chunk(c)
	}
}

// OnStats dispatches generation statistics. Stats do not terminate the
// stream; the worker sends them ahead of completion.
func (r *Registry) OnStats(streamID string, s wire.Stats) {
	r.mu.Lock()
	e, ok := r.streams[streamID]
	if !ok || e.info.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	sub := e.sub
	r.mu.Unlock()

	if sub.Stats != nil {
		sub.Stats(s)
	}
}

// OnCompleted marks the stream completed and notifies its subscriber.
func (r *Registry) OnCompleted(streamID string) {
	e, ok := r.transition(streamID, StatusCompleted, "completed")
	if !ok {
		return
	}
	if e.sub.Completed != nil {
		e.sub.Completed()
	}
}

// OnError marks the stream errored and delivers the error.
func (r *Registry) OnError(streamID string, err error) {
	e, ok := r.transition(streamID, StatusErrored, "errored")
	if !ok {
		return
	}
	if e.sub.Errored != nil {
		e.sub.Errored(err)
	}
}

// OnTimeout marks the stream timed out, fires the abort so the worker
// stops producing, and notifies the subscriber.
func (r *Registry) OnTimeout(streamID string) {
	e, ok := r.transition(streamID, StatusTimedOut, "timeout")
	if !ok {
		return
	}
	if e.abort != nil {
		e.abort()
	}
	if e.sub.TimedOut != nil {
		e.sub.TimedOut()
	}
}

// Cancel transitions an active stream to cancelled. Idempotent: a second
// call, or a cancel after another terminal event, is a no-op.
func (r *Registry) Cancel(streamID string) {
	e, ok := r.transition(streamID, StatusCancelled, "cancelled")
	if !ok {
		return
	}
	if e.abort != nil {
		e.abort()
	}
	if e.sub.Cancelled != nil {
		e.sub.Cancelled()
	}
}

// transition performs the single terminal transition for a stream. The
// second and later attempts return ok=false and the event is dropped.
func (r *Registry) transition(streamID string, to Status, reason string) (*entry, bool) {
	r.mu.Lock()
	e, ok := r.streams[streamID]
	if !ok || e.info.Status.Terminal() {
		r.mu.Unlock()
		return nil, false
	}
	e.info.Status = to
	switch to {
	case StatusCompleted:
		r.metrics.Completed++
	case StatusErrored:
		r.metrics.Errored++
	case StatusTimedOut:
		r.metrics.TimedOut++
	case StatusCancelled:
		r.metrics.Cancelled++
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	info := e.info
	hook := r.terminalHook
	r.mu.Unlock()

	if hook != nil {
		hook(info)
	}
	if r.cleaner != nil {
		r.cleaner.Schedule(cleanup.Event{
			StreamID: streamID,
			ClosedAt: time.Now(),
			Reason:   reason,
		})
	}
	return e, true
}

// FailWorkerStreams errors every active stream owned by the given worker.
// Used when a worker dies or its transport closes.
func (r *Registry) FailWorkerStreams(workerID string, err error) {
	r.mu.Lock()
	var ids []string
	for id, e := range r.streams {
		if e.info.WorkerID == workerID && !e.info.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.OnError(id, err)
	}
}

// CancelAll cancels every active stream. Used at dispose.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	var ids []string
	for id, e := range r.streams {
		if !e.info.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Cancel(id)
	}
}

// IsActive reports whether the stream exists and is not terminal.
func (r *Registry) IsActive(streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.streams[streamID]
	return ok && !e.info.Status.Terminal()
}

// Get returns a snapshot of one stream entry.
func (r *Registry) Get(streamID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.streams[streamID]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// Active counts streams that have not reached a terminal status.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.streams {
		if !e.info.Status.Terminal() {
			n++
		}
	}
	return n
}

// AggregateMetrics returns a snapshot of registry counters.
func (r *Registry) AggregateMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metrics
	for _, e := range r.streams {
		if !e.info.Status.Terminal() {
			m.Active++
		}
	}
	return m
}

func (r *Registry) observeTTFT(seconds float64) {
	if !r.ttftSet {
		r.metrics.TTFTSeconds = seconds
		r.ttftSet = true
		return
	}
	r.metrics.TTFTSeconds = ttftAlpha*seconds + (1-ttftAlpha)*r.metrics.TTFTSeconds
}

func (r *Registry) remove(streamID string) {
	r.mu.Lock()
	e, ok := r.streams[streamID]
	if ok && !e.info.Status.Terminal() {
		// Closure events only exist for terminal streams; an active
		// entry here is a bug upstream.
		r.mu.Unlock()
		r.logger.Warn("refusing to remove active stream", slog.String("stream_id", streamID))
		return
	}
	delete(r.streams, streamID)
	r.mu.Unlock()
}
