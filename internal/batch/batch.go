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

// Package batch coalesces concurrent generate requests into batch RPCs.
// A batch flushes when it reaches the target size, when the oldest item
// has waited the maximum window, or when an urgent item arrives. Enqueue
// returns once the worker accepted the request; tokens flow through the
// stream registry, not through the batcher.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/internal/wire"
)

// Sender carries a flushed batch to a worker.
type Sender interface {
	// SendBatch submits the items in one batch_generate call. An error
	// fails every item of this flush; per-item rejections surface on the
	// individual streams instead.
	SendBatch(ctx context.Context, items []wire.GenerateParams) error
	// CancelStream tells the worker to stop one stream.
	CancelStream(streamID string)
}

// Options shape one enqueued item.
type Options struct {
	// Urgent flushes the pending batch immediately.
	Urgent bool
	// Timeout bounds the wait for worker acceptance. Zero uses the
	// batcher default.
	Timeout time.Duration
}

// Config parameterizes the Batcher.
type Config struct {
	// MaxBatchSize caps a flush regardless of the adaptive target.
	MaxBatchSize int
	// MaxWait bounds how long the first item of a batch waits for
	// company.
	MaxWait time.Duration
	// AcceptTimeout is the default bound on Enqueue.
	AcceptTimeout time.Duration
	// Adaptive enables EMA-driven batch sizing.
	Adaptive ControllerConfig
	Sender   Sender
	Logger   *slog.Logger
}

// Stats is a snapshot of batcher counters.
type Stats struct {
	Pending         int
	Items           uint64
	Flushes         uint64
	SizeFlushes     uint64
	TimerFlushes    uint64
	UrgentFlushes   uint64
	CancelledEarly  uint64
	FailedFlushes   uint64
	Controller      ControllerStats
}

type item struct {
	params  wire.GenerateParams
	done    chan error
	flushed bool
}

// Batcher groups generate requests into batch_generate RPCs.
type Batcher struct {
	config     Config
	logger     *slog.Logger
	controller *Controller
	sender     Sender

	mu      sync.Mutex
	pending []*item
	timer   *time.Timer
	gen     uint64
	closed  bool

	items          uint64
	flushes        uint64
	sizeFlushes    uint64
	timerFlushes   uint64
	urgentFlushes  uint64
	cancelledEarly uint64
	failedFlushes  uint64
}

// New creates a Batcher.
func New(config Config) *Batcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 8
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 10 * time.Millisecond
	}
	if config.AcceptTimeout <= 0 {
		config.AcceptTimeout = 30 * time.Second
	}
	return &Batcher{
		config:     config,
		logger:     config.Logger,
		controller: NewController(config.Adaptive),
		sender:     config.Sender,
	}
}

// Enqueue adds one generate request to the pending batch and blocks until
// a worker accepted it, the context is done, or the accept timeout fires.
// Cancellation before flush removes the item with no side effect; after
// flush it cancels that stream only.
func (b *Batcher) Enqueue(ctx context.Context, params wire.GenerateParams, opts Options) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.config.AcceptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	it := &item{params: params, done: make(chan error, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return gwerr.New(gwerr.PreconditionFailed, "batcher is shut down")
	}
	b.pending = append(b.pending, it)
	b.items++
	switch {
	case opts.Urgent:
		b.flushLocked(triggerUrgent)
	case len(b.pending) >= b.targetSize():
		b.flushLocked(triggerSize)
	case len(b.pending) == 1:
		b.armTimerLocked()
	}
	b.mu.Unlock()

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return b.abandon(it, ctx.Err())
	}
}

// abandon handles an item whose caller gave up waiting.
func (b *Batcher) abandon(it *item, cause error) error {
	b.mu.Lock()
	if !it.flushed {
		for i, p := range b.pending {
			if p == it {
				b.pending = append(b.pending[:i], b.pending[i+1:]...)
				break
			}
		}
		b.cancelledEarly++
		if len(b.pending) == 0 && b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.mu.Unlock()
		return gwerr.Wrap(gwerr.Cancelled, "generate abandoned before batch flush", cause)
	}
	b.mu.Unlock()

	// Already on the wire; stop just this stream.
	b.sender.CancelStream(it.params.StreamID)
	return gwerr.Wrap(gwerr.Cancelled, "generate cancelled after batch flush", cause)
}

type flushTrigger int

const (
	triggerSize flushTrigger = iota
	triggerTimer
	triggerUrgent
	triggerDrain
)

// targetSize is the adaptive recommendation clamped to the hard cap.
func (b *Batcher) targetSize() int {
	if b.config.Adaptive.Enabled {
		return min(b.controller.RecommendedSize(), b.config.MaxBatchSize)
	}
	return b.config.MaxBatchSize
}

func (b *Batcher) armTimerLocked() {
	gen := b.gen
	b.timer = time.AfterFunc(b.config.MaxWait, func() {
		b.mu.Lock()
		// A size or urgent flush may have raced the timer.
		if b.gen == gen && len(b.pending) > 0 {
			b.flushLocked(triggerTimer)
		}
		b.mu.Unlock()
	})
}

// flushLocked hands the pending batch to the sender. Callers hold mu.
func (b *Batcher) flushLocked(trigger flushTrigger) {
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = nil
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	for _, it := range batch {
		it.flushed = true
	}
	b.flushes++
	switch trigger {
	case triggerSize:
		b.sizeFlushes++
	case triggerTimer:
		b.timerFlushes++
	case triggerUrgent:
		b.urgentFlushes++
	}

	go b.send(batch)
}

func (b *Batcher) send(batch []*item) {
	params := make([]wire.GenerateParams, len(batch))
	for i, it := range batch {
		params[i] = it.params
	}

	start := time.Now()
	err := b.sender.SendBatch(context.Background(), params)
	latency := time.Since(start)

	if err != nil {
		b.mu.Lock()
		b.failedFlushes++
		b.mu.Unlock()
		b.logger.Warn("batch flush failed",
			slog.Int("items", len(batch)), slog.String("error", err.Error()))
	} else if b.config.Adaptive.Enabled {
		b.controller.Update(latency, len(batch))
	}

	for _, it := range batch {
		it.done <- err
	}
}

// Flush forces the pending batch out, used during drain.
func (b *Batcher) Flush() {
	b.mu.Lock()
	b.flushLocked(triggerDrain)
	b.mu.Unlock()
}

// Close flushes the pending batch and rejects further enqueues.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.flushLocked(triggerDrain)
	b.mu.Unlock()
}

// Controller exposes the adaptive size controller.
func (b *Batcher) Controller() *Controller { return b.controller }

// Stats returns a snapshot of batcher counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Pending:        len(b.pending),
		Items:          b.items,
		Flushes:        b.flushes,
		SizeFlushes:    b.sizeFlushes,
		TimerFlushes:   b.timerFlushes,
		UrgentFlushes:  b.urgentFlushes,
		CancelledEarly: b.cancelledEarly,
		FailedFlushes:  b.failedFlushes,
		Controller:     b.controller.Stats(),
	}
}
