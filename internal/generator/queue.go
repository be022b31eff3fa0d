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

package generator

import (
	"context"
	"io"
	"sync"

	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/internal/wire"
)

// ChunkKind tags a generator chunk variant.
type ChunkKind int

const (
	KindToken ChunkKind = iota
	KindStats
	KindError
)

// Chunk is one item delivered to a generator consumer.
type Chunk struct {
	Kind  ChunkKind
	Token wire.Chunk
	Stats wire.Stats
	Err   error
}

// DefaultQueueCapacity bounds a generator queue unless configured.
const DefaultQueueCapacity = 64

// ChunkQueue is a bounded FIFO between the stream registry and one
// consumer. Producers block when full; Close drains remaining items to
// the consumer and then reports io.EOF. Reset rearms a closed queue for
// pool reuse.
type ChunkQueue struct {
	capacity int

	mu        sync.Mutex
	ch        chan Chunk
	done      chan struct{}
	closeOnce *sync.Once
}

// NewChunkQueue creates a queue with the given capacity.
func NewChunkQueue(capacity int) *ChunkQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &ChunkQueue{capacity: capacity}
	q.Reset()
	return q
}

func (q *ChunkQueue) chans() (chan Chunk, chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch, q.done
}

// Push appends one chunk, blocking while the queue is full. Pushing to a
// closed queue fails with PreconditionFailed; the caller discards the
// chunk.
func (q *ChunkQueue) Push(ctx context.Context, c Chunk) error {
	ch, done := q.chans()
	select {
	case <-done:
		return gwerr.New(gwerr.PreconditionFailed, "queue is closed")
	default:
	}
	// Available space wins over a cancelled context so terminal error
	// chunks still reach the consumer.
	select {
	case ch <- c:
		return nil
	default:
	}
	select {
	case ch <- c:
		return nil
	case <-done:
		return gwerr.New(gwerr.PreconditionFailed, "queue is closed")
	case <-ctx.Done():
		return gwerr.Wrap(gwerr.Cancelled, "queue push abandoned", ctx.Err())
	}
}

// Pop removes the next chunk, blocking while the queue is empty and open.
// A closed and drained queue reports io.EOF.
func (q *ChunkQueue) Pop(ctx context.Context) (Chunk, error) {
	ch, done := q.chans()
	// Buffered items win over closure so the consumer drains in order.
	select {
	case c := <-ch:
		return c, nil
	default:
	}
	select {
	case c := <-ch:
		return c, nil
	case <-done:
		select {
		case c := <-ch:
			return c, nil
		default:
			return Chunk{}, io.EOF
		}
	case <-ctx.Done():
		return Chunk{}, gwerr.Wrap(gwerr.Cancelled, "queue pop abandoned", ctx.Err())
	}
}

// Close ends the stream. Idempotent; buffered chunks stay readable.
func (q *ChunkQueue) Close() {
	q.mu.Lock()
	once, done := q.closeOnce, q.done
	q.mu.Unlock()
	once.Do(func() { close(done) })
}

// Reset rearms the queue for reuse, dropping any unread items.
func (q *ChunkQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ch = make(chan Chunk, q.capacity)
	q.done = make(chan struct{})
	q.closeOnce = new(sync.Once)
}

// Len is the number of buffered chunks.
func (q *ChunkQueue) Len() int {
	ch, _ := q.chans()
	return len(ch)
}

// Cap is the queue capacity.
func (q *ChunkQueue) Cap() int { return q.capacity }
