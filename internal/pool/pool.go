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

// Package pool provides bounded pools of reusable per-generation objects.
//
// Acquire hands out a Handle that can be released at most once. A second
// Release on the same handle is a programmer error: it is logged, counted,
// and dropped without corrupting the pool.
package pool

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"go.corp.nvidia.com/halo/internal/gwerr"
)

// Stats is a snapshot of pool activity since the last reset.
type Stats struct {
	Acquires uint64
	Releases uint64
	Creates  uint64
	Discards uint64
	Hits     uint64
	Size     int
	Idle     int
	InUse    int
}

// HitRate is the fraction of acquires served from an idle pooled instance.
func (s Stats) HitRate() float64 {
	if s.Acquires == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Acquires)
}

// Config parameterizes a Pool.
type Config[T any] struct {
	// Size bounds the total number of instances, idle plus in use.
	Size int
	// New creates an instance. Called at most Size times.
	New func() T
	// Reset restores an instance to its idle state on release. Optional.
	Reset func(T)
}

// Pool is a bounded pool of reusable instances.
type Pool[T any] struct {
	mu          sync.Mutex
	free        []T
	outstanding int
	config      Config[T]
	logger      *slog.Logger
	stats       Stats
}

// New creates a Pool. Instances are created lazily up to config.Size.
func New[T any](config Config[T], logger *slog.Logger) *Pool[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool[T]{
		free:   make([]T, 0, config.Size),
		config: config,
		logger: logger,
	}
}

// Handle is a single-use grant of a pooled instance.
type Handle[T any] struct {
	value    T
	pool     *Pool[T]
	released atomic.Bool
}

// Value returns the pooled instance. Must not be used after Release.
func (h *Handle[T]) Value() T {
	return h.value
}

// Release returns the instance to the pool. The first call wins; any later
// call is logged and dropped.
func (h *Handle[T]) Release() {
	if !h.released.CompareAndSwap(false, true) {
		h.pool.discard()
		return
	}
	h.pool.release(h.value)
}

// Acquire returns a handle on an idle instance, creating one if the pool
// has not reached its size bound. Exhaustion is an error, never a silent
// allocation.
func (p *Pool[T]) Acquire() (*Handle[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Acquires++
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		var zero T
		p.free[n-1] = zero
		p.free = p.free[:n-1]
		p.outstanding++
		p.stats.Hits++
		return &Handle[T]{value: v, pool: p}, nil
	}
	if p.outstanding >= p.config.Size {
		return nil, gwerr.Errorf(gwerr.ResourceExhausted,
			"pool exhausted: %d instances in use", p.outstanding)
	}
	p.outstanding++
	p.stats.Creates++
	return &Handle[T]{value: p.config.New(), pool: p}, nil
}

func (p *Pool[T]) release(v T) {
	if p.config.Reset != nil {
		p.config.Reset(v)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Releases++
	p.outstanding--
	p.free = append(p.free, v)
}

func (p *Pool[T]) discard() {
	p.mu.Lock()
	p.stats.Discards++
	p.mu.Unlock()
	p.logger.Warn("double release of pooled instance dropped")
}

// Stats returns a snapshot of the pool counters and occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Size = p.config.Size
	s.Idle = len(p.free)
	s.InUse = p.outstanding
	return s
}

// ResetStats zeroes the activity counters. Occupancy is unaffected.
func (p *Pool[T]) ResetStats() {
	p.mu.Lock()
	p.stats = Stats{}
	p.mu.Unlock()
}

// Idle reports the number of instances currently available.
func (p *Pool[T]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
