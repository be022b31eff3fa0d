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

package pool

import (
	"sync"
	"testing"

	"go.corp.nvidia.com/halo/internal/gwerr"
)

type scratch struct {
	data []string
}

func newScratchPool(size int) *Pool[*scratch] {
	return New(Config[*scratch]{
		Size:  size,
		New:   func() *scratch { return &scratch{} },
		Reset: func(s *scratch) { s.data = s.data[:0] },
	}, nil)
}

func TestPoolExhaustion(t *testing.T) {
	t.Parallel()

	p := newScratchPool(2)
	h1, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	h2, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	if _, err := p.Acquire(); gwerr.CodeOf(err) != gwerr.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}

	h1.Release()
	h3, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	h2.Release()
	h3.Release()

	if got := p.Idle(); got != 2 {
		t.Errorf("Idle = %d, want 2", got)
	}
}

func TestPoolResetOnRelease(t *testing.T) {
	t.Parallel()

	p := newScratchPool(1)
	h, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Value().data = append(h.Value().data, "stale")
	h.Release()

	h2, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(h2.Value().data) != 0 {
		t.Errorf("instance not reset: %v", h2.Value().data)
	}
	h2.Release()
}

func TestPoolDoubleReleaseDetected(t *testing.T) {
	t.Parallel()

	p := newScratchPool(1)
	h, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()
	h.Release() // dropped, not pooled twice

	stats := p.Stats()
	if stats.Discards != 1 {
		t.Errorf("Discards = %d, want 1", stats.Discards)
	}
	if stats.Releases != 1 {
		t.Errorf("Releases = %d, want 1", stats.Releases)
	}
	if stats.Idle != 1 {
		t.Errorf("Idle = %d, pool corrupted by double release", stats.Idle)
	}
}

func TestPoolStatsAndHitRate(t *testing.T) {
	t.Parallel()

	p := newScratchPool(2)
	h, err := p.Acquire() // create
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()
	h, err = p.Acquire() // hit
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()

	stats := p.Stats()
	if stats.Acquires != 2 || stats.Creates != 1 || stats.Hits != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if got := stats.HitRate(); got != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", got)
	}

	p.ResetStats()
	stats = p.Stats()
	if stats.Acquires != 0 || stats.Hits != 0 {
		t.Errorf("stats after reset = %+v", stats)
	}
	if stats.Idle != 2 {
		t.Errorf("occupancy lost on stats reset: %+v", stats)
	}
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	t.Parallel()

	const workers = 8
	p := newScratchPool(workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h, err := p.Acquire()
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				h.Value().data = append(h.Value().data, "x")
				h.Release()
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	if stats.Acquires != stats.Releases {
		t.Errorf("acquires %d != releases %d", stats.Acquires, stats.Releases)
	}
	if stats.InUse != 0 {
		t.Errorf("InUse = %d after all releases", stats.InUse)
	}
}
