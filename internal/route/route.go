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

// Package route selects a worker for each request: round-robin or
// least-busy over the healthy fleet, with TTL-bounded sticky affinity for
// in-flight streams.
package route

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/internal/worker"
)

// Strategy picks among the filtered workers.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyLeastBusy  Strategy = "least-busy"
)

// Status is the router's view of a worker.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusFailed    Status = "failed"
)

// Config parameterizes the Router.
type Config struct {
	Strategy Strategy
	// StickyEnabled records stream → worker affinity with a TTL.
	StickyEnabled bool
	StickyTTL     time.Duration
	MaxSticky     int
	// SmartRouting intersects candidates with workers advertising the
	// requested model id as a skill.
	SmartRouting bool
	Logger       *slog.Logger
}

// Request describes one routing decision.
type Request struct {
	// StreamID enables sticky affinity when non-empty.
	StreamID string
	// ModelID filters by skill when smart routing is on.
	ModelID string
}

// Stats is a snapshot of router state.
type Stats struct {
	Workers     int
	Failed      int
	Sticky      int
	StickyHits  uint64
	StickyMiss  uint64
	Selections  uint64
}

type entry struct {
	w      *worker.Worker
	status Status
}

// Router maps requests to workers. A single mutex covers the worker map
// and the sticky table, so a failure transition removes every session
// pointing at the dead worker before any later selection completes.
type Router struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*entry
	sticky  *expirable.LRU[string, string]
	rr      uint64

	stickyHits uint64
	stickyMiss uint64
	selections uint64
}

// New creates a Router.
func New(config Config) *Router {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Strategy == "" {
		config.Strategy = StrategyLeastBusy
	}
	if config.StickyTTL <= 0 {
		config.StickyTTL = time.Minute
	}
	if config.MaxSticky <= 0 {
		config.MaxSticky = 4096
	}
	return &Router{
		config:  config,
		logger:  config.Logger,
		workers: make(map[string]*entry),
		sticky:  expirable.NewLRU[string, string](config.MaxSticky, nil, config.StickyTTL),
	}
}

// RegisterWorker adds a handshaken worker to the routable set.
func (r *Router) RegisterWorker(w *worker.Worker) {
	r.mu.Lock()
	r.workers[w.ID] = &entry{w: w, status: StatusAvailable}
	r.mu.Unlock()
	r.logger.Info("worker registered for routing", slog.String("worker_id", w.ID))
}

// UnregisterWorker removes a worker and its sticky sessions.
func (r *Router) UnregisterWorker(id string) {
	r.mu.Lock()
	delete(r.workers, id)
	r.dropSessionsLocked(id)
	r.mu.Unlock()
}

// MarkWorkerBusy excludes a saturated worker from selection.
func (r *Router) MarkWorkerBusy(id string) { r.setStatus(id, StatusBusy) }

// MarkWorkerIdle returns a worker to the selectable set.
func (r *Router) MarkWorkerIdle(id string) { r.setStatus(id, StatusAvailable) }

// MarkWorkerFailed excludes a worker and atomically drops every sticky
// session pointing at it.
func (r *Router) MarkWorkerFailed(id string) {
	r.mu.Lock()
	if e, ok := r.workers[id]; ok {
		e.status = StatusFailed
	}
	r.dropSessionsLocked(id)
	r.mu.Unlock()
}

func (r *Router) setStatus(id string, s Status) {
	r.mu.Lock()
	if e, ok := r.workers[id]; ok {
		e.status = s
	}
	r.mu.Unlock()
}

// dropSessionsLocked removes all sticky entries for a worker. Callers
// hold mu.
func (r *Router) dropSessionsLocked(workerID string) {
	for _, key := range r.sticky.Keys() {
		if wid, ok := r.sticky.Peek(key); ok && wid == workerID {
			r.sticky.Remove(key)
		}
	}
}

// PinSession records an affinity decided outside Select, such as the
// members of a batch that was routed as one unit.
func (r *Router) PinSession(streamID, workerID string) {
	if !r.config.StickyEnabled || streamID == "" {
		return
	}
	r.mu.Lock()
	r.sticky.Add(streamID, workerID)
	r.mu.Unlock()
}

// RemoveSession forgets the sticky affinity of one stream, typically on
// stream closure.
func (r *Router) RemoveSession(streamID string) {
	r.mu.Lock()
	r.sticky.Remove(streamID)
	r.mu.Unlock()
}

// Select picks a worker for the request. No healthy candidate yields
// WorkerUnavailable.
func (r *Router) Select(req Request) (*worker.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selections++

	// Sticky hit path.
	if r.config.StickyEnabled && req.StreamID != "" {
		if wid, ok := r.sticky.Get(req.StreamID); ok {
			if e, live := r.workers[wid]; live && e.status != StatusFailed {
				r.stickyHits++
				return e.w, nil
			}
			r.sticky.Remove(req.StreamID)
		}
		r.stickyMiss++
	}

	candidates := r.filterLocked(req.ModelID)
	if len(candidates) == 0 {
		return nil, gwerr.New(gwerr.WorkerUnavailable, "no worker can currently serve")
	}

	var picked *worker.Worker
	switch r.config.Strategy {
	case StrategyRoundRobin:
		picked = candidates[int(r.rr)%len(candidates)]
		r.rr++
	default: // least-busy, round-robin tiebreak
		minActive := candidates[0].ActiveRequests()
		var ties []*worker.Worker
		for _, w := range candidates {
			switch a := w.ActiveRequests(); {
			case a < minActive:
				minActive = a
				ties = ties[:0]
				ties = append(ties, w)
			case a == minActive:
				ties = append(ties, w)
			}
		}
		picked = ties[int(r.rr)%len(ties)]
		r.rr++
	}

	if r.config.StickyEnabled && req.StreamID != "" {
		r.sticky.Add(req.StreamID, picked.ID)
	}
	return picked, nil
}

// filterLocked returns healthy workers, skill-filtered when smart routing
// is enabled, sorted by id for deterministic round-robin.
func (r *Router) filterLocked(modelID string) []*worker.Worker {
	out := make([]*worker.Worker, 0, len(r.workers))
	for _, e := range r.workers {
		if e.status != StatusAvailable {
			continue
		}
		if r.config.SmartRouting && modelID != "" && !hasSkill(e.w, modelID) {
			continue
		}
		out = append(out, e.w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hasSkill(w *worker.Worker, skill string) bool {
	for _, s := range w.Skills() {
		if s == skill {
			return true
		}
	}
	return false
}

// StickyWorker returns the affinity target of a stream, if any.
func (r *Router) StickyWorker(streamID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sticky.Peek(streamID)
}

// Stats returns a snapshot of router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{
		Workers:    len(r.workers),
		Sticky:     r.sticky.Len(),
		StickyHits: r.stickyHits,
		StickyMiss: r.stickyMiss,
		Selections: r.selections,
	}
	for _, e := range r.workers {
		if e.status == StatusFailed {
			st.Failed++
		}
	}
	return st
}
