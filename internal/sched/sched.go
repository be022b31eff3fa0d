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

// Package sched implements the five-tier priority scheduler: SLA-aware
// selection with urgency override, probabilistic fairness for the lowest
// tiers, optional shortest-job-first within a tier, and aging promotion
// so nothing starves.
package sched

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.corp.nvidia.com/halo/internal/gwerr"
)

// Priority tiers, most urgent first.
type Priority int

const (
	PriorityCritical   Priority = 0
	PriorityHigh       Priority = 1
	PriorityNormal     Priority = 2
	PriorityLow        Priority = 3
	PriorityBackground Priority = 4

	numPriorities = 5
)

// Valid reports whether p is a defined tier.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// SLA is the latency envelope of one tier.
type SLA struct {
	TargetLatency      time.Duration
	MaxLatency         time.Duration
	ViolationThreshold float64
}

// Policy governs selection.
type Policy struct {
	ShortestJobFirst bool
	AllowPreemption  bool
	// FairnessWeight is the probability of picking the oldest request
	// from the two lowest tiers instead of following tier order.
	FairnessWeight float64
	// UrgencyThreshold selects the request with the smallest deadline
	// slack when that slack falls below the threshold.
	UrgencyThreshold time.Duration
	AgingEnabled     bool
	AgingInterval    time.Duration
}

// Request is one schedulable unit.
type Request struct {
	ID               string
	Priority         Priority
	OriginalPriority Priority
	QueuedAt         time.Time
	// EstimatedDuration orders shortest-job-first selection. Zero falls
	// back to the per-tier table.
	EstimatedDuration time.Duration
	// Deadline participates in the urgency override. Zero means none.
	Deadline   time.Time
	AgingBumps int
	TenantID   string
	Payload    any

	preempted bool
}

// Preempted reports whether the scheduler asked this executing request to
// yield. Cooperative only.
func (r *Request) Preempted() bool { return r.preempted }

// Config parameterizes the Scheduler.
type Config struct {
	MaxQueueSize  int
	MaxConcurrent int
	Policy        Policy
	SLAs          [numPriorities]SLA
	// FallbackDuration estimates job length per tier when a request
	// carries none.
	FallbackDuration [numPriorities]time.Duration
	Logger           *slog.Logger
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	QueueDepth [numPriorities]int
	Enqueued   [numPriorities]uint64
	Dequeued   [numPriorities]uint64
	Executing  int
	Limit      int
	AgingBumps uint64
}

// Scheduler is the multi-level queue. Selection decisions are serialized
// by its mutex.
type Scheduler struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	queues    [numPriorities][]*Request
	queued    int
	executing map[string]*Request
	limit     int
	notify    chan struct{}

	enqueued   [numPriorities]uint64
	dequeued   [numPriorities]uint64
	agingBumps uint64

	// randFloat is replaceable in tests for deterministic fairness.
	randFloat func() float64

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Scheduler. Start runs the aging timer when enabled.
func New(config Config) *Scheduler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	return &Scheduler{
		config:    config,
		logger:    config.Logger,
		executing: make(map[string]*Request),
		limit:     config.MaxConcurrent,
		notify:    make(chan struct{}),
		randFloat: rand.Float64,
		stop:      make(chan struct{}),
	}
}

// kickLocked wakes every blocked Next. Callers hold mu.
func (s *Scheduler) kickLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Enqueue adds a request to its tier. A full scheduler rejects with
// ResourceExhausted.
func (s *Scheduler) Enqueue(req *Request) error {
	if !req.Priority.Valid() {
		return gwerr.Errorf(gwerr.InvalidArgument, "priority %d out of range", req.Priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.MaxQueueSize > 0 && s.queued >= s.config.MaxQueueSize {
		return gwerr.Errorf(gwerr.ResourceExhausted,
			"scheduler queue full (%d requests)", s.queued)
	}
	if req.QueuedAt.IsZero() {
		req.QueuedAt = time.Now()
	}
	req.OriginalPriority = req.Priority
	s.queues[req.Priority] = append(s.queues[req.Priority], req)
	s.queued++
	s.enqueued[req.Priority]++

	if s.config.Policy.AllowPreemption && req.Priority == PriorityCritical &&
		len(s.executing) >= s.limit {
		s.tagPreemptionLocked()
	}

	s.kickLocked()
	return nil
}

// tagPreemptionLocked marks the lowest-priority executing request as
// preempted. Its executor is expected to yield; nothing is forced.
func (s *Scheduler) tagPreemptionLocked() {
	var victim *Request
	for _, r := range s.executing {
		if r.preempted {
			continue
		}
		if victim == nil || r.Priority > victim.Priority {
			victim = r
		}
	}
	if victim != nil && victim.Priority > PriorityCritical {
		victim.preempted = true
		s.logger.Debug("tagged request for cooperative preemption",
			slog.String("id", victim.ID),
			slog.Int("priority", int(victim.Priority)))
	}
}

// Next blocks until a request is selected and an execution slot is free.
// The caller must pair every successful Next with Release.
func (s *Scheduler) Next(ctx context.Context) (*Request, error) {
	for {
		s.mu.Lock()
		if len(s.executing) < s.limit {
			if req := s.selectLocked(time.Now()); req != nil {
				s.executing[req.ID] = req
				s.mu.Unlock()
				return req, nil
			}
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, gwerr.Wrap(gwerr.Cancelled, "scheduler wait abandoned", ctx.Err())
		case <-s.stop:
			return nil, gwerr.New(gwerr.PreconditionFailed, "scheduler stopped")
		}
	}
}

// Release frees the slot held by the request with the given id.
func (s *Scheduler) Release(id string) {
	s.mu.Lock()
	delete(s.executing, id)
	s.kickLocked()
	s.mu.Unlock()
}

// Remove withdraws a pending request before selection, with no side
// effect. Returns false when the request is not queued.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tier := range s.queues {
		for i, r := range s.queues[tier] {
			if r.ID == id {
				s.queues[tier] = append(s.queues[tier][:i], s.queues[tier][i+1:]...)
				s.queued--
				return true
			}
		}
	}
	return false
}

// SetConcurrencyLimit adjusts the execution cap, clamped to at least 1.
// The admission governor shrinks and grows this at runtime.
func (s *Scheduler) SetConcurrencyLimit(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.limit = n
	s.kickLocked()
	s.mu.Unlock()
}

// ConcurrencyLimit returns the current execution cap.
func (s *Scheduler) ConcurrencyLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// selectLocked implements the selection algorithm. Callers hold mu.
func (s *Scheduler) selectLocked(now time.Time) *Request {
	if s.queued == 0 {
		return nil
	}

	// Urgency override: smallest deadline slack below the threshold.
	if s.config.Policy.UrgencyThreshold > 0 {
		if req := s.mostUrgentLocked(now); req != nil {
			return s.takeLocked(req)
		}
	}

	// Fairness intervention for the two lowest tiers.
	if w := s.config.Policy.FairnessWeight; w > 0 && s.randFloat() < w {
		if req := s.oldestLowTierLocked(); req != nil {
			return s.takeLocked(req)
		}
	}

	// Priority-tier scan.
	for tier := 0; tier < numPriorities; tier++ {
		q := s.queues[tier]
		if len(q) == 0 {
			continue
		}
		pick := q[0]
		if s.config.Policy.ShortestJobFirst {
			for _, r := range q[1:] {
				if s.estimate(r) < s.estimate(pick) {
					pick = r
				}
			}
		}
		return s.takeLocked(pick)
	}
	return nil
}

func (s *Scheduler) mostUrgentLocked(now time.Time) *Request {
	var urgent *Request
	var urgentSlack time.Duration
	for tier := range s.queues {
		for _, r := range s.queues[tier] {
			if r.Deadline.IsZero() {
				continue
			}
			slack := r.Deadline.Sub(now)
			if urgent == nil || slack < urgentSlack {
				urgent, urgentSlack = r, slack
			}
		}
	}
	if urgent != nil && urgentSlack < s.config.Policy.UrgencyThreshold {
		return urgent
	}
	return nil
}

func (s *Scheduler) oldestLowTierLocked() *Request {
	var oldest *Request
	for _, tier := range []Priority{PriorityLow, PriorityBackground} {
		for _, r := range s.queues[tier] {
			if oldest == nil || r.QueuedAt.Before(oldest.QueuedAt) {
				oldest = r
			}
		}
	}
	return oldest
}

func (s *Scheduler) estimate(r *Request) time.Duration {
	if r.EstimatedDuration > 0 {
		return r.EstimatedDuration
	}
	return s.config.FallbackDuration[r.Priority]
}

// takeLocked removes the request from its queue.
func (s *Scheduler) takeLocked(req *Request) *Request {
	q := s.queues[req.Priority]
	for i, r := range q {
		if r == req {
			s.queues[req.Priority] = append(q[:i], q[i+1:]...)
			s.queued--
			s.dequeued[req.Priority]++
			return req
		}
	}
	return nil
}

// Start runs the aging timer when the policy enables it.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.config.Policy.AgingEnabled || s.config.Policy.AgingInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.config.Policy.AgingInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.age(time.Now())
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop unblocks all waiters and halts the aging timer. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// age promotes any request whose wait exceeds the aging interval times
// (bumps + 1), one tier per pass, never above critical.
func (s *Scheduler) age(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	promoted := false
	for tier := 1; tier < numPriorities; tier++ {
		q := s.queues[tier]
		for i := 0; i < len(q); {
			r := q[i]
			threshold := s.config.Policy.AgingInterval * time.Duration(r.AgingBumps+1)
			if now.Sub(r.QueuedAt) <= threshold {
				i++
				continue
			}
			q = append(q[:i], q[i+1:]...)
			r.Priority--
			r.AgingBumps++
			s.agingBumps++
			s.queues[r.Priority] = append(s.queues[r.Priority], r)
			promoted = true
		}
		s.queues[tier] = q
	}
	if promoted {
		s.kickLocked()
	}
}

// Stats returns a snapshot of queue depths and counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Enqueued:   s.enqueued,
		Dequeued:   s.dequeued,
		Executing:  len(s.executing),
		Limit:      s.limit,
		AgingBumps: s.agingBumps,
	}
	for tier := range s.queues {
		st.QueueDepth[tier] = len(s.queues[tier])
	}
	return st
}
