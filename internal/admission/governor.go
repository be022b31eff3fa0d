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

// Package admission decides whether each new stream is admitted, queued,
// or rejected. A PID loop over measured time-to-first-token shrinks and
// grows the concurrency limit, per-tenant token buckets bound individual
// tenants, and persistent overload flips the governor into safe mode.
package admission

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the governor's recommendation for one request.
type Decision string

const (
	DecisionAdmit    Decision = "admit"
	DecisionQueue    Decision = "queue"
	DecisionReject   Decision = "reject"
	DecisionSafeMode Decision = "safe-mode"
)

// Budget bounds one tenant. Usage decays over DecayWindow, so a tenant
// that pauses regains capacity.
type Budget struct {
	// HardLimit rejects at and above this usage.
	HardLimit int
	// BurstLimit queues between it and HardLimit. Zero disables the
	// queue band.
	BurstLimit int
	// DecayWindow is the time for full usage to drain.
	DecayWindow time.Duration
}

// Config parameterizes the Governor.
type Config struct {
	PID PIDConfig
	// DefaultBudget applies to tenants without an explicit budget. A zero
	// HardLimit means unlimited.
	DefaultBudget Budget
	Budgets       map[string]Budget
	// SafeModeSamples is how many consecutive overload samples enter
	// safe mode, and how many clean samples leave it.
	SafeModeSamples int
	// Bypass always admits but keeps recording samples.
	Bypass bool
	// OnLimitChange fires outside the lock whenever the limit moves.
	OnLimitChange func(limit int)
	Logger        *slog.Logger
}

// Stats is a snapshot of governor state.
type Stats struct {
	CurrentLimit int
	Integral     float64
	SafeMode     bool
	Samples      uint64
	Admitted     uint64
	Queued       uint64
	Rejected     uint64
	SafeModed    uint64
}

type tenantBucket struct {
	budget  Budget
	limiter *rate.Limiter
}

// Governor arbitrates admission for new streams.
type Governor struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	pid      *PID
	tenants  map[string]*tenantBucket
	safeMode bool
	// Consecutive overload and clean sample counts drive safe-mode
	// entry and recovery.
	overloaded int
	clean      int

	samples   uint64
	admitted  uint64
	queued    uint64
	rejected  uint64
	safeModed uint64
}

// New creates a Governor.
func New(config Config) *Governor {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.SafeModeSamples <= 0 {
		config.SafeModeSamples = 3
	}
	return &Governor{
		config:  config,
		logger:  config.Logger,
		pid:     NewPID(config.PID),
		tenants: make(map[string]*tenantBucket),
	}
}

// Admit decides for one request. Active is the current number of live
// streams across all tenants.
func (g *Governor) Admit(tenantID string, active int) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.config.Bypass {
		g.consumeTenantLocked(tenantID)
		g.admitted++
		return DecisionAdmit
	}

	if g.safeMode {
		g.safeModed++
		return DecisionSafeMode
	}

	if d, ok := g.tenantDecisionLocked(tenantID); ok {
		switch d {
		case DecisionReject:
			g.rejected++
		case DecisionQueue:
			g.queued++
		}
		return d
	}

	if active >= g.pid.Limit() {
		g.queued++
		return DecisionQueue
	}

	g.admitted++
	return DecisionAdmit
}

// tenantDecisionLocked applies the tenant budget. The reject boundary is
// exact: usage of hardLimit-1 admits, hardLimit rejects. Callers hold mu.
func (g *Governor) tenantDecisionLocked(tenantID string) (Decision, bool) {
	b := g.bucketLocked(tenantID)
	if b == nil {
		return "", false
	}

	used := b.budget.HardLimit - int(b.limiter.Tokens())
	if used >= b.budget.HardLimit {
		return DecisionReject, true
	}
	b.limiter.Allow()
	if b.budget.BurstLimit > 0 && used >= b.budget.BurstLimit {
		return DecisionQueue, true
	}
	return "", false
}

func (g *Governor) consumeTenantLocked(tenantID string) {
	if b := g.bucketLocked(tenantID); b != nil {
		b.limiter.Allow()
	}
}

// bucketLocked lazily materializes the tenant's token bucket. Callers
// hold mu.
func (g *Governor) bucketLocked(tenantID string) *tenantBucket {
	if b, ok := g.tenants[tenantID]; ok {
		return b
	}
	budget, ok := g.config.Budgets[tenantID]
	if !ok {
		budget = g.config.DefaultBudget
	}
	if budget.HardLimit <= 0 {
		return nil
	}
	if budget.DecayWindow <= 0 {
		budget.DecayWindow = time.Minute
	}
	refill := rate.Limit(float64(budget.HardLimit) / budget.DecayWindow.Seconds())
	b := &tenantBucket{
		budget:  budget,
		limiter: rate.NewLimiter(refill, budget.HardLimit),
	}
	g.tenants[tenantID] = b
	return b
}

// RecordSample feeds one TTFT observation into the PID and the safe-mode
// detector. Active is the concurrent stream count when the sample was
// taken, dt the time since the previous sample. Samples are recorded
// even when the governor is bypassed.
func (g *Governor) RecordSample(measuredTTFT time.Duration, active int, dt time.Duration) {
	g.mu.Lock()
	g.samples++
	before := g.currentLimitLocked()
	g.pid.Sample(measuredTTFT, dt)

	overloadTTFT := measuredTTFT > 2*g.pid.config.TargetTTFT
	overloadUtil := g.pid.Limit() > 0 && float64(active)/float64(g.pid.Limit()) > 1.0
	if overloadTTFT || overloadUtil {
		g.overloaded++
		g.clean = 0
	} else {
		g.clean++
		g.overloaded = 0
	}

	if !g.safeMode && g.overloaded >= g.config.SafeModeSamples {
		g.safeMode = true
		g.logger.Warn("entering safe mode",
			slog.Duration("measured_ttft", measuredTTFT), slog.Int("active", active))
	} else if g.safeMode && g.clean >= g.config.SafeModeSamples {
		g.safeMode = false
		g.logger.Info("leaving safe mode")
	}

	after := g.currentLimitLocked()
	onChange := g.config.OnLimitChange
	g.mu.Unlock()

	if after != before && onChange != nil {
		onChange(after)
	}
}

// currentLimitLocked is the effective limit: safe mode pins it to the
// minimum. Callers hold mu.
func (g *Governor) currentLimitLocked() int {
	if g.safeMode {
		return g.pid.config.MinConcurrent
	}
	return g.pid.Limit()
}

// CurrentLimit returns the effective concurrency limit.
func (g *Governor) CurrentLimit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentLimitLocked()
}

// InSafeMode reports whether the governor is in safe mode.
func (g *Governor) InSafeMode() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.safeMode
}

// Stats returns a snapshot of governor counters.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		CurrentLimit: g.currentLimitLocked(),
		Integral:     g.pid.Integral(),
		SafeMode:     g.safeMode,
		Samples:      g.samples,
		Admitted:     g.admitted,
		Queued:       g.queued,
		Rejected:     g.rejected,
		SafeModed:    g.safeModed,
	}
}
