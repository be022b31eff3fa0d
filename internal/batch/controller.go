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

package batch

import (
	"log/slog"
	"sync"
	"time"
)

// ControllerConfig parameterizes adaptive batch sizing.
type ControllerConfig struct {
	Enabled bool
	MinSize int
	MaxSize int
	// TargetLatency is the flush-to-accept latency the controller steers
	// toward.
	TargetLatency time.Duration
	// Alpha is the EMA smoothing factor in (0, 1]. Higher reacts faster.
	Alpha float64
	// AdjustmentInterval rate-limits size changes to avoid oscillation.
	AdjustmentInterval time.Duration
	Logger             *slog.Logger
}

func (c *ControllerConfig) fillDefaults() {
	if c.MinSize <= 0 {
		c.MinSize = 2
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = 16
	}
	if c.TargetLatency <= 0 {
		c.TargetLatency = 10 * time.Millisecond
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = 0.3
	}
	if c.AdjustmentInterval < 0 {
		c.AdjustmentInterval = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ControllerStats is a snapshot of controller state.
type ControllerStats struct {
	CurrentSize      int
	EMALatency       time.Duration
	TotalBatches     uint64
	TotalAdjustments uint64
	Increases        uint64
	Decreases        uint64
}

// Controller adjusts the target batch size from an EMA of observed batch
// latency. Latency inside a 10% band around the target keeps the size;
// below the band grows it by one, above shrinks it by one. Latency over
// 10x the target shrinks straight to the minimum.
type Controller struct {
	config ControllerConfig
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	size        int
	ema         time.Duration
	lastAdjust  time.Time
	batches     uint64
	adjustments uint64
	increases   uint64
	decreases   uint64
}

// NewController creates an adaptive size controller starting at MinSize.
func NewController(config ControllerConfig) *Controller {
	config.fillDefaults()
	return &Controller{
		config: config,
		logger: config.Logger,
		now:    time.Now,
		size:   config.MinSize,
	}
}

// Update feeds one batch observation and returns the recommended size for
// the next batch. Non-positive latency is ignored.
func (c *Controller) Update(latency time.Duration, batchSize int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.config.Enabled {
		return c.config.MinSize
	}
	if latency <= 0 {
		c.logger.Warn("ignoring non-positive batch latency",
			slog.Duration("latency", latency), slog.Int("batch_size", batchSize))
		return c.size
	}

	if latency > c.config.TargetLatency*10 {
		c.logger.Warn("extreme batch latency, shrinking to minimum",
			slog.Duration("latency", latency),
			slog.Duration("target", c.config.TargetLatency))
		c.applyLocked(c.config.MinSize)
		return c.size
	}

	if c.ema == 0 {
		c.ema = latency
	} else {
		a := c.config.Alpha
		c.ema = time.Duration(a*float64(latency) + (1-a)*float64(c.ema))
	}
	c.batches++

	if c.now().Sub(c.lastAdjust) < c.config.AdjustmentInterval {
		return c.size
	}

	c.applyLocked(c.nextSizeLocked())
	return c.size
}

// nextSizeLocked applies the 10% latency band. Callers hold mu.
func (c *Controller) nextSizeLocked() int {
	target := float64(c.config.TargetLatency)
	switch {
	case float64(c.ema) < target*0.9:
		return min(c.config.MaxSize, c.size+1)
	case float64(c.ema) > target*1.1:
		return max(c.config.MinSize, c.size-1)
	default:
		return c.size
	}
}

func (c *Controller) applyLocked(newSize int) {
	if newSize == c.size {
		return
	}
	if newSize > c.size {
		c.increases++
	} else {
		c.decreases++
	}
	c.adjustments++
	c.logger.Debug("batch size adjusted",
		slog.Int("from", c.size), slog.Int("to", newSize),
		slog.Duration("ema_latency", c.ema))
	c.size = newSize
	c.lastAdjust = c.now()
}

// RecommendedSize returns the current target batch size.
func (c *Controller) RecommendedSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.config.Enabled {
		return c.config.MinSize
	}
	return c.size
}

// Stats returns a snapshot of controller counters.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControllerStats{
		CurrentSize:      c.size,
		EMALatency:       c.ema,
		TotalBatches:     c.batches,
		TotalAdjustments: c.adjustments,
		Increases:        c.increases,
		Decreases:        c.decreases,
	}
}

// Reset returns the controller to its cold-start state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size = c.config.MinSize
	c.ema = 0
	c.lastAdjust = time.Time{}
	c.batches = 0
	c.adjustments = 0
	c.increases = 0
	c.decreases = 0
}
