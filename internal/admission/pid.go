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

package admission

import (
	"math"
	"time"
)

// PIDConfig tunes the concurrency control loop. The error signal is the
// TTFT deviation from target, in milliseconds.
type PIDConfig struct {
	TargetTTFT time.Duration
	Kp         float64
	Ki         float64
	Kd         float64
	// Isat bounds the integral term (anti-windup).
	Isat          float64
	BaseLimit     int
	MinConcurrent int
	MaxConcurrent int
}

func (c *PIDConfig) fillDefaults() {
	if c.TargetTTFT <= 0 {
		c.TargetTTFT = 200 * time.Millisecond
	}
	if c.BaseLimit <= 0 {
		c.BaseLimit = 50
	}
	if c.MinConcurrent <= 0 {
		c.MinConcurrent = 1
	}
	if c.MaxConcurrent < c.BaseLimit {
		c.MaxConcurrent = c.BaseLimit
	}
	if c.Isat <= 0 {
		c.Isat = 100
	}
}

// PID computes the adaptive concurrency limit from TTFT samples. Not
// safe for concurrent use; the governor serializes access.
type PID struct {
	config PIDConfig

	integral  float64
	lastError float64
	hasLast   bool
	limit     int
}

// NewPID creates a controller starting at BaseLimit.
func NewPID(config PIDConfig) *PID {
	config.fillDefaults()
	return &PID{config: config, limit: config.BaseLimit}
}

// Sample feeds one TTFT measurement and returns the updated limit.
// Updates with dt <= 0 or a non-finite outcome leave all state untouched.
func (p *PID) Sample(measured time.Duration, dt time.Duration) int {
	dtSec := dt.Seconds()
	if dtSec <= 0 {
		return p.limit
	}

	e := float64(measured-p.config.TargetTTFT) / float64(time.Millisecond)

	integral := clampF(p.integral+e*dtSec, -p.config.Isat, p.config.Isat)
	derivative := 0.0
	if p.hasLast {
		derivative = p.config.Kd * (e - p.lastError) / dtSec
	}
	output := p.config.Kp*e + p.config.Ki*integral + derivative
	if math.IsNaN(output) || math.IsInf(output, 0) {
		return p.limit
	}

	p.integral = integral
	p.lastError = e
	p.hasLast = true
	p.limit = clampI(p.config.BaseLimit-int(math.Round(output)),
		p.config.MinConcurrent, p.config.MaxConcurrent)
	return p.limit
}

// Limit returns the current concurrency limit.
func (p *PID) Limit() int { return p.limit }

// Integral returns the accumulated integral term.
func (p *PID) Integral() float64 { return p.integral }

// Reset restores the cold-start state.
func (p *PID) Reset() {
	p.integral = 0
	p.lastError = 0
	p.hasLast = false
	p.limit = p.config.BaseLimit
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
