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

package rpc

import (
	"context"
	"log/slog"
	"time"

	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/utils"
)

// RetryConfig parameterizes the retry wrapper.
type RetryConfig struct {
	// MaxAttempts counts the first try. Values below 1 mean one attempt.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      bool
}

// DefaultRetryConfig suits worker RPCs that are safe to reissue.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseBackoff: 100 * time.Millisecond,
	MaxBackoff:  2 * time.Second,
	Jitter:      true,
}

// Retry runs fn until it succeeds, fails with a non-retryable code, or
// attempts are exhausted. Only the closed retryable set (Timeout,
// WorkerUnavailable, WorkerFailed, Transport) is retried; context
// cancellation short-circuits backoff sleeps.
//
// Callers must not wrap operations whose streaming response may already
// have produced bytes; reissuing such a request duplicates output.
func Retry(ctx context.Context, config RetryConfig, logger *slog.Logger, fn func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !gwerr.Retryable(gwerr.CodeOf(err)) || attempt >= attempts {
			return err
		}

		backoff := utils.CalculateBackoff(attempt, config.BaseBackoff, config.MaxBackoff, config.Jitter)
		logger.Debug("retrying after transient failure",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return gwerr.Wrap(gwerr.Cancelled, "retry abandoned", ctx.Err())
		}
	}
}
