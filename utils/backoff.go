/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION. All rights reserved.

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

package utils

import (
	"math/rand"
	"time"
)

// CalculateBackoff returns exponential backoff duration with a max cap and
// optional random jitter. Sequence: base, 2*base, 4*base, ..., capped at
// maxBackoff. When jitter is true, a random offset in [0, base) is added to
// the doubled duration before capping, which keeps retrying clients from
// synchronizing against a restarting worker.
func CalculateBackoff(retryCount int, base, maxBackoff time.Duration, jitter bool) time.Duration {
	if retryCount <= 0 || base <= 0 {
		return 0
	}
	// Shift overflow guard for large retry counts.
	shift := uint(retryCount - 1)
	if shift > 20 {
		shift = 20
	}
	d := base << shift
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	if jitter {
		d += time.Duration(rand.Float64() * float64(base))
		if d > maxBackoff {
			d = maxBackoff
		}
	}
	return d
}
