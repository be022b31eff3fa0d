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

// Package progress_check reports gateway liveness through a file.
// An external probe compares the file's timestamp against the wall
// clock; a wedged process stops advancing it and fails the check.
package progress_check

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Writer publishes liveness timestamps to one file. Safe for concurrent
// use.
type Writer struct {
	path string
	mu   sync.Mutex
}

// New creates a Writer for path, creating the parent directory when
// missing.
func New(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create liveness directory: %w", err)
	}
	return &Writer{path: path}, nil
}

// Beat writes the current time as fractional unix seconds. The stamp
// goes through a uniquely named temp file and a rename, so the probe
// never reads a partial write.
func (w *Writer) Beat() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	stamp := strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 6, 64)
	tmp := fmt.Sprintf("%s.%s.tmp", w.path, uuid.NewString())
	if err := os.WriteFile(tmp, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("write liveness stamp: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish liveness stamp: %w", err)
	}
	return nil
}
