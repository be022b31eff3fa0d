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

package engine

import (
	"os"
	"path/filepath"
	"testing"

	"go.corp.nvidia.com/halo/internal/gwerr"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	path := writeCatalog(t, `
models:
  - id: llama
    options:
      quantization: q4
      context_length: 8192
  - id: phi
    draft_model: phi-mini
`)
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(c.Models) != 2 {
		t.Fatalf("models = %d, want 2", len(c.Models))
	}

	spec, ok := c.Lookup("llama")
	if !ok || spec.Options["quantization"] != "q4" {
		t.Errorf("Lookup(llama) = %+v, %v", spec, ok)
	}
	if spec, _ := c.Lookup("phi"); spec.DraftModel != "phi-mini" {
		t.Errorf("Lookup(phi) = %+v", spec)
	}
	if _, ok := c.Lookup("ghost"); ok {
		t.Error("Lookup(ghost) found a phantom entry")
	}
}

func TestLoadCatalogRejectsDuplicates(t *testing.T) {
	t.Parallel()

	path := writeCatalog(t, "models:\n  - id: llama\n  - id: llama\n")
	_, err := LoadCatalog(path)
	if gwerr.CodeOf(err) != gwerr.InvalidArgument {
		t.Fatalf("duplicate catalog = %v, want InvalidArgument", err)
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	if gwerr.CodeOf(err) != gwerr.NotFound {
		t.Fatalf("missing file = %v, want NotFound", err)
	}
}
