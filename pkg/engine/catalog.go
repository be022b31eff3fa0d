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

	"gopkg.in/yaml.v3"

	"go.corp.nvidia.com/halo/internal/gwerr"
)

// ModelSpec is one catalog entry: a model id plus the runtime options
// forwarded verbatim on load_model.
type ModelSpec struct {
	ID string `yaml:"id"`
	// Options are runtime-specific load parameters (quantization, context
	// length overrides, tensor parallelism).
	Options map[string]any `yaml:"options,omitempty"`
	// DraftModel enables speculative decoding by default for this model.
	DraftModel string `yaml:"draft_model,omitempty"`
}

// Catalog is the declarative model configuration.
type Catalog struct {
	Models []ModelSpec `yaml:"models"`
}

// LoadCatalog parses a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.NotFound, "read model catalog", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, gwerr.Wrap(gwerr.InvalidArgument, "parse model catalog", err)
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return nil, gwerr.New(gwerr.InvalidArgument, "catalog entry without model id")
		}
		if seen[m.ID] {
			return nil, gwerr.Errorf(gwerr.InvalidArgument, "duplicate catalog entry %q", m.ID)
		}
		seen[m.ID] = true
	}
	return &c, nil
}

// Lookup returns the catalog entry for a model id.
func (c *Catalog) Lookup(modelID string) (ModelSpec, bool) {
	if c == nil {
		return ModelSpec{}, false
	}
	for _, m := range c.Models {
		if m.ID == modelID {
			return m, true
		}
	}
	return ModelSpec{}, false
}
