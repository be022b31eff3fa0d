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

package auth

import (
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
)

// Action grants or, with a leading "!" on Path, revokes one path/method
// combination. Method "*" matches every method.
type Action struct {
	Path   string `yaml:"path"`
	Method string `yaml:"method"`
}

// Policy is a group of actions evaluated together: a matching exclusion
// inside a policy overrides that policy's grants.
type Policy struct {
	Actions []Action `yaml:"actions"`
}

// Checker evaluates role policies for gateway endpoints.
type Checker struct {
	policies map[string][]Policy
	logger   *slog.Logger
}

// NewChecker creates a Checker over a role name to policy table.
func NewChecker(policies map[string][]Policy, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{policies: policies, logger: logger}
}

// DefaultPolicies is the built-in table: every authenticated user may
// generate; model management needs the admin role.
func DefaultPolicies() map[string][]Policy {
	return map[string][]Policy{
		RoleDefault: {{Actions: []Action{
			{Path: "/healthz", Method: "GET"},
			{Path: "/v1/generate", Method: "POST"},
			{Path: "/v1/stream", Method: "GET"},
			{Path: "/v1/stats", Method: "GET"},
		}}},
		RoleAdmin: {{Actions: []Action{
			{Path: "*", Method: "*"},
		}}},
	}
}

// CheckAccess reports whether any of the caller's roles grants the path
// and method. RoleDefault is always consulted.
func (c *Checker) CheckAccess(roles []string, path, method string) bool {
	all := roles
	if !slices.Contains(all, RoleDefault) {
		all = append(slices.Clone(roles), RoleDefault)
	}
	for _, role := range all {
		for _, policy := range c.policies[role] {
			if policy.allows(path, method) {
				return true
			}
		}
	}
	c.logger.Debug("access denied",
		slog.String("path", path),
		slog.String("method", method),
		slog.Any("roles", roles))
	return false
}

// allows evaluates one policy. An exclusion match ends the policy as
// denied regardless of earlier grants.
func (p Policy) allows(path, method string) bool {
	allowed := false
	for _, action := range p.Actions {
		if !methodMatches(action.Method, method) {
			continue
		}
		if excl, ok := strings.CutPrefix(action.Path, "!"); ok {
			if matchGlob(path, excl) {
				return false
			}
			continue
		}
		if matchGlob(path, action.Path) {
			allowed = true
		}
	}
	return allowed
}

func methodMatches(actionMethod, requestMethod string) bool {
	return actionMethod == "*" || strings.EqualFold(actionMethod, requestMethod)
}

// matchGlob is fnmatch-style: "*" crosses path separators, and a
// trailing "/*" matches exactly one extra level.
func matchGlob(path, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		rest, under := strings.CutPrefix(path, prefix+"/")
		return under && !strings.Contains(rest, "/")
	}
	matched, err := filepath.Match(pattern, path)
	if err != nil {
		return false
	}
	return matched
}
