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

// Package auth extracts caller identity from the headers the edge proxy
// sets after JWT validation, and enforces role-based access to gateway
// endpoints. The gateway never sees raw credentials; it trusts the
// proxy-injected identity headers.
package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"
)

// Identity headers, set by the edge proxy after JWT validation. Header
// names are canonicalized by net/http.
const (
	// HeaderUser carries the authenticated user identity.
	HeaderUser = "X-Halo-User"
	// HeaderTenant carries the billing tenant. Defaults to the user when
	// absent.
	HeaderTenant = "X-Halo-Tenant"
	// HeaderRoles carries comma-separated role names.
	HeaderRoles = "X-Halo-Roles"
)

// Well-known role names.
const (
	// RoleAdmin grants full access, including model management.
	RoleAdmin = "halo-admin"
	// RoleDefault is implicitly held by every authenticated user.
	RoleDefault = "halo-default"
)

// Info is the extracted caller identity.
type Info struct {
	User   string
	Tenant string
	Roles  []string
}

// HasRole reports whether the caller holds the role. RoleDefault is
// always held.
func (i *Info) HasRole(role string) bool {
	if role == RoleDefault {
		return true
	}
	return slices.Contains(i.Roles, role)
}

// IsAdmin reports whether the caller holds the admin role.
func (i *Info) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}

// FromHeader extracts identity from proxy headers. Returns nil when no
// user header is present.
func FromHeader(h http.Header) *Info {
	user := strings.TrimSpace(h.Get(HeaderUser))
	if user == "" {
		return nil
	}
	info := &Info{
		User:   user,
		Tenant: strings.TrimSpace(h.Get(HeaderTenant)),
	}
	if info.Tenant == "" {
		info.Tenant = user
	}
	for _, role := range strings.Split(h.Get(HeaderRoles), ",") {
		role = strings.TrimSpace(role)
		if role != "" {
			info.Roles = append(info.Roles, role)
		}
	}
	return info
}

type contextKey struct{}

// ContextWithInfo attaches identity to the context.
func ContextWithInfo(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, contextKey{}, info)
}

// InfoFromContext returns the identity attached by the middleware, or
// nil for unauthenticated requests.
func InfoFromContext(ctx context.Context) *Info {
	info, _ := ctx.Value(contextKey{}).(*Info)
	return info
}
