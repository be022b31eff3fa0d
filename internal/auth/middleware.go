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
	"encoding/json"
	"log/slog"
	"net/http"
)

// Config parameterizes the middleware.
type Config struct {
	// Enabled turns identity extraction and policy checks on.
	Enabled bool
	// Required rejects requests without identity headers. Off during
	// rollout so unauthenticated callers fall through anonymously.
	Required bool
	// DevMode skips everything. Never enable in production.
	DevMode bool
	// Checker enforces role policies. Nil skips authorization and only
	// extracts identity.
	Checker *Checker
}

// Middleware wraps an http.Handler with identity extraction and policy
// enforcement. The resolved Info rides the request context.
func Middleware(config Config, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.DevMode || !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			info := FromHeader(r.Header)
			if config.Required && info == nil {
				logger.Warn("unauthenticated request rejected",
					slog.String("path", r.URL.Path))
				deny(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if config.Checker != nil {
				var roles []string
				if info != nil {
					roles = info.Roles
				}
				if !config.Checker.CheckAccess(roles, r.URL.Path, r.Method) {
					user := ""
					if info != nil {
						user = info.User
					}
					logger.Warn("access denied",
						slog.String("path", r.URL.Path),
						slog.String("user", user))
					deny(w, http.StatusForbidden, "insufficient permissions")
					return
				}
			}

			if info != nil {
				r = r.WithContext(ContextWithInfo(r.Context(), info))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
