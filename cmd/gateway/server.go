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

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"go.corp.nvidia.com/halo/internal/auth"
	"go.corp.nvidia.com/halo/internal/generator"
	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/internal/sched"
	"go.corp.nvidia.com/halo/internal/wire"
	"go.corp.nvidia.com/halo/pkg/engine"
)

// server exposes the engine over HTTP and WebSocket.
type server struct {
	engine   *engine.Engine
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func newServer(e *engine.Engine, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		engine: e,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (s *server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("POST /v1/models/load", s.handleLoadModel)
	mux.HandleFunc("POST /v1/models/unload", s.handleUnloadModel)
}

// generateRequest is the client-facing generation body, for both the
// REST and WebSocket surfaces.
type generateRequest struct {
	ModelID      string             `json:"model_id"`
	Prompt       string             `json:"prompt,omitempty"`
	PromptTokens []int              `json:"prompt_tokens,omitempty"`
	Template     *templateRequest   `json:"template,omitempty"`
	Structured   *structuredRequest `json:"structured,omitempty"`

	MaxTokens         int      `json:"max_tokens,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	PresencePenalty   *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float64 `json:"frequency_penalty,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	StopSequences     []string `json:"stop_sequences,omitempty"`
	StopTokenIDs      []int    `json:"stop_token_ids,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	DraftModel        string   `json:"draft_model,omitempty"`

	// Priority is a scheduler tier name; empty selects normal.
	Priority  string `json:"priority,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
	Urgent    bool   `json:"urgent,omitempty"`
}

type templateRequest struct {
	Text      string         `json:"text"`
	Variables map[string]any `json:"variables,omitempty"`
}

type structuredRequest struct {
	Format string          `json:"format"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

var priorityNames = map[string]sched.Priority{
	"critical":   sched.PriorityCritical,
	"high":       sched.PriorityHigh,
	"normal":     sched.PriorityNormal,
	"low":        sched.PriorityLow,
	"background": sched.PriorityBackground,
}

func (req *generateRequest) toParams() (generator.Params, generator.Options, error) {
	p := generator.Params{
		ModelID:           req.ModelID,
		Prompt:            req.Prompt,
		PromptTokens:      req.PromptTokens,
		MaxTokens:         req.MaxTokens,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
		PresencePenalty:   req.PresencePenalty,
		FrequencyPenalty:  req.FrequencyPenalty,
		RepetitionPenalty: req.RepetitionPenalty,
		StopSequences:     req.StopSequences,
		StopTokenIDs:      req.StopTokenIDs,
		Seed:              req.Seed,
		DraftModel:        req.DraftModel,
	}
	if req.Template != nil {
		p.Template = &generator.Template{Text: req.Template.Text, Variables: req.Template.Variables}
	}
	if req.Structured != nil {
		p.Structured = &generator.Structured{Format: req.Structured.Format, Schema: req.Structured.Schema}
	}

	prio := sched.PriorityNormal
	if req.Priority != "" {
		var ok bool
		if prio, ok = priorityNames[req.Priority]; !ok {
			return p, generator.Options{}, gwerr.Errorf(gwerr.InvalidArgument,
				"unknown priority %q", req.Priority)
		}
	}
	opts := generator.Options{
		Priority: int(prio),
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
		Urgent:   req.Urgent,
	}
	return p, opts, nil
}

// tenantFor resolves the billing tenant from the request identity.
func tenantFor(r *http.Request) string {
	if info := auth.InfoFromContext(r.Context()); info != nil {
		return info.Tenant
	}
	return "anonymous"
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetStats())
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, gwerr.Wrap(gwerr.InvalidArgument, "undecodable request body", err))
		return
	}
	params, opts, err := req.toParams()
	if err != nil {
		s.writeError(w, err)
		return
	}
	opts.TenantID = tenantFor(r)

	res, err := s.engine.Generate(r.Context(), params, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id": res.StreamID,
		"text":      res.Text,
		"tokens":    res.Tokens,
		"stats":     res.Stats,
	})
}

// streamMessage is one WebSocket frame sent to the client.
type streamMessage struct {
	Type     string      `json:"type"`
	StreamID string      `json:"stream_id,omitempty"`
	Token    string      `json:"token,omitempty"`
	TokenID  *int        `json:"token_id,omitempty"`
	Stats    *wire.Stats `json:"stats,omitempty"`
	Code     string      `json:"code,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// handleStream upgrades to WebSocket, reads one generate request, and
// streams tokens until completion or client disconnect.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFor(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req generateRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(streamMessage{Type: "error",
			Code: string(gwerr.InvalidArgument), Message: "undecodable generate request"})
		return
	}
	params, opts, err := req.toParams()
	if err != nil {
		s.writeStreamError(conn, "", err)
		return
	}
	opts.TenantID = tenant

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	g, err := s.engine.CreateGenerator(ctx, params, opts)
	if err != nil {
		s.writeStreamError(conn, "", err)
		return
	}
	defer g.Close()

	// Client disconnect or any further client frame cancels the stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			return
		}
	}()

	for {
		c, err := g.Recv(ctx)
		if err == io.EOF {
			_ = conn.WriteJSON(streamMessage{Type: "done", StreamID: g.StreamID()})
			return
		}
		if err != nil {
			s.writeStreamError(conn, g.StreamID(), err)
			return
		}
		switch c.Kind {
		case generator.KindToken:
			if len(c.Token.Tokens) > 0 {
				for _, bt := range c.Token.Tokens {
					if werr := conn.WriteJSON(streamMessage{
						Type: "token", StreamID: g.StreamID(),
						Token: bt.Token, TokenID: bt.TokenID,
					}); werr != nil {
						return
					}
				}
				continue
			}
			if werr := conn.WriteJSON(streamMessage{
				Type: "token", StreamID: g.StreamID(),
				Token: c.Token.Token, TokenID: c.Token.TokenID,
			}); werr != nil {
				return
			}
		case generator.KindStats:
			stats := c.Stats
			if werr := conn.WriteJSON(streamMessage{
				Type: "stats", StreamID: g.StreamID(), Stats: &stats,
			}); werr != nil {
				return
			}
		}
	}
}

type loadModelRequest struct {
	ModelID string         `json:"model_id"`
	Options map[string]any `json:"options,omitempty"`
}

func (s *server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var req loadModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, gwerr.Wrap(gwerr.InvalidArgument, "undecodable request body", err))
		return
	}
	desc, err := s.engine.LoadModel(r.Context(), req.ModelID, req.Options)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *server) handleUnloadModel(w http.ResponseWriter, r *http.Request) {
	var req loadModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, gwerr.Wrap(gwerr.InvalidArgument, "undecodable request body", err))
		return
	}
	if err := s.engine.UnloadModel(r.Context(), req.ModelID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// writeError sanitizes before responding: internal detail is logged,
// never returned to the client.
func (s *server) writeError(w http.ResponseWriter, err error) {
	ge := gwerr.Sanitize(err)
	if ge.Code == gwerr.Internal {
		s.logger.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, httpStatus(ge.Code), map[string]string{
		"code":  string(ge.Code),
		"error": ge.Message,
	})
}

func (s *server) writeStreamError(conn *websocket.Conn, streamID string, err error) {
	ge := gwerr.Sanitize(err)
	if ge.Code == gwerr.Internal {
		s.logger.Error("stream failed",
			slog.String("stream_id", streamID), slog.String("error", err.Error()))
	}
	_ = conn.WriteJSON(streamMessage{
		Type:     "error",
		StreamID: streamID,
		Code:     string(ge.Code),
		Message:  ge.Message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatus maps the gateway error taxonomy onto HTTP statuses.
func httpStatus(code gwerr.Code) int {
	switch code {
	case gwerr.InvalidArgument:
		return http.StatusBadRequest
	case gwerr.NotFound:
		return http.StatusNotFound
	case gwerr.AlreadyExists, gwerr.PreconditionFailed:
		return http.StatusConflict
	case gwerr.ResourceExhausted:
		return http.StatusTooManyRequests
	case gwerr.Timeout:
		return http.StatusGatewayTimeout
	case gwerr.Cancelled:
		return 499 // client closed request
	case gwerr.WorkerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
