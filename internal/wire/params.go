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

package wire

import "encoding/json"

// LoadModelParams is the load_model request body.
type LoadModelParams struct {
	ModelID string         `json:"model_id"`
	Options map[string]any `json:"options,omitempty"`
}

// LoadModelResult is the load_model response body.
type LoadModelResult struct {
	ModelID       string `json:"model_id"`
	State         string `json:"state"`
	ContextLength int    `json:"context_length"`
	VocabSize     int    `json:"vocab_size,omitempty"`
	Revision      string `json:"revision,omitempty"`
	Quantization  string `json:"quantization,omitempty"`
	Dtype         string `json:"dtype,omitempty"`
}

// UnloadModelParams is the unload_model request body.
type UnloadModelParams struct {
	ModelID string `json:"model_id"`
}

// AckResult is the generic { ok } response body.
type AckResult struct {
	OK bool `json:"ok"`
}

// Guidance is the structured-output block carried by generate. The
// runtime enforces it; the gateway only forwards it.
type Guidance struct {
	Mode   string          `json:"mode"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// GenerateParams is the generate request body.
type GenerateParams struct {
	ModelID           string    `json:"model_id"`
	Prompt            string    `json:"prompt,omitempty"`
	PromptTokens      []int     `json:"prompt_tokens,omitempty"`
	StreamID          string    `json:"stream_id"`
	Streaming         bool      `json:"streaming"`
	MaxTokens         int       `json:"max_tokens,omitempty"`
	Temperature       *float64  `json:"temperature,omitempty"`
	TopP              *float64  `json:"top_p,omitempty"`
	PresencePenalty   *float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float64  `json:"frequency_penalty,omitempty"`
	RepetitionPenalty *float64  `json:"repetition_penalty,omitempty"`
	StopSequences     []string  `json:"stop_sequences,omitempty"`
	StopTokenIDs      []int     `json:"stop_token_ids,omitempty"`
	Seed              *int64    `json:"seed,omitempty"`
	Guidance          *Guidance `json:"guidance,omitempty"`
	DraftModel        string    `json:"draft_model,omitempty"`
}

// AcceptedResult is the generate response body.
type AcceptedResult struct {
	Accepted bool `json:"accepted"`
}

// BatchGenerateParams is the batch_generate request body.
type BatchGenerateParams struct {
	Requests []GenerateParams `json:"requests"`
}

// BatchAcceptedResult is the batch_generate response body.
type BatchAcceptedResult struct {
	Accepted int `json:"accepted"`
}

// CancelParams is the cancel request body.
type CancelParams struct {
	StreamID string `json:"stream_id"`
}

// RuntimeInfoResult is the runtime/info response body, the readiness
// handshake payload.
type RuntimeInfoResult struct {
	Capabilities []string `json:"capabilities"`
}

// WorkerMetrics is the get_worker_metrics response body.
type WorkerMetrics struct {
	ActiveRequests int     `json:"active_requests"`
	TotalRequests  uint64  `json:"total_requests"`
	LoadedModels   int     `json:"loaded_models,omitempty"`
	MemoryBytes    uint64  `json:"memory_bytes,omitempty"`
	GPUUtilization float64 `json:"gpu_utilization,omitempty"`
}
