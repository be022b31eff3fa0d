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

// Package wire implements the length-framed binary channel spoken between
// the gateway and runtime workers.
//
// Every frame is a 4-byte big-endian unsigned length N followed by N bytes
// of JSON. Three frame shapes travel on the channel:
//
//   - stream notifications: an envelope {"t": <discriminator>, "p": <payload>}
//     where t is one of TOKEN, STATS, EVENT, DONE, ERROR
//   - requests and one-way notifications: {"id"?, "method", "params"}
//   - responses: {"id", "result"?, "error"?}
//
// The Decoder (decoder.go) reassembles frames from arbitrary byte chunks and
// classifies them; this file holds the frame types and encoding helpers.
package wire

import (
	"encoding/binary"
	"encoding/json"

	"go.corp.nvidia.com/halo/internal/gwerr"
)

// MessageType discriminates decoded frames.
type MessageType string

const (
	// Stream notification discriminators (envelope "t" values).
	TypeToken MessageType = "TOKEN"
	TypeStats MessageType = "STATS"
	TypeEvent MessageType = "EVENT"
	TypeDone  MessageType = "DONE"
	TypeError MessageType = "ERROR"

	// RPC frame shapes, inferred from the object fields.
	TypeRequest  MessageType = "REQUEST"
	TypeResponse MessageType = "RESPONSE"
)

// streamTypes is the closed set of envelope discriminators.
var streamTypes = map[MessageType]bool{
	TypeToken: true,
	TypeStats: true,
	TypeEvent: true,
	TypeDone:  true,
	TypeError: true,
}

// Stream event names carried in an EVENT payload.
const (
	EventStart     = "start"
	EventCompleted = "completed"
	EventCancelled = "cancelled"
	EventTimeout   = "timeout"
)

// Worker RPC method names.
const (
	MethodLoadModel     = "load_model"
	MethodUnloadModel   = "unload_model"
	MethodGenerate      = "generate"
	MethodBatchGenerate = "batch_generate"
	MethodCancel        = "cancel"
	MethodRuntimeInfo   = "runtime/info"
	MethodWorkerMetrics = "get_worker_metrics"
)

// Envelope is the stream-notification frame shape.
type Envelope struct {
	T MessageType     `json:"t"`
	P json.RawMessage `json:"p"`
}

// Request is an RPC request or, when ID is zero, a one-way notification.
type Request struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the matching ID. Exactly one of Result
// and Error is set.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error object carried in a failed response. Code is
// drawn from the gateway error taxonomy.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchToken is one entry of a TOKEN burst.
type BatchToken struct {
	Token   string `json:"token"`
	TokenID *int   `json:"token_id,omitempty"`
}

// Chunk is the payload of a TOKEN envelope. When Tokens is non-empty the
// frame carries a burst and the scalar fields are ignored.
type Chunk struct {
	StreamID       string       `json:"stream_id"`
	Token          string       `json:"token"`
	TokenID        *int         `json:"token_id,omitempty"`
	Logprob        *float64     `json:"logprob,omitempty"`
	CumulativeText string       `json:"cumulative_text,omitempty"`
	IsFinal        bool         `json:"is_final,omitempty"`
	Tokens         []BatchToken `json:"tokens,omitempty"`
}

// Stats is the payload of a STATS envelope.
type Stats struct {
	StreamID         string  `json:"stream_id"`
	TokensGenerated  int     `json:"tokens_generated"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
	TimeToFirstToken float64 `json:"time_to_first_token"`
	TotalTime        float64 `json:"total_time"`
}

// Event is the payload of an EVENT envelope.
type Event struct {
	StreamID string `json:"stream_id"`
	Event    string `json:"event"`
}

// Done is the payload of a DONE envelope.
type Done struct {
	StreamID string `json:"stream_id"`
}

// StreamError is the payload of an ERROR envelope.
type StreamError struct {
	StreamID string `json:"stream_id"`
	Message  string `json:"message"`
}

// Message is one decoded frame.
type Message struct {
	Type MessageType

	// Payload is the envelope payload for stream types, and the whole
	// frame object for REQUEST/RESPONSE.
	Payload json.RawMessage

	// BatchSize is the number of tokens carried by a TOKEN frame, at
	// least 1. Non-TOKEN frames carry 0.
	BatchSize int
}

// prefixSize is the length-prefix width in bytes.
const prefixSize = 4

// AppendFrame appends the 4-byte big-endian length prefix and payload to
// dst and returns the extended slice.
func AppendFrame(dst, payload []byte) []byte {
	var prefix [prefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	dst = append(dst, prefix[:]...)
	return append(dst, payload...)
}

// EncodeFrame frames a payload for the wire.
func EncodeFrame(payload []byte) []byte {
	return AppendFrame(make([]byte, 0, prefixSize+len(payload)), payload)
}

// EncodeEnvelope marshals and frames a stream notification.
func EncodeEnvelope(t MessageType, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Transport, "encode stream payload", err)
	}
	raw, err := json.Marshal(Envelope{T: t, P: p})
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Transport, "encode stream envelope", err)
	}
	return EncodeFrame(raw), nil
}

// EncodeRequest marshals and frames a request. id 0 encodes a one-way
// notification.
func EncodeRequest(id uint64, method string, params any) ([]byte, error) {
	var raw json.RawMessage
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.Transport, "encode request params", err)
		}
		raw = p
	}
	b, err := json.Marshal(Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Transport, "encode request", err)
	}
	return EncodeFrame(b), nil
}

// EncodeResponse marshals and frames a response.
func EncodeResponse(id uint64, result any, respErr *ResponseError) ([]byte, error) {
	var raw json.RawMessage
	if result != nil {
		r, err := json.Marshal(result)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.Transport, "encode response result", err)
		}
		raw = r
	}
	b, err := json.Marshal(Response{ID: id, Result: raw, Error: respErr})
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Transport, "encode response", err)
	}
	return EncodeFrame(b), nil
}
