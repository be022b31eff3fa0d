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

import (
	"encoding/json"
	"errors"
	"testing"

	"go.corp.nvidia.com/halo/internal/gwerr"
)

// collect feeds the stream to a fresh decoder in chunks of the given size
// and returns every decoded message.
func collect(t *testing.T, stream []byte, chunkSize int) []Message {
	t.Helper()
	d := NewDecoder(0, nil)
	var out []Message
	for off := 0; off < len(stream); off += chunkSize {
		end := off + chunkSize
		if end > len(stream) {
			end = len(stream)
		}
		msgs, err := d.Write(stream[off:end])
		if err != nil {
			t.Fatalf("Write failed at offset %d: %v", off, err)
		}
		out = append(out, msgs...)
	}
	return out
}

func tokenFrame(t *testing.T, streamID, token string) []byte {
	t.Helper()
	b, err := EncodeEnvelope(TypeToken, Chunk{StreamID: streamID, Token: token})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	return b
}

func TestDecoderSplitInvariance(t *testing.T) {
	t.Parallel()

	var stream []byte
	stream = append(stream, tokenFrame(t, "s1", "hello")...)
	stream = append(stream, tokenFrame(t, "s1", "world")...)
	statsFrame, err := EncodeEnvelope(TypeStats, Stats{StreamID: "s1", TokensGenerated: 2})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	stream = append(stream, statsFrame...)
	doneFrame, err := EncodeEnvelope(TypeDone, Done{StreamID: "s1"})
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	stream = append(stream, doneFrame...)

	want := collect(t, stream, len(stream))
	if len(want) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(want))
	}

	// Every chunking, down to byte-at-a-time, must yield the same sequence.
	for _, size := range []int{1, 2, 3, 5, 7, 16, len(stream) - 1} {
		got := collect(t, stream, size)
		if len(got) != len(want) {
			t.Fatalf("chunk size %d: got %d messages, want %d", size, len(got), len(want))
		}
		for i := range got {
			if got[i].Type != want[i].Type {
				t.Errorf("chunk size %d msg %d: type %v, want %v", size, i, got[i].Type, want[i].Type)
			}
			if string(got[i].Payload) != string(want[i].Payload) {
				t.Errorf("chunk size %d msg %d: payload mismatch", size, i)
			}
		}
	}
}

func TestDecoderOversizedFrameIsTerminal(t *testing.T) {
	t.Parallel()

	d := NewDecoder(64, nil)
	big := EncodeFrame(make([]byte, 65))
	_, err := d.Write(big)
	if gwerr.CodeOf(err) != gwerr.Transport {
		t.Fatalf("expected Transport error, got %v", err)
	}

	// Decoder stays failed even for valid input.
	_, err2 := d.Write(tokenFrame(t, "s1", "x"))
	if !errors.Is(err2, err) {
		t.Errorf("expected terminal error to persist, got %v", err2)
	}
}

func TestDecoderSkipsMalformedFrame(t *testing.T) {
	t.Parallel()

	d := NewDecoder(0, nil)
	var stream []byte
	stream = append(stream, EncodeFrame([]byte("{not json"))...)
	stream = append(stream, tokenFrame(t, "s1", "ok")...)

	msgs, err := d.Write(stream)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != TypeToken {
		t.Fatalf("expected the valid frame to survive, got %v", msgs)
	}
}

func TestDecoderZeroLengthPayload(t *testing.T) {
	t.Parallel()

	d := NewDecoder(0, nil)
	var stream []byte
	stream = append(stream, EncodeFrame(nil)...)
	stream = append(stream, tokenFrame(t, "s1", "after")...)

	msgs, err := d.Write(stream)
	if err != nil {
		t.Fatalf("zero-length payload must not be a framing error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != TypeToken {
		t.Fatalf("expected decoding to continue past empty frame, got %v", msgs)
	}
}

func TestDecoderTokenBatchSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		chunk Chunk
		want  int
	}{
		{"single", Chunk{StreamID: "s", Token: "a"}, 1},
		{"burst", Chunk{StreamID: "s", Tokens: []BatchToken{{Token: "a"}, {Token: "b"}, {Token: "c"}}}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeEnvelope(TypeToken, tt.chunk)
			if err != nil {
				t.Fatalf("EncodeEnvelope: %v", err)
			}
			d := NewDecoder(0, nil)
			msgs, err := d.Write(frame)
			if err != nil || len(msgs) != 1 {
				t.Fatalf("Write = %v, %v", msgs, err)
			}
			if msgs[0].BatchSize != tt.want {
				t.Errorf("BatchSize = %d, want %d", msgs[0].BatchSize, tt.want)
			}
		})
	}
}

func TestDecoderClassifiesRPCFrames(t *testing.T) {
	t.Parallel()

	req, err := EncodeRequest(7, MethodGenerate, map[string]any{"model_id": "m1"})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	res, err := EncodeResponse(7, map[string]any{"accepted": true}, nil)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	failure, err := EncodeResponse(8, nil, &ResponseError{Code: "NotFound", Message: "no such model"})
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}

	d := NewDecoder(0, nil)
	msgs, err := d.Write(append(append(append([]byte{}, req...), res...), failure...))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Type != TypeRequest {
		t.Errorf("msg 0 type = %v, want REQUEST", msgs[0].Type)
	}
	var decoded Request
	if err := json.Unmarshal(msgs[0].Payload, &decoded); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if decoded.ID != 7 || decoded.Method != MethodGenerate {
		t.Errorf("request = %+v", decoded)
	}
	for _, i := range []int{1, 2} {
		if msgs[i].Type != TypeResponse {
			t.Errorf("msg %d type = %v, want RESPONSE", i, msgs[i].Type)
		}
	}
	var failed Response
	if err := json.Unmarshal(msgs[2].Payload, &failed); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if failed.Error == nil || failed.Error.Code != "NotFound" {
		t.Errorf("failed response = %+v", failed)
	}
}

func TestDecoderStats(t *testing.T) {
	t.Parallel()

	d := NewDecoder(0, nil)
	frame := tokenFrame(t, "s1", "a")
	if _, err := d.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := d.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	stats := d.Stats()
	if stats.MessagesDecoded != 2 {
		t.Errorf("MessagesDecoded = %d, want 2", stats.MessagesDecoded)
	}
	if stats.BytesDecoded != uint64(2*len(frame)) {
		t.Errorf("BytesDecoded = %d, want %d", stats.BytesDecoded, 2*len(frame))
	}

	d.ResetStats()
	if s := d.Stats(); s.MessagesDecoded != 0 || s.BytesDecoded != 0 {
		t.Errorf("stats after reset = %+v", s)
	}
}

func TestDecoderCloseDiscardsPartialFrame(t *testing.T) {
	t.Parallel()

	d := NewDecoder(0, nil)
	frame := tokenFrame(t, "s1", "a")
	if _, err := d.Write(frame[:len(frame)-2]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	d.Close()

	// The partial tail is gone; feeding its remainder must not resurrect it.
	msgs, err := d.Write(frame)
	if err != nil {
		t.Fatalf("Write after Close: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly the new frame, got %d messages", len(msgs))
	}
}
