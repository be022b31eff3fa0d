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
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"sync"

	"go.corp.nvidia.com/halo/internal/gwerr"
)

// DefaultMaxFrameSize bounds a single frame payload. A prefix above this
// is a protocol violation, not a large message.
const DefaultMaxFrameSize = 16 << 20 // 16 MiB

// DecoderStats counts decoder throughput since the last reset.
type DecoderStats struct {
	BytesDecoded    uint64
	MessagesDecoded uint64
}

// Decoder reassembles length-prefixed frames from arbitrary byte chunks.
// Chunks may split a frame anywhere, including inside the length prefix,
// and may carry many frames at once. Decoding any split of a byte stream
// yields the same message sequence as decoding it unsplit.
//
// A malformed payload is logged and skipped. An oversized length prefix is
// a terminal error: every later Write fails. Not safe for concurrent use;
// each transport owns one Decoder.
type Decoder struct {
	buf          []byte
	maxFrameSize uint32
	failed       error
	logger       *slog.Logger

	mu    sync.Mutex
	stats DecoderStats
}

// NewDecoder creates a Decoder. maxFrameSize 0 selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize uint32, logger *slog.Logger) *Decoder {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{maxFrameSize: maxFrameSize, logger: logger}
}

// Write feeds a byte chunk to the decoder and returns all messages that
// became complete. After a terminal framing error every call returns that
// error.
func (d *Decoder) Write(chunk []byte) ([]Message, error) {
	if d.failed != nil {
		return nil, d.failed
	}
	d.buf = append(d.buf, chunk...)

	var msgs []Message
	for {
		if len(d.buf) < prefixSize {
			break
		}
		n := binary.BigEndian.Uint32(d.buf[:prefixSize])
		if n > d.maxFrameSize {
			d.failed = gwerr.Errorf(gwerr.Transport,
				"frame length %d exceeds limit %d", n, d.maxFrameSize)
			d.buf = nil
			return msgs, d.failed
		}
		if uint32(len(d.buf)-prefixSize) < n {
			break
		}
		payload := d.buf[prefixSize : prefixSize+int(n)]
		msg, err := classify(payload)
		if err != nil {
			d.logger.Warn("skipping malformed frame",
				slog.Int("size", int(n)),
				slog.String("error", err.Error()))
		} else {
			msgs = append(msgs, msg)
		}
		d.addStats(prefixSize+uint64(n), err == nil)
		d.buf = d.buf[prefixSize+int(n):]
	}
	return msgs, nil
}

// Close discards any buffered partial frame, warning if bytes remain.
func (d *Decoder) Close() {
	if len(d.buf) > 0 {
		d.logger.Warn("discarding trailing bytes at end of stream",
			slog.Int("bytes", len(d.buf)))
		d.buf = nil
	}
}

func (d *Decoder) addStats(bytes uint64, decoded bool) {
	d.mu.Lock()
	d.stats.BytesDecoded += bytes
	if decoded {
		d.stats.MessagesDecoded++
	}
	d.mu.Unlock()
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() DecoderStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// ResetStats zeroes the decoder counters.
func (d *Decoder) ResetStats() {
	d.mu.Lock()
	d.stats = DecoderStats{}
	d.mu.Unlock()
}

// classify parses one frame payload into a typed Message.
func classify(payload []byte) (Message, error) {
	var probe struct {
		T      MessageType     `json:"t"`
		P      json.RawMessage `json:"p"`
		ID     uint64          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return Message{}, err
	}

	switch {
	case probe.T != "":
		if !streamTypes[probe.T] {
			return Message{}, gwerr.Errorf(gwerr.Transport,
				"unknown stream discriminator %q", probe.T)
		}
		msg := Message{Type: probe.T, Payload: probe.P}
		if probe.T == TypeToken {
			msg.BatchSize = tokenBatchSize(probe.P)
		}
		return msg, nil
	case probe.Method != "":
		return Message{Type: TypeRequest, Payload: payload}, nil
	case probe.ID != 0 || probe.Result != nil || probe.Error != nil:
		return Message{Type: TypeResponse, Payload: payload}, nil
	}
	return Message{}, gwerr.New(gwerr.Transport, "frame matches no known shape")
}

// tokenBatchSize infers the burst size of a TOKEN payload: the length of
// its tokens array, or 1 for a single-token frame.
func tokenBatchSize(p json.RawMessage) int {
	var burst struct {
		Tokens []json.RawMessage `json:"tokens"`
	}
	if err := json.Unmarshal(p, &burst); err == nil && len(burst.Tokens) > 0 {
		return len(burst.Tokens)
	}
	return 1
}
