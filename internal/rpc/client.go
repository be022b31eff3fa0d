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

// Package rpc implements the framed request/response transport to one
// runtime worker, with server-push stream notifications demultiplexed to
// the stream registry.
package rpc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/internal/wire"
)

// State is the transport lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// StreamHandler receives demultiplexed stream notifications. Implemented
// by the stream registry.
type StreamHandler interface {
	OnChunk(streamID string, c wire.Chunk)
	OnStats(streamID string, s wire.Stats)
	OnCompleted(streamID string)
	OnError(streamID string, err error)
	OnTimeout(streamID string)
	Cancel(streamID string)
}

// Config parameterizes a Client.
type Config struct {
	// MaxFrameSize bounds inbound frames; 0 selects the wire default.
	MaxFrameSize uint32
	// CallTimeout is the default deadline applied to Call when the
	// caller's context has none. Zero means no default deadline.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Client is the request/response transport over one byte pipe. Safe for
// concurrent use. Inbound stream notifications are dispatched on the read
// pump goroutine, preserving per-stream order.
type Client struct {
	conn    io.ReadWriteCloser
	dec     *wire.Decoder
	handler StreamHandler
	config  Config
	logger  *slog.Logger

	state  atomic.Int32
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan wire.Response

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// onClose is invoked once when the pipe fails or is closed, with the
	// terminal error. Set before Start.
	onClose func(error)
}

// NewClient creates a Client over the given pipe. Start must be called
// before Call.
func NewClient(conn io.ReadWriteCloser, handler StreamHandler, config Config) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		conn:    conn,
		dec:     wire.NewDecoder(config.MaxFrameSize, config.Logger),
		handler: handler,
		config:  config,
		logger:  config.Logger,
		pending: make(map[uint64]chan wire.Response),
		done:    make(chan struct{}),
	}
}

// OnClose registers a callback fired once when the transport reaches
// Closed. Must be set before Start.
func (c *Client) OnClose(fn func(error)) {
	c.onClose = fn
}

// State returns the current transport state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Start launches the read pump and moves the transport to Ready.
func (c *Client) Start() {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return
	}
	go c.readPump()
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateReady))
}

// Drain stops accepting new requests; in-flight requests finish or hit
// their deadlines.
func (c *Client) Drain() {
	c.state.CompareAndSwap(int32(StateReady), int32(StateDraining))
}

// Close tears the transport down. Every outstanding request fails with a
// Transport error. Idempotent.
func (c *Client) Close() {
	c.closeWith(gwerr.New(gwerr.Transport, "transport closed"))
}

func (c *Client) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = err
		close(c.done)
		_ = c.conn.Close()
		c.failAll(err)
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan wire.Response)
	c.mu.Unlock()

	code := string(gwerr.CodeOf(err))
	for id, ch := range pending {
		ch <- wire.Response{ID: id, Error: &wire.ResponseError{
			Code:    code,
			Message: err.Error(),
		}}
	}
}

// Call issues a request and decodes the response result into result (when
// non-nil). At-most-once from the caller's perspective; the response is
// matched by id. Context cancellation rejects the call and sends a
// best-effort cancel notification so the worker can stop producing.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	switch c.State() {
	case StateReady, StateConnecting:
	case StateDraining:
		return gwerr.New(gwerr.WorkerUnavailable, "transport draining")
	default:
		return gwerr.New(gwerr.Transport, "transport not connected")
	}

	if c.config.CallTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.config.CallTimeout)
			defer cancel()
		}
	}

	id := c.nextID.Add(1)
	ch := make(chan wire.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := wire.EncodeRequest(id, method, params)
	if err != nil {
		c.unregister(id)
		return err
	}
	if err := c.write(frame); err != nil {
		c.unregister(id)
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			code := gwerr.Code(resp.Error.Code)
			if !knownCode(code) {
				// Foreign codes carry foreign messages; neither may
				// reach a client. The original is logged here and kept
				// reachable via Unwrap.
				c.logger.Warn("worker returned unknown error code",
					slog.String("code", resp.Error.Code),
					slog.String("message", resp.Error.Message))
				return gwerr.Sanitize(gwerr.New(gwerr.Internal, resp.Error.Message))
			}
			return gwerr.New(code, resp.Error.Message)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return gwerr.Wrap(gwerr.Transport, "decode response result", err)
			}
		}
		return nil
	case <-ctx.Done():
		c.unregister(id)
		c.notifyCancel(id)
		if ctx.Err() == context.DeadlineExceeded {
			return gwerr.Wrap(gwerr.Timeout, method+" deadline exceeded", ctx.Err())
		}
		return gwerr.Wrap(gwerr.Cancelled, method+" cancelled", ctx.Err())
	case <-c.done:
		return gwerr.Wrap(gwerr.Transport, "transport closed with request in flight", c.closeErr)
	}
}

// Notify sends a one-way request.
func (c *Client) Notify(method string, params any) error {
	if s := c.State(); s != StateReady && s != StateDraining && s != StateConnecting {
		return gwerr.New(gwerr.Transport, "transport not connected")
	}
	frame, err := wire.EncodeRequest(0, method, params)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// notifyCancel tells the worker the request was abandoned. Best effort.
func (c *Client) notifyCancel(id uint64) {
	if err := c.Notify("cancel_request", map[string]uint64{"id": id}); err != nil {
		c.logger.Debug("cancel notification failed", slog.Uint64("id", id),
			slog.String("error", err.Error()))
	}
}

func (c *Client) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return gwerr.Wrap(gwerr.Transport, "pipe write failed", err)
	}
	return nil
}

func (c *Client) readPump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			msgs, derr := c.dec.Write(buf[:n])
			for _, msg := range msgs {
				c.dispatch(msg)
			}
			if derr != nil {
				c.closeWith(derr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				c.dec.Close()
				c.closeWith(gwerr.New(gwerr.Transport, "pipe closed by worker"))
			} else {
				c.closeWith(gwerr.Wrap(gwerr.Transport, "pipe read failed", err))
			}
			return
		}
	}
}

func (c *Client) dispatch(msg wire.Message) {
	switch msg.Type {
	case wire.TypeResponse:
		var resp wire.Response
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			c.logger.Warn("undecodable response frame", slog.String("error", err.Error()))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		} else {
			c.logger.Debug("response for unknown request", slog.Uint64("id", resp.ID))
		}

	case wire.TypeToken:
		var chunk wire.Chunk
		if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
			c.logger.Warn("undecodable chunk payload", slog.String("error", err.Error()))
			return
		}
		c.handler.OnChunk(chunk.StreamID, chunk)

	case wire.TypeStats:
		var stats wire.Stats
		if err := json.Unmarshal(msg.Payload, &stats); err != nil {
			c.logger.Warn("undecodable stats payload", slog.String("error", err.Error()))
			return
		}
		c.handler.OnStats(stats.StreamID, stats)

	case wire.TypeDone:
		var done wire.Done
		if err := json.Unmarshal(msg.Payload, &done); err != nil {
			c.logger.Warn("undecodable done payload", slog.String("error", err.Error()))
			return
		}
		c.handler.OnCompleted(done.StreamID)

	case wire.TypeEvent:
		var ev wire.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			c.logger.Warn("undecodable event payload", slog.String("error", err.Error()))
			return
		}
		switch ev.Event {
		case wire.EventStart:
			// Informational only.
		case wire.EventCompleted:
			c.handler.OnCompleted(ev.StreamID)
		case wire.EventCancelled:
			c.handler.Cancel(ev.StreamID)
		case wire.EventTimeout:
			c.handler.OnTimeout(ev.StreamID)
		default:
			c.logger.Warn("unknown stream event", slog.String("event", ev.Event))
		}

	case wire.TypeError:
		var se wire.StreamError
		if err := json.Unmarshal(msg.Payload, &se); err != nil {
			c.logger.Warn("undecodable error payload", slog.String("error", err.Error()))
			return
		}
		c.handler.OnError(se.StreamID, gwerr.New(gwerr.GenerationError, se.Message))

	case wire.TypeRequest:
		c.dispatchNotification(msg.Payload)
	}
}

// dispatchNotification handles worker-initiated method-style notifications
// carrying stream events, the JSON-RPC flavored alternative to envelopes.
func (c *Client) dispatchNotification(payload json.RawMessage) {
	var req wire.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		c.logger.Warn("undecodable notification", slog.String("error", err.Error()))
		return
	}
	switch req.Method {
	case "stream.chunk":
		var chunk wire.Chunk
		if json.Unmarshal(req.Params, &chunk) == nil {
			c.handler.OnChunk(chunk.StreamID, chunk)
		}
	case "stream.stats":
		var stats wire.Stats
		if json.Unmarshal(req.Params, &stats) == nil {
			c.handler.OnStats(stats.StreamID, stats)
		}
	case "stream.event":
		var ev wire.Event
		if json.Unmarshal(req.Params, &ev) == nil {
			switch ev.Event {
			case wire.EventCompleted:
				c.handler.OnCompleted(ev.StreamID)
			case wire.EventCancelled:
				c.handler.Cancel(ev.StreamID)
			}
		}
	case "stream.error":
		var se wire.StreamError
		if json.Unmarshal(req.Params, &se) == nil {
			c.handler.OnError(se.StreamID, gwerr.New(gwerr.GenerationError, se.Message))
		}
	case "stream.timeout":
		var to wire.Done
		if json.Unmarshal(req.Params, &to) == nil {
			c.handler.OnTimeout(to.StreamID)
		}
	default:
		c.logger.Debug("ignoring worker notification", slog.String("method", req.Method))
	}
}

// knownCode reports whether the wire error code belongs to the taxonomy.
func knownCode(code gwerr.Code) bool {
	switch code {
	case gwerr.InvalidArgument, gwerr.NotFound, gwerr.AlreadyExists,
		gwerr.ResourceExhausted, gwerr.PreconditionFailed, gwerr.Timeout,
		gwerr.Cancelled, gwerr.WorkerUnavailable, gwerr.WorkerFailed,
		gwerr.Transport, gwerr.GenerationError, gwerr.Internal:
		return true
	}
	return false
}
