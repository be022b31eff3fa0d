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

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/internal/wire"
)

// fakeHandler records dispatched stream notifications.
type fakeHandler struct {
	mu        sync.Mutex
	chunks    []wire.Chunk
	stats     []wire.Stats
	completed []string
	errored   map[string]error
	timedOut  []string
	cancelled []string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{errored: make(map[string]error)}
}

func (h *fakeHandler) OnChunk(id string, c wire.Chunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chunks = append(h.chunks, c)
}

func (h *fakeHandler) OnStats(id string, s wire.Stats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = append(h.stats, s)
}

func (h *fakeHandler) OnCompleted(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, id)
}

func (h *fakeHandler) OnError(id string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errored[id] = err
}

func (h *fakeHandler) OnTimeout(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timedOut = append(h.timedOut, id)
}

func (h *fakeHandler) Cancel(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = append(h.cancelled, id)
}

// stubWorker is a scripted peer on the far side of a net.Pipe. respond
// decides the reply for each request; nil means no reply.
type stubWorker struct {
	conn    net.Conn
	dec     *wire.Decoder
	mu      sync.Mutex
	seen    []wire.Request
	respond func(req wire.Request) *wire.Response
}

func newStubWorker(conn net.Conn, respond func(wire.Request) *wire.Response) *stubWorker {
	w := &stubWorker{conn: conn, dec: wire.NewDecoder(0, nil), respond: respond}
	go w.serve()
	return w
}

func (w *stubWorker) serve() {
	buf := make([]byte, 4096)
	for {
		n, err := w.conn.Read(buf)
		if n > 0 {
			msgs, _ := w.dec.Write(buf[:n])
			for _, msg := range msgs {
				if msg.Type != wire.TypeRequest {
					continue
				}
				var req wire.Request
				if json.Unmarshal(msg.Payload, &req) != nil {
					continue
				}
				w.mu.Lock()
				w.seen = append(w.seen, req)
				w.mu.Unlock()
				if w.respond == nil {
					continue
				}
				if resp := w.respond(req); resp != nil {
					frame, _ := wire.EncodeResponse(resp.ID, resp.Result, resp.Error)
					_, _ = w.conn.Write(frame)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (w *stubWorker) requests() []wire.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]wire.Request(nil), w.seen...)
}

// push writes a stream envelope to the client.
func (w *stubWorker) push(t *testing.T, typ wire.MessageType, payload any) {
	t.Helper()
	frame, err := wire.EncodeEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if _, err := w.conn.Write(frame); err != nil {
		t.Fatalf("stub write: %v", err)
	}
}

func startClient(t *testing.T, respond func(wire.Request) *wire.Response) (*Client, *stubWorker, *fakeHandler) {
	t.Helper()
	clientSide, workerSide := net.Pipe()
	handler := newFakeHandler()
	c := NewClient(clientSide, handler, Config{})
	w := newStubWorker(workerSide, respond)
	c.Start()
	t.Cleanup(func() {
		c.Close()
		_ = workerSide.Close()
	})
	return c, w, handler
}

func echoResponder(req wire.Request) *wire.Response {
	return &wire.Response{ID: req.ID, Result: req.Params}
}

func TestCallMatchesResponseByID(t *testing.T) {
	t.Parallel()

	c, _, _ := startClient(t, echoResponder)

	var result map[string]string
	err := c.Call(context.Background(), wire.MethodGenerate,
		map[string]string{"model_id": "m1"}, &result)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result["model_id"] != "m1" {
		t.Errorf("result = %v", result)
	}
}

func TestCallSurfacesWorkerError(t *testing.T) {
	t.Parallel()

	c, _, _ := startClient(t, func(req wire.Request) *wire.Response {
		return &wire.Response{ID: req.ID, Error: &wire.ResponseError{
			Code: "NotFound", Message: "no such model",
		}}
	})

	err := c.Call(context.Background(), wire.MethodLoadModel, nil, nil)
	if gwerr.CodeOf(err) != gwerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCallUnknownWorkerCodeBecomesInternal(t *testing.T) {
	t.Parallel()

	c, _, _ := startClient(t, func(req wire.Request) *wire.Response {
		return &wire.Response{ID: req.ID, Error: &wire.ResponseError{
			Code: "SomethingNovel", Message: "gpu driver at /usr/lib/nvidia exploded",
		}}
	})

	err := c.Call(context.Background(), wire.MethodLoadModel, nil, nil)
	if gwerr.CodeOf(err) != gwerr.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
	// The foreign message never enters the user-visible error text.
	if strings.Contains(err.Error(), "nvidia") {
		t.Fatalf("worker message leaked: %v", err)
	}
}

func TestCallCancellationSendsBestEffortCancel(t *testing.T) {
	t.Parallel()

	c, w, _ := startClient(t, nil) // never responds

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Call(ctx, wire.MethodGenerate, map[string]string{"stream_id": "s1"}, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	if gwerr.CodeOf(err) != gwerr.Cancelled {
		t.Fatalf("expected Cancelled, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, req := range w.requests() {
			if req.Method == "cancel_request" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cancel notification never reached the worker")
}

func TestCallDeadline(t *testing.T) {
	t.Parallel()

	clientSide, workerSide := net.Pipe()
	c := NewClient(clientSide, newFakeHandler(), Config{CallTimeout: 50 * time.Millisecond})
	newStubWorker(workerSide, nil)
	c.Start()
	t.Cleanup(func() { c.Close(); _ = workerSide.Close() })

	err := c.Call(context.Background(), wire.MethodWorkerMetrics, nil, nil)
	if gwerr.CodeOf(err) != gwerr.Timeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
}

func TestPipeCloseFailsOutstandingCalls(t *testing.T) {
	t.Parallel()

	clientSide, workerSide := net.Pipe()
	handler := newFakeHandler()
	c := NewClient(clientSide, handler, Config{})
	newStubWorker(workerSide, nil)
	closed := make(chan error, 1)
	c.OnClose(func(err error) { closed <- err })
	c.Start()

	done := make(chan error, 1)
	go func() {
		done <- c.Call(context.Background(), wire.MethodGenerate, nil, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	_ = workerSide.Close()

	err := <-done
	if gwerr.CodeOf(err) != gwerr.Transport {
		t.Fatalf("expected Transport, got %v", err)
	}
	select {
	case err := <-closed:
		if gwerr.CodeOf(err) != gwerr.Transport {
			t.Errorf("OnClose error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnClose never fired")
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestDrainFailsFast(t *testing.T) {
	t.Parallel()

	c, _, _ := startClient(t, echoResponder)
	c.Drain()

	err := c.Call(context.Background(), wire.MethodGenerate, nil, nil)
	if gwerr.CodeOf(err) != gwerr.WorkerUnavailable {
		t.Fatalf("expected WorkerUnavailable in draining, got %v", err)
	}
	if got := c.State(); got != StateDraining {
		t.Errorf("state = %v, want draining", got)
	}
}

func TestStreamNotificationDispatch(t *testing.T) {
	t.Parallel()

	_, w, handler := startClient(t, nil)

	w.push(t, wire.TypeToken, wire.Chunk{StreamID: "s1", Token: "a"})
	w.push(t, wire.TypeToken, wire.Chunk{StreamID: "s1", Token: "b"})
	w.push(t, wire.TypeStats, wire.Stats{StreamID: "s1", TokensGenerated: 2})
	w.push(t, wire.TypeEvent, wire.Event{StreamID: "s1", Event: wire.EventCompleted})
	w.push(t, wire.TypeError, wire.StreamError{StreamID: "s2", Message: "sampler exploded"})
	w.push(t, wire.TypeEvent, wire.Event{StreamID: "s3", Event: wire.EventTimeout})
	w.push(t, wire.TypeEvent, wire.Event{StreamID: "s4", Event: wire.EventCancelled})
	w.push(t, wire.TypeDone, wire.Done{StreamID: "s5"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		complete := len(handler.chunks) == 2 && len(handler.stats) == 1 &&
			len(handler.completed) == 2 && len(handler.errored) == 1 &&
			len(handler.timedOut) == 1 && len(handler.cancelled) == 1
		handler.mu.Unlock()
		if complete {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.chunks[0].Token != "a" || handler.chunks[1].Token != "b" {
		t.Errorf("chunk order = %v", handler.chunks)
	}
	if gwerr.CodeOf(handler.errored["s2"]) != gwerr.GenerationError {
		t.Errorf("stream error = %v", handler.errored["s2"])
	}
	if len(handler.completed) != 2 {
		t.Errorf("completed = %v", handler.completed)
	}
}

func TestRetryOnTransientOnly(t *testing.T) {
	t.Parallel()

	config := RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	attempts := 0
	err := Retry(context.Background(), config, nil, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return gwerr.New(gwerr.Transport, "flaky pipe")
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("err = %v, attempts = %d", err, attempts)
	}

	attempts = 0
	wantErr := gwerr.New(gwerr.InvalidArgument, "bad prompt")
	err = Retry(context.Background(), config, nil, func(context.Context) error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) || attempts != 1 {
		t.Fatalf("non-retryable code was retried: err = %v, attempts = %d", err, attempts)
	}
}

func TestRetryAbortShortCircuits(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	config := RetryConfig{MaxAttempts: 10, BaseBackoff: time.Hour, MaxBackoff: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, config, nil, func(context.Context) error {
			return gwerr.New(gwerr.WorkerUnavailable, "nobody home")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if gwerr.CodeOf(err) != gwerr.Cancelled {
			t.Fatalf("expected Cancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retry slept through the abort")
	}
}
