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

package worker

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/internal/wire"
)

// Script customizes the in-memory stub runtime. Zero value gives a
// worker that loads any model and answers every generate with two tokens,
// stats, and a completion.
type Script struct {
	Capabilities []string
	// Validate rejects a generate item before acceptance. In a batch the
	// rejection becomes a stream error for that item only.
	Validate func(p wire.GenerateParams) *wire.ResponseError
	// Generate produces the stream for one accepted item. Runs on its
	// own goroutine. Nil selects DefaultGenerate.
	Generate func(p wire.GenerateParams, e *Emitter)
	// LoadModel overrides the default load_model result.
	LoadModel func(p wire.LoadModelParams) (*wire.LoadModelResult, *wire.ResponseError)
}

// DefaultGenerate is the stock generation script.
func DefaultGenerate(p wire.GenerateParams, e *Emitter) {
	e.Token("A")
	e.Token("B")
	e.Stats(wire.Stats{
		StreamID:         p.StreamID,
		TokensGenerated:  2,
		TokensPerSecond:  4.0,
		TimeToFirstToken: 0.1,
		TotalTime:        0.5,
	})
	e.Completed()
}

// StubLauncher is an in-memory Launcher speaking the wire protocol,
// used by tests in place of real runtime processes.
type StubLauncher struct {
	Script Script

	mu        sync.Mutex
	processes []*StubProcess
	nextPID   int
	// FailLaunches makes the next N launches fail.
	FailLaunches int
}

// Launch creates an in-memory worker process.
func (l *StubLauncher) Launch(_ context.Context, workerID string) (Process, error) {
	l.mu.Lock()
	if l.FailLaunches > 0 {
		l.FailLaunches--
		l.mu.Unlock()
		return nil, errLaunchRefused
	}
	l.nextPID++
	pid := 10000 + l.nextPID
	l.mu.Unlock()

	gatewaySide, workerSide := net.Pipe()
	p := &StubProcess{
		workerID: workerID,
		pid:      pid,
		conn:     gatewaySide,
		done:     make(chan struct{}),
	}
	p.server = &stubServer{
		script:    l.Script,
		conn:      workerSide,
		dec:       wire.NewDecoder(0, nil),
		cancelled: make(map[string]chan struct{}),
	}
	go func() {
		p.server.serve()
		p.close()
	}()

	l.mu.Lock()
	l.processes = append(l.processes, p)
	l.mu.Unlock()
	return p, nil
}

// Processes returns every process launched so far, live or dead.
func (l *StubLauncher) Processes() []*StubProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*StubProcess(nil), l.processes...)
}

var errLaunchRefused = gwerr.New(gwerr.WorkerUnavailable, "stub launch refused")

// StubProcess is one in-memory worker.
type StubProcess struct {
	workerID string
	pid      int
	conn     net.Conn
	server   *stubServer

	done      chan struct{}
	closeOnce sync.Once
}

func (p *StubProcess) Conn() io.ReadWriteCloser { return p.conn }

func (p *StubProcess) PID() int { return p.pid }

func (p *StubProcess) Wait() error {
	<-p.done
	return nil
}

// Kill simulates a worker crash: both pipe ends drop.
func (p *StubProcess) Kill() error {
	p.close()
	return nil
}

// WorkerID returns the id the supervisor assigned at launch.
func (p *StubProcess) WorkerID() string { return p.workerID }

func (p *StubProcess) close() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
		_ = p.server.conn.Close()
		close(p.done)
	})
}

// stubServer serves the framed protocol on the worker side of the pipe.
type stubServer struct {
	script Script
	conn   net.Conn
	dec    *wire.Decoder

	writeMu sync.Mutex

	mu        sync.Mutex
	cancelled map[string]chan struct{}

	active atomic.Int32
	total  atomic.Uint64
}

func (s *stubServer) serve() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			msgs, derr := s.dec.Write(buf[:n])
			for _, msg := range msgs {
				if msg.Type == wire.TypeRequest {
					s.handle(msg.Payload)
				}
			}
			if derr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *stubServer) handle(payload json.RawMessage) {
	var req wire.Request
	if json.Unmarshal(payload, &req) != nil {
		return
	}

	switch req.Method {
	case wire.MethodRuntimeInfo:
		caps := s.script.Capabilities
		if caps == nil {
			caps = []string{"text"}
		}
		s.respond(req.ID, wire.RuntimeInfoResult{Capabilities: caps}, nil)

	case wire.MethodWorkerMetrics:
		s.respond(req.ID, wire.WorkerMetrics{
			ActiveRequests: int(s.active.Load()),
			TotalRequests:  s.total.Load(),
		}, nil)

	case wire.MethodLoadModel:
		var p wire.LoadModelParams
		if json.Unmarshal(req.Params, &p) != nil {
			s.respond(req.ID, nil, &wire.ResponseError{Code: "InvalidArgument", Message: "bad load_model params"})
			return
		}
		if s.script.LoadModel != nil {
			result, rerr := s.script.LoadModel(p)
			s.respond(req.ID, result, rerr)
			return
		}
		s.respond(req.ID, wire.LoadModelResult{
			ModelID:       p.ModelID,
			State:         "loaded",
			ContextLength: 4096,
		}, nil)

	case wire.MethodUnloadModel:
		s.respond(req.ID, wire.AckResult{OK: true}, nil)

	case wire.MethodGenerate:
		var p wire.GenerateParams
		if json.Unmarshal(req.Params, &p) != nil {
			s.respond(req.ID, nil, &wire.ResponseError{Code: "InvalidArgument", Message: "bad generate params"})
			return
		}
		if s.script.Validate != nil {
			if rerr := s.script.Validate(p); rerr != nil {
				s.respond(req.ID, nil, rerr)
				return
			}
		}
		s.respond(req.ID, wire.AcceptedResult{Accepted: true}, nil)
		s.startGenerate(p)

	case wire.MethodBatchGenerate:
		var p wire.BatchGenerateParams
		if json.Unmarshal(req.Params, &p) != nil {
			s.respond(req.ID, nil, &wire.ResponseError{Code: "InvalidArgument", Message: "bad batch params"})
			return
		}
		accepted := 0
		for _, item := range p.Requests {
			if s.script.Validate != nil {
				if rerr := s.script.Validate(item); rerr != nil {
					// Item isolation: the bad item errors on its own
					// stream, the rest of the batch proceeds.
					s.push(wire.TypeError, wire.StreamError{
						StreamID: item.StreamID,
						Message:  rerr.Message,
					})
					continue
				}
			}
			accepted++
			s.startGenerate(item)
		}
		s.respond(req.ID, wire.BatchAcceptedResult{Accepted: accepted}, nil)

	case wire.MethodCancel:
		var p wire.CancelParams
		if json.Unmarshal(req.Params, &p) != nil {
			s.respond(req.ID, nil, &wire.ResponseError{Code: "InvalidArgument", Message: "bad cancel params"})
			return
		}
		s.mu.Lock()
		ch, ok := s.cancelled[p.StreamID]
		if !ok {
			ch = make(chan struct{})
			s.cancelled[p.StreamID] = ch
		}
		select {
		case <-ch:
		default:
			close(ch)
		}
		s.mu.Unlock()
		if req.ID != 0 {
			s.respond(req.ID, wire.AckResult{OK: true}, nil)
		}
	}
}

func (s *stubServer) startGenerate(p wire.GenerateParams) {
	s.mu.Lock()
	if _, ok := s.cancelled[p.StreamID]; !ok {
		s.cancelled[p.StreamID] = make(chan struct{})
	}
	s.mu.Unlock()

	s.active.Add(1)
	s.total.Add(1)
	gen := s.script.Generate
	if gen == nil {
		gen = DefaultGenerate
	}
	go func() {
		defer s.active.Add(-1)
		gen(p, &Emitter{streamID: p.StreamID, server: s})
	}()
}

func (s *stubServer) respond(id uint64, result any, rerr *wire.ResponseError) {
	frame, err := wire.EncodeResponse(id, result, rerr)
	if err != nil {
		return
	}
	s.write(frame)
}

func (s *stubServer) push(t wire.MessageType, payload any) {
	frame, err := wire.EncodeEnvelope(t, payload)
	if err != nil {
		return
	}
	s.write(frame)
}

func (s *stubServer) write(frame []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.conn.Write(frame)
}

func (s *stubServer) cancelChan(streamID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.cancelled[streamID]
	if !ok {
		ch = make(chan struct{})
		s.cancelled[streamID] = ch
	}
	return ch
}

// Emitter lets a Script produce the stream for one generate item.
// Emissions after the stream was cancelled are suppressed, matching a
// cooperative runtime.
type Emitter struct {
	streamID string
	server   *stubServer
}

// Cancelled reports whether the gateway cancelled this stream.
func (e *Emitter) Cancelled() bool {
	select {
	case <-e.server.cancelChan(e.streamID):
		return true
	default:
		return false
	}
}

// CancelChan exposes the cancellation signal for scripts that pause.
func (e *Emitter) CancelChan() <-chan struct{} {
	return e.server.cancelChan(e.streamID)
}

// Token emits one token chunk.
func (e *Emitter) Token(token string) {
	if e.Cancelled() {
		return
	}
	e.server.push(wire.TypeToken, wire.Chunk{StreamID: e.streamID, Token: token})
}

// TokenBurst emits one chunk carrying several tokens.
func (e *Emitter) TokenBurst(tokens ...string) {
	if e.Cancelled() {
		return
	}
	burst := make([]wire.BatchToken, len(tokens))
	for i, tok := range tokens {
		burst[i] = wire.BatchToken{Token: tok}
	}
	e.server.push(wire.TypeToken, wire.Chunk{StreamID: e.streamID, Tokens: burst})
}

// Stats emits a stats frame.
func (e *Emitter) Stats(st wire.Stats) {
	if e.Cancelled() {
		return
	}
	st.StreamID = e.streamID
	e.server.push(wire.TypeStats, st)
}

// Completed emits the completion event.
func (e *Emitter) Completed() {
	if e.Cancelled() {
		return
	}
	e.server.push(wire.TypeEvent, wire.Event{StreamID: e.streamID, Event: wire.EventCompleted})
}

// Error emits a stream error.
func (e *Emitter) Error(message string) {
	if e.Cancelled() {
		return
	}
	e.server.push(wire.TypeError, wire.StreamError{StreamID: e.streamID, Message: message})
}
