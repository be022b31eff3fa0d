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

// Package worker supervises runtime worker processes: spawn, readiness
// handshake, heartbeat, restart on crash, and graceful shutdown. No
// request is dispatched to a worker before its handshake completes.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/internal/rpc"
	"go.corp.nvidia.com/halo/internal/wire"
	"go.corp.nvidia.com/halo/utils"
)

// Status is a worker lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusFailed   Status = "failed"
)

// Worker is the handle of one supervised process.
type Worker struct {
	ID        string
	PID       int
	StartedAt time.Time

	mu     sync.Mutex
	status Status
	skills []string

	active        atomic.Int32
	total         atomic.Uint64
	lastHeartbeat atomic.Int64 // unix nanos

	client *rpc.Client
}

// Client returns the worker's transport.
func (w *Worker) Client() *rpc.Client { return w.client }

// Status returns the current lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// Skills returns the capabilities advertised at handshake.
func (w *Worker) Skills() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.skills...)
}

// AddSkill records an additional capability, typically a loaded model id.
func (w *Worker) AddSkill(skill string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.skills {
		if s == skill {
			return
		}
	}
	w.skills = append(w.skills, skill)
}

// RemoveSkill forgets a capability, typically an unloaded model id.
func (w *Worker) RemoveSkill(skill string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, s := range w.skills {
		if s == skill {
			w.skills = append(w.skills[:i], w.skills[i+1:]...)
			return
		}
	}
}

// ActiveRequests returns the in-flight request count.
func (w *Worker) ActiveRequests() int {
	return int(w.active.Load())
}

// TotalRequests returns the lifetime request count.
func (w *Worker) TotalRequests() uint64 {
	return w.total.Load()
}

// LastHeartbeatAt returns the time of the last successful heartbeat.
func (w *Worker) LastHeartbeatAt() time.Time {
	n := w.lastHeartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// IncActive records one dispatched request.
func (w *Worker) IncActive() {
	w.active.Add(1)
	w.total.Add(1)
}

// DecActive records one finished request, clamped at zero.
func (w *Worker) DecActive() {
	for {
		cur := w.active.Load()
		if cur <= 0 {
			return
		}
		if w.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Events are the supervisor's notifications to the routing layer.
type Events struct {
	// WorkerReady fires after a successful handshake.
	WorkerReady func(w *Worker)
	// WorkerFailed fires when a worker crashes, loses its pipe, or
	// stops heartbeating. Streams owned by the worker must be failed.
	WorkerFailed func(workerID string, err error)
}

// Config parameterizes the Supervisor.
type Config struct {
	// Workers is the number of worker slots, at least 1.
	Workers  int
	Launcher Launcher
	// Handler receives stream notifications from every worker.
	Handler rpc.StreamHandler

	HandshakeTimeout   time.Duration
	HeartbeatInterval  time.Duration
	RestartBackoffBase time.Duration
	RestartBackoffMax  time.Duration
	ShutdownGrace      time.Duration
	MaxFrameSize       uint32

	Logger *slog.Logger
}

func (c *Config) fillDefaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.RestartBackoffBase <= 0 {
		c.RestartBackoffBase = 500 * time.Millisecond
	}
	if c.RestartBackoffMax <= 0 {
		c.RestartBackoffMax = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Supervisor owns the lifetime of the worker fleet.
type Supervisor struct {
	config Config
	events Events
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*Worker

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Supervisor. Start launches the fleet.
func New(config Config, events Events) *Supervisor {
	config.fillDefaults()
	return &Supervisor{
		config:  config,
		events:  events,
		logger:  config.Logger,
		workers: make(map[string]*Worker),
		stop:    make(chan struct{}),
	}
}

// Start launches one management goroutine per worker slot.
func (s *Supervisor) Start(ctx context.Context) {
	for slot := 0; slot < s.config.Workers; slot++ {
		s.wg.Add(1)
		go s.manageSlot(ctx, slot)
	}
}

// manageSlot runs the spawn/handshake/heartbeat/restart loop for one slot.
func (s *Supervisor) manageSlot(ctx context.Context, slot int) {
	defer s.wg.Done()

	for generation := 0; ; generation++ {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		id := fmt.Sprintf("worker-%d-%d", slot, generation)
		err := s.runWorker(ctx, id)
		if s.stopping(ctx) {
			return
		}
		if err != nil {
			s.logger.Warn("worker exited",
				slog.String("worker_id", id),
				slog.String("error", err.Error()))
		}

		backoff := backoffForRestart(generation, s.config.RestartBackoffBase, s.config.RestartBackoffMax)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

// runWorker drives one worker generation from spawn to exit.
func (s *Supervisor) runWorker(ctx context.Context, id string) error {
	proc, err := s.config.Launcher.Launch(ctx, id)
	if err != nil {
		return err
	}

	w := &Worker{
		ID:        id,
		PID:       proc.PID(),
		StartedAt: time.Now(),
		status:    StatusStarting,
	}
	client := rpc.NewClient(proc.Conn(), s.config.Handler, rpc.Config{
		MaxFrameSize: s.config.MaxFrameSize,
		Logger:       s.logger,
	})
	w.client = client

	pipeClosed := make(chan error, 1)
	client.OnClose(func(err error) { pipeClosed <- err })
	client.Start()

	// Readiness handshake. The worker is invisible to routing until it
	// answers runtime/info.
	hsCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	var info wire.RuntimeInfoResult
	err = client.Call(hsCtx, wire.MethodRuntimeInfo, nil, &info)
	cancel()
	if err != nil {
		s.teardown(proc, client)
		return gwerr.Wrap(gwerr.WorkerUnavailable, "worker handshake failed", err)
	}

	w.mu.Lock()
	w.status = StatusIdle
	w.skills = info.Capabilities
	w.mu.Unlock()
	w.lastHeartbeat.Store(time.Now().UnixNano())

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()
	s.logger.Info("worker ready",
		slog.String("worker_id", id),
		slog.Int("pid", w.PID))
	if s.events.WorkerReady != nil {
		s.events.WorkerReady(w)
	}

	failure := s.superviseUntilExit(ctx, w, pipeClosed)

	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()
	w.setStatus(StatusFailed)

	if s.stopping(ctx) {
		s.gracefulStop(proc, client)
		return nil
	}

	s.teardown(proc, client)
	if s.events.WorkerFailed != nil {
		s.events.WorkerFailed(id, failure)
	}
	return failure
}

// superviseUntilExit heartbeats the worker until it fails or the
// supervisor stops.
func (s *Supervisor) superviseUntilExit(ctx context.Context, w *Worker, pipeClosed <-chan error) error {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case err := <-pipeClosed:
			return gwerr.Wrap(gwerr.WorkerFailed, "worker pipe closed", err)
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, s.config.HeartbeatInterval)
			var metrics wire.WorkerMetrics
			err := w.client.Call(hbCtx, wire.MethodWorkerMetrics, nil, &metrics)
			cancel()
			if err != nil {
				misses++
				s.logger.Warn("worker heartbeat missed",
					slog.String("worker_id", w.ID),
					slog.Int("misses", misses),
					slog.String("error", err.Error()))
				if misses >= 2 {
					return gwerr.Wrap(gwerr.WorkerFailed, "worker stopped heartbeating", err)
				}
				continue
			}
			misses = 0
			w.lastHeartbeat.Store(time.Now().UnixNano())
			w.total.Store(metrics.TotalRequests)
		}
	}
}

// gracefulStop drains, closes the pipe, and escalates to kill after the
// grace period.
func (s *Supervisor) gracefulStop(proc Process, client *rpc.Client) {
	client.Drain()
	client.Close()

	exited := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(s.config.ShutdownGrace):
		_ = proc.Kill()
		<-exited
	}
}

func (s *Supervisor) teardown(proc Process, client *rpc.Client) {
	client.Close()
	_ = proc.Kill()
	_ = proc.Wait()
}

func (s *Supervisor) stopping(ctx context.Context) bool {
	select {
	case <-s.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Shutdown stops the fleet gracefully and waits for the management
// goroutines, bounded by the context.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return gwerr.Wrap(gwerr.Timeout, "worker shutdown timed out", ctx.Err())
	}
}

// Get returns the worker with the given id.
func (s *Supervisor) Get(id string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	return w, ok
}

// Workers returns a snapshot of the live fleet.
func (s *Supervisor) Workers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// AwaitReady blocks until at least one worker has completed handshake.
func (s *Supervisor) AwaitReady(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		n := len(s.workers)
		s.mu.Unlock()
		if n > 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return gwerr.Wrap(gwerr.WorkerUnavailable, "no worker became ready", ctx.Err())
		}
	}
}

// backoffForRestart spaces restart attempts. The first respawn after a
// crash waits around the base delay.
func backoffForRestart(generation int, base, maxBackoff time.Duration) time.Duration {
	return utils.CalculateBackoff(generation+1, base, maxBackoff, true)
}
