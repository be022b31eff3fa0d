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

// Package engine is the public facade of the inference gateway. It
// composes the worker supervisor, stream registry, router, scheduler,
// batcher, admission governor, and generator factory behind a narrow
// surface: LoadModel, CreateGenerator, Generate, GetStats, Dispose.
package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.corp.nvidia.com/halo/internal/admission"
	"go.corp.nvidia.com/halo/internal/batch"
	"go.corp.nvidia.com/halo/internal/cleanup"
	"go.corp.nvidia.com/halo/internal/generator"
	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/internal/pool"
	"go.corp.nvidia.com/halo/internal/route"
	"go.corp.nvidia.com/halo/internal/sched"
	"go.corp.nvidia.com/halo/internal/stream"
	"go.corp.nvidia.com/halo/internal/wire"
	"go.corp.nvidia.com/halo/internal/worker"
	"go.corp.nvidia.com/halo/utils/metrics"
)

// Config parameterizes the Engine. The zero value of each nested config
// selects that subsystem's defaults; fields the engine owns (transports,
// handlers, dispatch hooks) are overwritten during New.
type Config struct {
	// Workers is the worker fleet size.
	Workers  int
	Launcher worker.Launcher
	// Catalog supplies per-model load options. Optional.
	Catalog *Catalog

	Supervision worker.Config
	Routing     route.Config
	Scheduling  sched.Config
	Batching    batch.Config
	Admission   admission.Config
	Generators  generator.Config

	// SweepInterval and MaxStaleLifetime drive the cleanup scheduler.
	SweepInterval    time.Duration
	MaxStaleLifetime time.Duration
	// SampleInterval is the period of the admission TTFT sampler.
	SampleInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) fillDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.MaxStaleLifetime <= 0 {
		c.MaxStaleLifetime = 30 * time.Second
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
}

// ModelDescriptor reports a loaded model.
type ModelDescriptor struct {
	ModelID       string `json:"model_id"`
	State         string `json:"state"`
	ContextLength int    `json:"context_length"`
	VocabSize     int    `json:"vocab_size"`
	Revision      string `json:"revision,omitempty"`
	Quantization  string `json:"quantization,omitempty"`
	Dtype         string `json:"dtype,omitempty"`
}

// Result is a completed non-streaming generation.
type Result struct {
	StreamID string
	Text     string
	Tokens   int
	Stats    wire.Stats
}

// Stats aggregates subsystem snapshots for the stats surface.
type Stats struct {
	Streams   stream.Metrics
	Scheduler sched.Stats
	Router    route.Stats
	Admission admission.Stats
	Batcher   batch.Stats
	QueuePool pool.Stats
	Cleanup   cleanup.Stats
	Workers   int
}

type loadedModel struct {
	options map[string]any
	desc    ModelDescriptor
}

// dispatchJob carries one generate request through the scheduler to the
// batcher. result is buffered so the pump never blocks on an abandoned
// waiter.
type dispatchJob struct {
	params wire.GenerateParams
	urgent bool
	result chan error
}

// Engine is the gateway core.
type Engine struct {
	config Config
	logger *slog.Logger

	cleaner    *cleanup.Scheduler
	registry   *stream.Registry
	supervisor *worker.Supervisor
	router     *route.Router
	scheduler  *sched.Scheduler
	governor   *admission.Governor
	batcher    *batch.Batcher
	factory    *generator.Factory
	mc         *metrics.MetricCreator

	mu       sync.Mutex
	models   map[string]loadedModel
	disposed bool

	cancel context.CancelFunc
}

// New composes the engine. Start launches the fleet and background
// loops.
func New(config Config) *Engine {
	config.fillDefaults()
	logger := config.Logger

	e := &Engine{
		config: config,
		logger: logger,
		models: make(map[string]loadedModel),
		mc:     metrics.GetMetricCreator(),
	}

	e.cleaner = cleanup.NewScheduler(cleanup.Config{
		SweepInterval:    config.SweepInterval,
		MaxStaleLifetime: config.MaxStaleLifetime,
	}, logger)
	e.registry = stream.NewRegistry(e.cleaner, logger)
	e.registry.OnTerminal(e.onStreamTerminal)

	schedCfg := config.Scheduling
	if schedCfg.Logger == nil {
		schedCfg.Logger = logger
	}
	e.scheduler = sched.New(schedCfg)

	routeCfg := config.Routing
	if routeCfg.Logger == nil {
		routeCfg.Logger = logger
	}
	e.router = route.New(routeCfg)

	admCfg := config.Admission
	if admCfg.Logger == nil {
		admCfg.Logger = logger
	}
	userOnLimit := admCfg.OnLimitChange
	admCfg.OnLimitChange = func(limit int) {
		e.scheduler.SetConcurrencyLimit(limit)
		e.logger.Info("concurrency limit adjusted", slog.Int("limit", limit))
		if userOnLimit != nil {
			userOnLimit(limit)
		}
	}
	e.governor = admission.New(admCfg)
	if config.Scheduling.MaxConcurrent <= 0 {
		// Unset limit follows the governor's base limit until the first
		// TTFT sample adjusts it.
		e.scheduler.SetConcurrencyLimit(e.governor.CurrentLimit())
	}

	batchCfg := config.Batching
	batchCfg.Sender = (*batchSender)(e)
	if batchCfg.Logger == nil {
		batchCfg.Logger = logger
	}
	e.batcher = batch.New(batchCfg)

	genCfg := config.Generators
	genCfg.Registry = e.registry
	genCfg.Dispatch = e.dispatch
	genCfg.Telemetry = e.wrapTelemetry(genCfg.Telemetry)
	if genCfg.Logger == nil {
		genCfg.Logger = logger
	}
	e.factory = generator.NewFactory(genCfg)

	supCfg := config.Supervision
	supCfg.Workers = config.Workers
	supCfg.Launcher = config.Launcher
	supCfg.Handler = e.registry
	if supCfg.Logger == nil {
		supCfg.Logger = logger
	}
	e.supervisor = worker.New(supCfg, worker.Events{
		WorkerReady:  e.onWorkerReady,
		WorkerFailed: e.onWorkerFailed,
	})
	return e
}

// Start launches the worker fleet and background loops and blocks until
// at least one worker completed its handshake.
func (e *Engine) Start(ctx context.Context) error {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	e.cleaner.Start(bg)
	e.scheduler.Start(bg)
	e.supervisor.Start(bg)
	go e.dispatchPump(bg)
	go e.sampleLoop(bg)

	return e.supervisor.AwaitReady(ctx)
}

// LoadModel loads a model on every live worker. Explicit options win
// over the catalog entry. Returns the descriptor reported by a worker.
func (e *Engine) LoadModel(ctx context.Context, modelID string, options map[string]any) (ModelDescriptor, error) {
	var zero ModelDescriptor
	if modelID == "" {
		return zero, gwerr.New(gwerr.InvalidArgument, "model id is required")
	}
	if e.isDisposed() {
		return zero, gwerr.New(gwerr.PreconditionFailed, "engine is disposed")
	}

	if options == nil {
		if spec, ok := e.config.Catalog.Lookup(modelID); ok {
			options = spec.Options
		}
	}

	workers := e.supervisor.Workers()
	if len(workers) == 0 {
		return zero, gwerr.New(gwerr.WorkerUnavailable, "no worker can currently serve")
	}

	var mu sync.Mutex
	var desc ModelDescriptor
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			var res wire.LoadModelResult
			err := w.Client().Call(gctx, wire.MethodLoadModel, wire.LoadModelParams{
				ModelID: modelID,
				Options: options,
			}, &res)
			if err != nil {
				return err
			}
			w.AddSkill(modelID)
			mu.Lock()
			desc = descriptorFrom(res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return zero, err
	}

	e.mu.Lock()
	e.models[modelID] = loadedModel{options: options, desc: desc}
	e.mu.Unlock()
	e.logger.Info("model loaded", slog.String("model_id", modelID),
		slog.Int("workers", len(workers)))
	return desc, nil
}

// UnloadModel unloads a model from every worker advertising it.
func (e *Engine) UnloadModel(ctx context.Context, modelID string) error {
	e.mu.Lock()
	_, known := e.models[modelID]
	delete(e.models, modelID)
	e.mu.Unlock()
	if !known {
		return gwerr.Errorf(gwerr.NotFound, "model %s is not loaded", modelID)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range e.supervisor.Workers() {
		g.Go(func() error {
			var res wire.AckResult
			err := w.Client().Call(gctx, wire.MethodUnloadModel, wire.UnloadModelParams{ModelID: modelID}, &res)
			if err != nil {
				return err
			}
			w.RemoveSkill(modelID)
			return nil
		})
	}
	return g.Wait()
}

// CreateGenerator admits, registers, and dispatches one generation and
// returns its streaming iterator.
func (e *Engine) CreateGenerator(ctx context.Context, params generator.Params, opts generator.Options) (*generator.Generator, error) {
	if e.isDisposed() {
		return nil, gwerr.New(gwerr.PreconditionFailed, "engine is disposed")
	}
	e.mu.Lock()
	_, loaded := e.models[params.ModelID]
	e.mu.Unlock()
	if !loaded {
		return nil, gwerr.Errorf(gwerr.NotFound, "model %s is not loaded", params.ModelID)
	}

	switch e.governor.Admit(opts.TenantID, e.registry.Active()) {
	case admission.DecisionReject:
		return nil, gwerr.Errorf(gwerr.ResourceExhausted, "tenant %q exceeded its request budget", opts.TenantID)
	case admission.DecisionSafeMode:
		return nil, gwerr.New(gwerr.ResourceExhausted, "gateway is shedding load")
	}
	// Queue decisions proceed; the scheduler's concurrency limit holds
	// the request until a slot frees.

	userAbort := opts.Abort
	opts.Abort = func(streamID string) {
		e.abortStream(streamID)
		if userAbort != nil {
			userAbort(streamID)
		}
	}
	return e.factory.CreateGenerator(ctx, params, opts)
}

// Generate is the non-streaming convenience: it drains the iterator and
// returns the concatenated text with final stats.
func (e *Engine) Generate(ctx context.Context, params generator.Params, opts generator.Options) (*Result, error) {
	g, err := e.CreateGenerator(ctx, params, opts)
	if err != nil {
		return nil, err
	}
	defer g.Close()

	res := &Result{StreamID: g.StreamID()}
	var text strings.Builder
	for {
		c, err := g.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch c.Kind {
		case generator.KindToken:
			if len(c.Token.Tokens) > 0 {
				for _, bt := range c.Token.Tokens {
					text.WriteString(bt.Token)
				}
				res.Tokens += len(c.Token.Tokens)
			} else {
				text.WriteString(c.Token.Token)
				res.Tokens++
			}
		case generator.KindStats:
			res.Stats = c.Stats
		}
	}
	res.Text = text.String()
	return res, nil
}

// GetStats returns a snapshot across every subsystem.
func (e *Engine) GetStats() Stats {
	return Stats{
		Streams:   e.registry.AggregateMetrics(),
		Scheduler: e.scheduler.Stats(),
		Router:    e.router.Stats(),
		Admission: e.governor.Stats(),
		Batcher:   e.batcher.Stats(),
		QueuePool: e.factory.QueuePoolStats(),
		Cleanup:   e.cleaner.Stats(),
		Workers:   len(e.supervisor.Workers()),
	}
}

// Dispose shuts the engine down: refuse new work, cancel active
// streams, drain the batcher, stop the fleet. Idempotent.
func (e *Engine) Dispose(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.mu.Unlock()

	e.registry.CancelAll()
	e.batcher.Close()
	e.scheduler.Stop()
	err := e.supervisor.Shutdown(ctx)
	if e.cancel != nil {
		e.cancel()
	}
	e.cleaner.Stop()
	return err
}

func (e *Engine) isDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// dispatch queues one generate request into the scheduler and waits for
// worker acceptance.
func (e *Engine) dispatch(ctx context.Context, params wire.GenerateParams, opts generator.Options) error {
	prio := sched.Priority(opts.Priority)
	if !prio.Valid() {
		return gwerr.Errorf(gwerr.InvalidArgument, "priority %d out of range", opts.Priority)
	}

	job := &dispatchJob{params: params, urgent: opts.Urgent, result: make(chan error, 1)}
	req := &sched.Request{
		ID:       params.StreamID,
		Priority: prio,
		TenantID: opts.TenantID,
		Payload:  job,
	}
	if opts.Timeout > 0 {
		req.Deadline = time.Now().Add(opts.Timeout)
	}
	if err := e.scheduler.Enqueue(req); err != nil {
		return err
	}

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		e.scheduler.Remove(params.StreamID)
		return gwerr.Wrap(gwerr.Cancelled, "generate abandoned before dispatch", ctx.Err())
	}
}

// dispatchPump moves scheduled requests into the batcher. The execution
// slot taken by Next is held until the stream's terminal transition.
func (e *Engine) dispatchPump(ctx context.Context) {
	for {
		req, err := e.scheduler.Next(ctx)
		if err != nil {
			return
		}
		job := req.Payload.(*dispatchJob)
		if !e.registry.IsActive(req.ID) {
			// Terminalized while queued; free the slot right away.
			e.scheduler.Release(req.ID)
			job.result <- gwerr.New(gwerr.Cancelled, "stream closed before dispatch")
			continue
		}
		go func() {
			job.result <- e.batcher.Enqueue(ctx, job.params, batch.Options{Urgent: job.urgent})
		}()
	}
}

// onStreamTerminal frees the resources held on behalf of one stream:
// scheduler slot, sticky session, and the worker's active count.
func (e *Engine) onStreamTerminal(info stream.Info) {
	e.scheduler.Release(info.StreamID)
	e.router.RemoveSession(info.StreamID)
	if info.WorkerID != "" {
		if w, ok := e.supervisor.Get(info.WorkerID); ok {
			w.DecActive()
		}
	}
}

// abortStream tells the owning worker to stop producing for a stream.
func (e *Engine) abortStream(streamID string) {
	var workerID string
	if info, ok := e.registry.Get(streamID); ok {
		workerID = info.WorkerID
	}
	if workerID == "" {
		workerID, _ = e.router.StickyWorker(streamID)
	}
	if workerID == "" {
		return
	}
	if w, ok := e.supervisor.Get(workerID); ok {
		_ = w.Client().Notify(wire.MethodCancel, wire.CancelParams{StreamID: streamID})
	}
}

func (e *Engine) onWorkerReady(w *worker.Worker) {
	e.router.RegisterWorker(w)

	e.mu.Lock()
	replay := make(map[string]map[string]any, len(e.models))
	for id, m := range e.models {
		replay[id] = m.options
	}
	e.mu.Unlock()
	if len(replay) > 0 {
		// A respawned worker comes up empty; reload the active set.
		go e.replayModels(w, replay)
	}
}

func (e *Engine) replayModels(w *worker.Worker, models map[string]map[string]any) {
	for id, options := range models {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		var res wire.LoadModelResult
		err := w.Client().Call(ctx, wire.MethodLoadModel, wire.LoadModelParams{
			ModelID: id,
			Options: options,
		}, &res)
		cancel()
		if err != nil {
			e.logger.Warn("model replay failed",
				slog.String("worker_id", w.ID),
				slog.String("model_id", id),
				slog.String("error", err.Error()))
			continue
		}
		w.AddSkill(id)
	}
}

func (e *Engine) onWorkerFailed(workerID string, err error) {
	e.router.MarkWorkerFailed(workerID)
	e.registry.FailWorkerStreams(workerID,
		gwerr.Wrap(gwerr.WorkerFailed, "worker died mid-stream", err))
	e.router.UnregisterWorker(workerID)
}

// sampleLoop feeds the admission governor with the registry's TTFT
// moving average.
func (e *Engine) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m := e.registry.AggregateMetrics()
			if m.TTFTSeconds <= 0 {
				continue
			}
			ttft := time.Duration(m.TTFTSeconds * float64(time.Second))
			e.governor.RecordSample(ttft, m.Active, e.config.SampleInterval)
		case <-ctx.Done():
			return
		}
	}
}

// wrapTelemetry layers OTel recording over the caller's hooks.
func (e *Engine) wrapTelemetry(user generator.Telemetry) generator.Telemetry {
	return generator.Telemetry{
		OnToken: func(streamID string, c wire.Chunk) {
			if e.mc != nil {
				n := int64(1)
				if len(c.Tokens) > 0 {
					n = int64(len(c.Tokens))
				}
				_ = e.mc.RecordCounter(context.Background(), "gateway.tokens.streamed", n,
					"{token}", "tokens streamed to clients", nil)
			}
			if user.OnToken != nil {
				user.OnToken(streamID, c)
			}
		},
		OnCompleted: func(streamID string, info stream.Info) {
			if e.mc != nil && !info.FirstChunkAt.IsZero() {
				_ = e.mc.RecordHistogram(context.Background(), "gateway.ttft.seconds",
					info.FirstChunkAt.Sub(info.CreatedAt).Seconds(),
					"s", "time to first token", map[string]string{"model": info.ModelID})
			}
			if user.OnCompleted != nil {
				user.OnCompleted(streamID, info)
			}
		},
	}
}

func descriptorFrom(res wire.LoadModelResult) ModelDescriptor {
	return ModelDescriptor{
		ModelID:       res.ModelID,
		State:         res.State,
		ContextLength: res.ContextLength,
		VocabSize:     res.VocabSize,
		Revision:      res.Revision,
		Quantization:  res.Quantization,
		Dtype:         res.Dtype,
	}
}

// batchSender is the engine's batch.Sender. Items are grouped by model,
// each group routed to one worker and submitted as a single RPC.
type batchSender Engine

func (s *batchSender) SendBatch(ctx context.Context, items []wire.GenerateParams) error {
	e := (*Engine)(s)

	var order []string
	groups := make(map[string][]wire.GenerateParams)
	for _, it := range items {
		if _, ok := groups[it.ModelID]; !ok {
			order = append(order, it.ModelID)
		}
		groups[it.ModelID] = append(groups[it.ModelID], it)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, model := range order {
		group := groups[model]
		g.Go(func() error { return e.sendGroup(gctx, model, group) })
	}
	return g.Wait()
}

func (e *Engine) sendGroup(ctx context.Context, modelID string, items []wire.GenerateParams) error {
	w, err := e.router.Select(route.Request{ModelID: modelID})
	if err != nil {
		return err
	}
	for _, it := range items {
		e.registry.AssignWorker(it.StreamID, w.ID)
		e.router.PinSession(it.StreamID, w.ID)
		w.IncActive()
	}

	if len(items) == 1 {
		var res wire.AcceptedResult
		if err := w.Client().Call(ctx, wire.MethodGenerate, items[0], &res); err != nil {
			return err
		}
		if !res.Accepted {
			return gwerr.Errorf(gwerr.WorkerFailed, "worker %s refused generate", w.ID)
		}
		return nil
	}

	var res wire.BatchAcceptedResult
	return w.Client().Call(ctx, wire.MethodBatchGenerate, wire.BatchGenerateParams{Requests: items}, &res)
}

// CancelStream terminalizes one stream after its batch already flushed.
// The registry abort tells the worker to stop.
func (s *batchSender) CancelStream(streamID string) {
	(*Engine)(s).registry.Cancel(streamID)
}
