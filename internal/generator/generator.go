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

// Package generator turns one registered stream into a pull-based
// iterator. Each generator owns a pooled bounded queue; the registry
// produces into it, the single consumer drains it. The queue returns to
// the pool exactly once over every terminal path.
package generator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/internal/pool"
	"go.corp.nvidia.com/halo/internal/stream"
	"go.corp.nvidia.com/halo/internal/wire"
)

// Structured asks the runtime to constrain output to a format.
type Structured struct {
	// Format is "json_schema", "json", or "xml".
	Format string
	Schema json.RawMessage
}

// Params describe one generation. Exactly one of Prompt, PromptTokens,
// or Template supplies the prompt.
type Params struct {
	ModelID      string
	Prompt       string
	PromptTokens []int
	Template     *Template
	Structured   *Structured

	MaxTokens         int
	Temperature       *float64
	TopP              *float64
	PresencePenalty   *float64
	FrequencyPenalty  *float64
	RepetitionPenalty *float64
	StopSequences     []string
	StopTokenIDs      []int
	Seed              *int64
	DraftModel        string
}

// Options shape the stream around one generation.
type Options struct {
	// StreamID is minted when empty.
	StreamID string
	TenantID string
	WorkerID string
	Timeout  time.Duration
	// Priority is the scheduler tier, 0 (critical) through 4.
	Priority int
	Urgent   bool
	// Abort tells the worker side to stop producing; fired on cancel and
	// timeout.
	Abort func(streamID string)
}

// Dispatch submits an accepted-or-error generate request, typically
// through the scheduler and batcher.
type Dispatch func(ctx context.Context, params wire.GenerateParams, opts Options) error

// Telemetry hooks observe generation progress. A panicking hook is
// logged and does not disturb the stream.
type Telemetry struct {
	OnToken     func(streamID string, c wire.Chunk)
	OnCompleted func(streamID string, info stream.Info)
}

// Config parameterizes the Factory.
type Config struct {
	Registry *stream.Registry
	Dispatch Dispatch
	// QueueCapacity bounds each generator queue.
	QueueCapacity int
	// PoolSize bounds concurrent generators.
	PoolSize          int
	TemplateCacheSize int
	TemplateCacheTTL  time.Duration
	Telemetry         Telemetry
	Logger            *slog.Logger
}

// Factory creates generators.
type Factory struct {
	config Config
	logger *slog.Logger

	queues    *pool.Pool[*ChunkQueue]
	templates *expirable.LRU[string, []segment]
}

// NewFactory creates a Factory with a pre-sized queue pool.
func NewFactory(config Config) *Factory {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultQueueCapacity
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 128
	}
	if config.TemplateCacheSize <= 0 {
		config.TemplateCacheSize = 256
	}
	if config.TemplateCacheTTL <= 0 {
		config.TemplateCacheTTL = 5 * time.Minute
	}
	capacity := config.QueueCapacity
	return &Factory{
		config: config,
		logger: config.Logger,
		queues: pool.New(pool.Config[*ChunkQueue]{
			Size:  config.PoolSize,
			New:   func() *ChunkQueue { return NewChunkQueue(capacity) },
			Reset: func(q *ChunkQueue) { q.Reset() },
		}, config.Logger),
		templates: expirable.NewLRU[string, []segment](config.TemplateCacheSize, nil, config.TemplateCacheTTL),
	}
}

// QueuePoolStats exposes the queue pool for the stats surface.
func (f *Factory) QueuePoolStats() pool.Stats {
	return f.queues.Stats()
}

// CreateGenerator registers a stream, wires it to a pooled queue, and
// dispatches the generate request. On any setup failure the successful
// steps are undone in reverse order and the error is returned.
func (f *Factory) CreateGenerator(ctx context.Context, params Params, opts Options) (*Generator, error) {
	wp, err := f.buildWireParams(params)
	if err != nil {
		return nil, err
	}

	streamID := opts.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}
	wp.StreamID = streamID

	handle, err := f.queues.Acquire()
	if err != nil {
		return nil, err
	}

	g := &Generator{
		streamID: streamID,
		factory:  f,
		registry: f.config.Registry,
		handle:   handle,
		queue:    handle.Value(),
	}
	g.ctx, g.cancelCtx = context.WithCancel(context.Background())

	abort := func() {
		if opts.Abort != nil {
			opts.Abort(streamID)
		}
	}
	err = f.config.Registry.Register(streamID, stream.RegisterOptions{
		ModelID:  params.ModelID,
		TenantID: opts.TenantID,
		WorkerID: opts.WorkerID,
		Timeout:  opts.Timeout,
		Abort:    abort,
	})
	if err != nil {
		g.release()
		return nil, err
	}

	if err := f.config.Registry.Subscribe(streamID, f.subscriber(g)); err != nil {
		f.config.Registry.OnError(streamID, err)
		g.release()
		return nil, err
	}

	if err := f.config.Dispatch(ctx, wp, opts); err != nil {
		// Reverse unwind: terminalize the stream, then give the queue
		// back. The entry is swept by the cleanup scheduler.
		f.config.Registry.OnError(streamID, err)
		g.release()
		return nil, err
	}

	return g, nil
}

// subscriber adapts registry events into queue items for one generator.
// All queue access goes through deliver/finish so nothing can touch the
// queue once it returns to the pool.
func (f *Factory) subscriber(g *Generator) stream.Subscriber {
	return stream.Subscriber{
		Chunk: func(c wire.Chunk) {
			f.fireToken(g.streamID, c)
			g.deliver(Chunk{Kind: KindToken, Token: c})
		},
		Stats: func(s wire.Stats) {
			g.deliver(Chunk{Kind: KindStats, Stats: s})
		},
		Completed: func() {
			f.fireCompleted(g.streamID)
			g.finish()
		},
		// The terminal paths below can run concurrently with a chunk
		// delivery blocked on a full queue. Cancelling the producer
		// context first drains that delivery out of the lock.
		Errored: func(err error) {
			g.cancelCtx()
			g.deliver(Chunk{Kind: KindError, Err: err})
			g.finish()
		},
		TimedOut: func() {
			g.cancelCtx()
			err := gwerr.Errorf(gwerr.Timeout, "stream %s timed out", g.streamID)
			g.deliver(Chunk{Kind: KindError, Err: err})
			g.finish()
		},
		Cancelled: func() {
			g.cancelCtx()
			g.finish()
		},
	}
}

func (f *Factory) fireToken(streamID string, c wire.Chunk) {
	hook := f.config.Telemetry.OnToken
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("token hook panicked",
				slog.String("stream_id", streamID), slog.Any("panic", r))
		}
	}()
	hook(streamID, c)
}

func (f *Factory) fireCompleted(streamID string) {
	hook := f.config.Telemetry.OnCompleted
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("completion hook panicked",
				slog.String("stream_id", streamID), slog.Any("panic", r))
		}
	}()
	info, _ := f.config.Registry.Get(streamID)
	hook(streamID, info)
}

// buildWireParams validates Params and materializes the prompt.
func (f *Factory) buildWireParams(p Params) (wire.GenerateParams, error) {
	var zero wire.GenerateParams
	if p.ModelID == "" {
		return zero, gwerr.New(gwerr.InvalidArgument, "model id is required")
	}

	sources := 0
	if p.Prompt != "" {
		sources++
	}
	if len(p.PromptTokens) > 0 {
		sources++
	}
	if p.Template != nil {
		sources++
	}
	if sources != 1 {
		return zero, gwerr.New(gwerr.InvalidArgument,
			"exactly one of prompt, prompt_tokens, or template is required")
	}

	wp := wire.GenerateParams{
		ModelID:           p.ModelID,
		Prompt:            p.Prompt,
		PromptTokens:      p.PromptTokens,
		Streaming:         true,
		MaxTokens:         p.MaxTokens,
		Temperature:       p.Temperature,
		TopP:              p.TopP,
		PresencePenalty:   p.PresencePenalty,
		FrequencyPenalty:  p.FrequencyPenalty,
		RepetitionPenalty: p.RepetitionPenalty,
		StopSequences:     p.StopSequences,
		StopTokenIDs:      p.StopTokenIDs,
		Seed:              p.Seed,
		DraftModel:        p.DraftModel,
	}

	if p.Template != nil {
		rendered, err := f.renderCached(p.Template)
		if err != nil {
			return zero, err
		}
		wp.Prompt = rendered
	}

	if p.Structured != nil {
		g, err := guidanceFor(p.Structured)
		if err != nil {
			return zero, err
		}
		wp.Guidance = g
	}
	return wp, nil
}

// renderCached renders a template through the parse cache. Variable
// values never enter the cache.
func (f *Factory) renderCached(t *Template) (string, error) {
	segs, ok := f.templates.Get(t.Text)
	if !ok {
		segs = parseTemplate(t.Text)
		f.templates.Add(t.Text, segs)
	}
	return renderTemplate(segs, t.Variables)
}

func guidanceFor(s *Structured) (*wire.Guidance, error) {
	switch s.Format {
	case "json_schema", "json":
		return &wire.Guidance{Mode: "json_schema", Schema: s.Schema}, nil
	case "xml":
		return &wire.Guidance{Mode: "xml", Schema: s.Schema}, nil
	default:
		return nil, gwerr.Errorf(gwerr.InvalidArgument, "unsupported structured format %q", s.Format)
	}
}

// Generator is the single-consumer iterator over one stream.
type Generator struct {
	streamID string
	factory  *Factory
	registry *stream.Registry
	handle   *pool.Handle[*ChunkQueue]
	queue    *ChunkQueue

	ctx       context.Context
	cancelCtx context.CancelFunc
	release1  sync.Once

	// mu serializes queue delivery against release, so a dispatch that
	// was in flight when the stream went terminal cannot push into the
	// queue after it has been recycled to another stream.
	mu       sync.Mutex
	released bool
}

// deliver pushes one chunk unless the queue has been released.
func (g *Generator) deliver(c Chunk) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	_ = g.queue.Push(g.ctx, c)
}

// finish closes the queue unless it has been released.
func (g *Generator) finish() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.queue.Close()
}

// StreamID returns the stream this generator consumes.
func (g *Generator) StreamID() string { return g.streamID }

// Recv returns the next chunk. Completion reports io.EOF; a stream error
// or timeout is returned as that error. Both release the queue.
func (g *Generator) Recv(ctx context.Context) (Chunk, error) {
	c, err := g.queue.Pop(ctx)
	if err != nil {
		if err == io.EOF {
			g.release()
		}
		return Chunk{}, err
	}
	if c.Kind == KindError {
		g.release()
		return Chunk{}, c.Err
	}
	return c, nil
}

// Close cancels the stream and releases the queue. Safe to call any
// number of times, on any terminal path.
func (g *Generator) Close() error {
	g.registry.Cancel(g.streamID)
	g.release()
	return nil
}

// release gives the queue back to the pool exactly once and unblocks any
// producer stuck on a full queue. The context is cancelled before taking
// mu so a producer blocked inside deliver drains out instead of
// deadlocking against the released flag.
func (g *Generator) release() {
	g.release1.Do(func() {
		g.cancelCtx()
		g.mu.Lock()
		g.released = true
		g.mu.Unlock()
		g.queue.Close()
		g.handle.Release()
	})
}
