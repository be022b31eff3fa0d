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

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.corp.nvidia.com/halo/internal/admission"
	"go.corp.nvidia.com/halo/internal/batch"
	"go.corp.nvidia.com/halo/internal/generator"
	"go.corp.nvidia.com/halo/internal/gwerr"
	"go.corp.nvidia.com/halo/internal/route"
	"go.corp.nvidia.com/halo/internal/sched"
	"go.corp.nvidia.com/halo/internal/wire"
	"go.corp.nvidia.com/halo/internal/worker"
)

func newTestEngine(t *testing.T, launcher *worker.StubLauncher, workers int, mutate func(*Config)) *Engine {
	t.Helper()

	cfg := Config{
		Workers:  workers,
		Launcher: launcher,
		Supervision: worker.Config{
			HandshakeTimeout:   time.Second,
			HeartbeatInterval:  50 * time.Millisecond,
			RestartBackoffBase: 10 * time.Millisecond,
			RestartBackoffMax:  50 * time.Millisecond,
			ShutdownGrace:      time.Second,
		},
		Routing:          route.Config{StickyEnabled: true, SmartRouting: true},
		Scheduling:       sched.Config{MaxConcurrent: 32},
		Batching:         batch.Config{MaxBatchSize: 4, MaxWait: 5 * time.Millisecond, AcceptTimeout: 2 * time.Second},
		SweepInterval:    10 * time.Millisecond,
		MaxStaleLifetime: 20 * time.Millisecond,
		SampleInterval:   50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	e := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = e.Dispose(ctx)
	})
	return e
}

func mustLoad(t *testing.T, e *Engine, modelID string) ModelDescriptor {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	desc, err := e.LoadModel(ctx, modelID, nil)
	if err != nil {
		t.Fatalf("LoadModel(%s): %v", modelID, err)
	}
	return desc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineSingleGeneration(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &worker.StubLauncher{}, 1, nil)

	desc := mustLoad(t, e, "llama")
	if desc.State != "loaded" || desc.ContextLength != 4096 {
		t.Fatalf("descriptor = %+v", desc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := e.Generate(ctx, generator.Params{ModelID: "llama", Prompt: "hi"},
		generator.Options{TenantID: "acme"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "AB" || res.Tokens != 2 {
		t.Errorf("result = %q (%d tokens), want AB (2)", res.Text, res.Tokens)
	}
	if res.Stats.TokensGenerated != 2 {
		t.Errorf("final stats = %+v", res.Stats)
	}

	st := e.GetStats()
	if st.Streams.Completed != 1 {
		t.Errorf("completed streams = %d, want 1", st.Streams.Completed)
	}
	if st.Workers != 1 {
		t.Errorf("workers = %d, want 1", st.Workers)
	}
	if st.Batcher.Items != 1 {
		t.Errorf("batched items = %d, want 1", st.Batcher.Items)
	}
}

func TestEngineRequiresLoadedModel(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &worker.StubLauncher{}, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := e.CreateGenerator(ctx, generator.Params{ModelID: "ghost", Prompt: "hi"}, generator.Options{})
	if gwerr.CodeOf(err) != gwerr.NotFound {
		t.Fatalf("CreateGenerator for unloaded model = %v, want NotFound", err)
	}
}

func TestEngineCancellationMidStream(t *testing.T) {
	t.Parallel()

	cancelSeen := make(chan struct{})
	var once sync.Once
	script := worker.Script{
		Generate: func(p wire.GenerateParams, em *worker.Emitter) {
			if p.Prompt != "hang" {
				worker.DefaultGenerate(p, em)
				return
			}
			em.Token("x")
			select {
			case <-em.CancelChan():
				once.Do(func() { close(cancelSeen) })
			case <-time.After(2 * time.Second):
			}
		},
	}
	e := newTestEngine(t, &worker.StubLauncher{Script: script}, 1, nil)
	mustLoad(t, e, "llama")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	g, err := e.CreateGenerator(ctx, generator.Params{ModelID: "llama", Prompt: "hang"}, generator.Options{})
	if err != nil {
		t.Fatalf("CreateGenerator: %v", err)
	}

	c, err := g.Recv(ctx)
	if err != nil || c.Token.Token != "x" {
		t.Fatalf("Recv = %+v, %v", c, err)
	}

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The worker must observe the cancel so it stops producing.
	waitFor(t, "worker observed cancel", func() bool {
		select {
		case <-cancelSeen:
			return true
		default:
			return false
		}
	})
	waitFor(t, "stream counted cancelled", func() bool {
		return e.GetStats().Streams.Cancelled == 1
	})
}

func TestEngineStreamTimeout(t *testing.T) {
	t.Parallel()

	cancelSeen := make(chan struct{})
	var once sync.Once
	script := worker.Script{
		Generate: func(p wire.GenerateParams, em *worker.Emitter) {
			// Never emits; the gateway-side timeout must fire.
			select {
			case <-em.CancelChan():
				once.Do(func() { close(cancelSeen) })
			case <-time.After(2 * time.Second):
			}
		},
	}
	e := newTestEngine(t, &worker.StubLauncher{Script: script}, 1, nil)
	mustLoad(t, e, "llama")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	g, err := e.CreateGenerator(ctx, generator.Params{ModelID: "llama", Prompt: "hi"},
		generator.Options{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("CreateGenerator: %v", err)
	}

	_, err = g.Recv(ctx)
	if gwerr.CodeOf(err) != gwerr.Timeout {
		t.Fatalf("Recv after timeout = %v, want Timeout", err)
	}
	waitFor(t, "worker observed abort", func() bool {
		select {
		case <-cancelSeen:
			return true
		default:
			return false
		}
	})
}

func TestEngineBatchesConcurrentRequests(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &worker.StubLauncher{}, 1, func(cfg *Config) {
		cfg.Batching = batch.Config{
			MaxBatchSize:  3,
			MaxWait:       100 * time.Millisecond,
			AcceptTimeout: 2 * time.Second,
		}
	})
	mustLoad(t, e, "llama")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]*Result, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Generate(ctx,
				generator.Params{ModelID: "llama", Prompt: "hi"}, generator.Options{})
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("Generate %d: %v", i, errs[i])
		}
		if results[i].Text != "AB" {
			t.Errorf("result %d = %q, want AB", i, results[i].Text)
		}
	}

	st := e.GetStats()
	if st.Batcher.Items != 3 {
		t.Errorf("batched items = %d, want 3", st.Batcher.Items)
	}
	if st.Batcher.Flushes != 1 {
		t.Errorf("flushes = %d, want 1 coalesced batch", st.Batcher.Flushes)
	}
}

func TestEngineBatchItemIsolation(t *testing.T) {
	t.Parallel()

	script := worker.Script{
		Validate: func(p wire.GenerateParams) *wire.ResponseError {
			if p.Prompt == "bad" {
				return &wire.ResponseError{Code: "InvalidArgument", Message: "unsupported prompt"}
			}
			return nil
		},
	}
	e := newTestEngine(t, &worker.StubLauncher{Script: script}, 1, func(cfg *Config) {
		cfg.Batching = batch.Config{
			MaxBatchSize:  3,
			MaxWait:       100 * time.Millisecond,
			AcceptTimeout: 2 * time.Second,
		}
	})
	mustLoad(t, e, "llama")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	prompts := []string{"good-1", "bad", "good-2"}
	var wg sync.WaitGroup
	results := make([]*Result, len(prompts))
	errs := make([]error, len(prompts))
	for i, prompt := range prompts {
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			results[i], errs[i] = e.Generate(ctx,
				generator.Params{ModelID: "llama", Prompt: prompt}, generator.Options{})
		}(i, prompt)
	}
	wg.Wait()

	if errs[1] == nil {
		t.Error("rejected item succeeded")
	}
	for _, i := range []int{0, 2} {
		if errs[i] != nil {
			t.Errorf("healthy item %d failed: %v", i, errs[i])
		} else if results[i].Text != "AB" {
			t.Errorf("healthy item %d = %q, want AB", i, results[i].Text)
		}
	}
}

func TestEngineWorkerCrashFailsStreamAndRecovers(t *testing.T) {
	t.Parallel()

	script := worker.Script{
		Generate: func(p wire.GenerateParams, em *worker.Emitter) {
			if p.Prompt != "hang" {
				worker.DefaultGenerate(p, em)
				return
			}
			em.Token("x")
			select {
			case <-em.CancelChan():
			case <-time.After(2 * time.Second):
			}
		},
	}
	launcher := &worker.StubLauncher{Script: script}
	e := newTestEngine(t, launcher, 1, nil)
	mustLoad(t, e, "llama")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, err := e.CreateGenerator(ctx, generator.Params{ModelID: "llama", Prompt: "hang"}, generator.Options{})
	if err != nil {
		t.Fatalf("CreateGenerator: %v", err)
	}
	if c, err := g.Recv(ctx); err != nil || c.Token.Token != "x" {
		t.Fatalf("Recv = %+v, %v", c, err)
	}

	// Crash the owning worker mid-stream.
	_ = launcher.Processes()[0].Kill()

	_, err = g.Recv(ctx)
	if gwerr.CodeOf(err) != gwerr.WorkerFailed {
		t.Fatalf("Recv after crash = %v, want WorkerFailed", err)
	}

	// The supervisor respawns the slot and the engine replays the loaded
	// model; new requests must succeed again.
	waitFor(t, "replacement worker serves", func() bool {
		probeCtx, probeCancel := context.WithTimeout(context.Background(), time.Second)
		defer probeCancel()
		res, err := e.Generate(probeCtx,
			generator.Params{ModelID: "llama", Prompt: "hi"}, generator.Options{})
		return err == nil && res.Text == "AB"
	})
}

func TestEngineTenantBudgetRejects(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &worker.StubLauncher{}, 1, func(cfg *Config) {
		cfg.Admission = admission.Config{
			Budgets: map[string]admission.Budget{
				"small": {HardLimit: 2, DecayWindow: time.Hour},
			},
		}
	})
	mustLoad(t, e, "llama")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		if _, err := e.Generate(ctx, generator.Params{ModelID: "llama", Prompt: "hi"},
			generator.Options{TenantID: "small"}); err != nil {
			t.Fatalf("Generate %d within budget: %v", i, err)
		}
	}
	_, err := e.Generate(ctx, generator.Params{ModelID: "llama", Prompt: "hi"},
		generator.Options{TenantID: "small"})
	if gwerr.CodeOf(err) != gwerr.ResourceExhausted {
		t.Fatalf("over-budget generate = %v, want ResourceExhausted", err)
	}

	// Other tenants are unaffected.
	if _, err := e.Generate(ctx, generator.Params{ModelID: "llama", Prompt: "hi"},
		generator.Options{TenantID: "big"}); err != nil {
		t.Fatalf("unbudgeted tenant: %v", err)
	}
}

func TestEngineUnloadModel(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &worker.StubLauncher{}, 1, nil)
	mustLoad(t, e, "llama")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.UnloadModel(ctx, "llama"); err != nil {
		t.Fatalf("UnloadModel: %v", err)
	}

	_, err := e.CreateGenerator(ctx, generator.Params{ModelID: "llama", Prompt: "hi"}, generator.Options{})
	if gwerr.CodeOf(err) != gwerr.NotFound {
		t.Fatalf("generate after unload = %v, want NotFound", err)
	}
	if err := e.UnloadModel(ctx, "llama"); gwerr.CodeOf(err) != gwerr.NotFound {
		t.Fatalf("double unload = %v, want NotFound", err)
	}
}

func TestEngineDispose(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &worker.StubLauncher{}, 1, nil)
	mustLoad(t, e, "llama")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.Dispose(ctx); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	_, err := e.CreateGenerator(ctx, generator.Params{ModelID: "llama", Prompt: "hi"}, generator.Options{})
	if gwerr.CodeOf(err) != gwerr.PreconditionFailed {
		t.Fatalf("generate after dispose = %v, want PreconditionFailed", err)
	}
	if _, err := e.LoadModel(ctx, "other", nil); gwerr.CodeOf(err) != gwerr.PreconditionFailed {
		t.Fatalf("load after dispose = %v, want PreconditionFailed", err)
	}

	// Second dispose is a no-op.
	if err := e.Dispose(ctx); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
}
