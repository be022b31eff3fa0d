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

// Command gateway serves LLM generation over HTTP and WebSocket, fanning
// requests out to a fleet of out-of-process runtime workers.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.corp.nvidia.com/halo/internal/admission"
	"go.corp.nvidia.com/halo/internal/auth"
	"go.corp.nvidia.com/halo/internal/batch"
	"go.corp.nvidia.com/halo/internal/route"
	"go.corp.nvidia.com/halo/internal/sched"
	"go.corp.nvidia.com/halo/internal/worker"
	"go.corp.nvidia.com/halo/pkg/engine"
	"go.corp.nvidia.com/halo/utils"
	"go.corp.nvidia.com/halo/utils/logging"
	"go.corp.nvidia.com/halo/utils/metrics"
	"go.corp.nvidia.com/halo/utils/progress_check"
)

var (
	listenAddr = flag.String("listen", ":8080", "HTTP listen address")

	workers   = flag.Int("workers", 2, "Number of runtime worker processes")
	workerCmd = flag.String("worker-cmd", "", "Worker command line, shell-quoted (required)")

	catalogPath = flag.String("catalog", "", "Path to the model catalog YAML")
	preload     = flag.Bool("preload", false, "Load every catalog model at startup")

	maxQueue      = flag.Int("max-queue", 1024, "Scheduler queue capacity per tier")
	maxConcurrent = flag.Int("max-concurrent", 0, "Initial concurrency limit (0 uses the admission base limit)")

	batchSize     = flag.Int("batch-size", 8, "Maximum generate batch size")
	batchWait     = flag.Duration("batch-wait", 10*time.Millisecond, "How long the first batched request waits for company")
	adaptiveBatch = flag.Bool("adaptive-batch", true, "Adapt batch size to flush latency")

	targetTTFT      = flag.Duration("target-ttft", 200*time.Millisecond, "Time-to-first-token target for the admission controller")
	admissionBypass = flag.Bool("admission-bypass", false, "Disable admission control")

	routeStrategy = flag.String("route-strategy", "least-busy", "Worker selection strategy (round-robin, least-busy)")
	smartRouting  = flag.Bool("smart-routing", true, "Prefer workers advertising the requested model")

	authEnabled  = flag.Bool("auth-enabled", true, "Enforce identity headers and role policies")
	authRequired = flag.Bool("auth-required", false, "Reject requests without identity headers")
	devMode      = flag.Bool("dev-mode", false, "Skip all authentication (local development only)")

	progressFile = flag.String("progress-file", "", "File to touch periodically for external liveness checks")

	shutdownGrace = flag.Duration("shutdown-grace", 30*time.Second, "Graceful shutdown deadline")
)

func main() {
	logFlags := logging.RegisterFlags()
	metricsFlags := metrics.RegisterMetricsFlags("halo-gateway")
	flag.Parse()

	logger := logging.InitLogger("halo-gateway", logFlags.ToConfig())

	version, _ := utils.LoadVersion()
	logger.Info("gateway starting", slog.String("version", version))

	if err := metrics.InitMetricCreator(metricsFlags.ToMetricsConfig()); err != nil {
		logger.Warn("otel metrics unavailable", slog.String("error", err.Error()))
	}

	if *workerCmd == "" {
		logger.Error("-worker-cmd is required")
		os.Exit(2)
	}

	var catalog *engine.Catalog
	if *catalogPath != "" {
		var err error
		if catalog, err = engine.LoadCatalog(*catalogPath); err != nil {
			logger.Error("catalog load failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	eng := engine.New(engine.Config{
		Workers:  *workers,
		Launcher: &worker.ExecLauncher{Command: *workerCmd},
		Catalog:  catalog,
		Routing: route.Config{
			Strategy:      route.Strategy(*routeStrategy),
			StickyEnabled: true,
			SmartRouting:  *smartRouting,
			Logger:        logger,
		},
		Scheduling: sched.Config{
			MaxQueueSize:  *maxQueue,
			MaxConcurrent: *maxConcurrent,
			Policy: sched.Policy{
				FairnessWeight:   0.05,
				AgingEnabled:     true,
				AgingInterval:    30 * time.Second,
				UrgencyThreshold: 5 * time.Second,
			},
			Logger: logger,
		},
		Batching: batch.Config{
			MaxBatchSize: *batchSize,
			MaxWait:      *batchWait,
			Adaptive:     batch.ControllerConfig{Enabled: *adaptiveBatch},
			Logger:       logger,
		},
		Admission: admission.Config{
			PID:    admission.PIDConfig{TargetTTFT: *targetTTFT},
			Bypass: *admissionBypass,
			Logger: logger,
		},
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		logger.Error("engine start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *preload && catalog != nil {
		for _, spec := range catalog.Models {
			if _, err := eng.LoadModel(ctx, spec.ID, nil); err != nil {
				logger.Error("model preload failed",
					slog.String("model", spec.ID), slog.String("error", err.Error()))
				os.Exit(1)
			}
			logger.Info("model loaded", slog.String("model", spec.ID))
		}
	}

	if *progressFile != "" {
		pw, err := progress_check.New(*progressFile)
		if err != nil {
			logger.Error("liveness writer setup failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := pw.Beat(); err != nil {
						logger.Warn("liveness beat failed", slog.String("error", err.Error()))
					}
				}
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		newStatsCollector(eng),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	newServer(eng, logger).routes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	handler := auth.Middleware(auth.Config{
		Enabled:  *authEnabled,
		Required: *authRequired,
		DevMode:  *devMode,
		Checker:  auth.NewChecker(auth.DefaultPolicies(), logger),
	}, logger)(mux)

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", slog.String("addr", *listenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}
	if err := eng.Dispose(shutdownCtx); err != nil {
		logger.Warn("engine dispose incomplete", slog.String("error", err.Error()))
	}
	if err := metrics.GetMetricCreator().Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics flush incomplete", slog.String("error", err.Error()))
	}
	logger.Info("gateway stopped")
}
