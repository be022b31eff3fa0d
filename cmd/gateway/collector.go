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

package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"go.corp.nvidia.com/halo/pkg/engine"
)

// statsCollector exports the engine's aggregate stats as Prometheus
// metrics, sampled at scrape time.
type statsCollector struct {
	engine *engine.Engine

	streamsActive    *prometheus.Desc
	streamsCompleted *prometheus.Desc
	streamsErrored   *prometheus.Desc
	streamsTimedOut  *prometheus.Desc
	streamsCancelled *prometheus.Desc
	tokensTotal      *prometheus.Desc
	ttftSeconds      *prometheus.Desc

	schedExecuting *prometheus.Desc
	schedLimit     *prometheus.Desc
	schedQueued    *prometheus.Desc

	workers        *prometheus.Desc
	stickySessions *prometheus.Desc

	admitted     *prometheus.Desc
	rejected     *prometheus.Desc
	safeMode     *prometheus.Desc
	batchItems   *prometheus.Desc
	batchFlushes *prometheus.Desc
	poolInUse    *prometheus.Desc
}

func newStatsCollector(e *engine.Engine) *statsCollector {
	return &statsCollector{
		engine: e,
		streamsActive: prometheus.NewDesc("halo_streams_active",
			"Streams currently generating.", nil, nil),
		streamsCompleted: prometheus.NewDesc("halo_streams_completed_total",
			"Streams that completed normally.", nil, nil),
		streamsErrored: prometheus.NewDesc("halo_streams_errored_total",
			"Streams that terminated with an error.", nil, nil),
		streamsTimedOut: prometheus.NewDesc("halo_streams_timedout_total",
			"Streams that hit their timeout.", nil, nil),
		streamsCancelled: prometheus.NewDesc("halo_streams_cancelled_total",
			"Streams cancelled by the caller.", nil, nil),
		tokensTotal: prometheus.NewDesc("halo_tokens_total",
			"Tokens streamed to clients.", nil, nil),
		ttftSeconds: prometheus.NewDesc("halo_ttft_seconds",
			"Moving average of time to first token.", nil, nil),
		schedExecuting: prometheus.NewDesc("halo_scheduler_executing",
			"Requests holding an execution slot.", nil, nil),
		schedLimit: prometheus.NewDesc("halo_scheduler_limit",
			"Current concurrency limit.", nil, nil),
		schedQueued: prometheus.NewDesc("halo_scheduler_queued",
			"Requests waiting per priority tier.", []string{"tier"}, nil),
		workers: prometheus.NewDesc("halo_workers",
			"Live runtime workers.", nil, nil),
		stickySessions: prometheus.NewDesc("halo_sticky_sessions",
			"Streams pinned to a worker.", nil, nil),
		admitted: prometheus.NewDesc("halo_admission_admitted_total",
			"Requests admitted by the governor.", nil, nil),
		rejected: prometheus.NewDesc("halo_admission_rejected_total",
			"Requests rejected by the governor.", nil, nil),
		safeMode: prometheus.NewDesc("halo_admission_safe_mode",
			"1 while the governor sheds load.", nil, nil),
		batchItems: prometheus.NewDesc("halo_batch_items_total",
			"Generate requests that passed through the batcher.", nil, nil),
		batchFlushes: prometheus.NewDesc("halo_batch_flushes_total",
			"Batches flushed to workers.", nil, nil),
		poolInUse: prometheus.NewDesc("halo_queue_pool_in_use",
			"Chunk queues currently leased.", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.engine.GetStats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	gauge(c.streamsActive, float64(st.Streams.Active))
	counter(c.streamsCompleted, float64(st.Streams.Completed))
	counter(c.streamsErrored, float64(st.Streams.Errored))
	counter(c.streamsTimedOut, float64(st.Streams.TimedOut))
	counter(c.streamsCancelled, float64(st.Streams.Cancelled))
	counter(c.tokensTotal, float64(st.Streams.TotalTokens))
	gauge(c.ttftSeconds, st.Streams.TTFTSeconds)

	gauge(c.schedExecuting, float64(st.Scheduler.Executing))
	gauge(c.schedLimit, float64(st.Scheduler.Limit))
	for tier, depth := range st.Scheduler.QueueDepth {
		gauge(c.schedQueued, float64(depth), tierNames[tier])
	}

	gauge(c.workers, float64(st.Workers))
	gauge(c.stickySessions, float64(st.Router.Sticky))

	counter(c.admitted, float64(st.Admission.Admitted))
	counter(c.rejected, float64(st.Admission.Rejected))
	safe := 0.0
	if st.Admission.SafeMode {
		safe = 1
	}
	gauge(c.safeMode, safe)

	counter(c.batchItems, float64(st.Batcher.Items))
	counter(c.batchFlushes, float64(st.Batcher.Flushes))
	gauge(c.poolInUse, float64(st.QueuePool.InUse))
}

var tierNames = [...]string{"critical", "high", "normal", "low", "background"}
