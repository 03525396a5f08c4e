// Copyright 2025 The AgentUse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the server's Prometheus collectors on a private
// registry, so multiple servers in one process don't collide.
type metrics struct {
	registry       *prometheus.Registry
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	scheduledFires prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentuse_runs_total",
			Help: "Agent runs by outcome.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentuse_run_duration_seconds",
			Help:    "Agent run duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		scheduledFires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentuse_scheduled_fires_total",
			Help: "Scheduled agent invocations.",
		}),
	}
	m.registry.MustRegister(m.runsTotal, m.runDuration, m.scheduledFires)
	return m
}

func (m *metrics) observeRun(d time.Duration, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
