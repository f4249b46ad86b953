// Copyright 2025 Ekjot Singh
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package tikv

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "tikv_router"
	metricsSubsystem = "client"
)

var (
	regionCacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "region_cache_operations_total",
			Help:      "Counter of region cache operations by type and outcome.",
		}, []string{"type", "result"})

	sendReqHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "request_seconds",
			Help:      "Bucketed histogram of one region request's end-to-end latency, including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 18),
		}, []string{"type"})

	backoffCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "backoff_total",
			Help:      "Counter of Backoffer.Backoff calls by reason.",
		}, []string{"type"})

	backoffExceededCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "backoff_exceeded_total",
			Help:      "Counter of operations that gave up after exhausting their backoff budget, by the reason that finally tripped it.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		regionCacheCounter,
		sendReqHistogram,
		backoffCounter,
		backoffExceededCounter,
	)
}
