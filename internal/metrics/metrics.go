// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the Prometheus collectors of the tracking service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailtrack",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Tracking events ingested, by kind (open, click) and outcome (stored, failed, rejected).",
	}, []string{"kind", "outcome"})

	registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailtrack",
		Subsystem: "registry",
		Name:      "registrations_total",
		Help:      "Message registrations by outcome.",
	}, []string{"outcome"})

	verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailtrack",
		Subsystem: "validation",
		Name:      "verdicts_total",
		Help:      "Open classifications computed at read time, by reason (accepted or rejection reason).",
	}, []string{"reason"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailtrack",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Message cache lookups by tier and hit/miss.",
	}, []string{"tier", "result"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mailtrack",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route template, method and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "code"})
)

// RecordEvent counts an ingested event.
func RecordEvent(kind, outcome string) {
	eventsIngested.WithLabelValues(kind, outcome).Inc()
}

// RecordRegistration counts a registration attempt.
func RecordRegistration(outcome string) {
	registrations.WithLabelValues(outcome).Inc()
}

// RecordVerdict counts a classification.
func RecordVerdict(reason string) {
	verdicts.WithLabelValues(reason).Inc()
}

// RecordCacheLookup counts a cache lookup on tier.
func RecordCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(tier, result).Inc()
}

// ObserveRequest records the latency of one HTTP request.
func ObserveRequest(route, method, code string, seconds float64) {
	httpDuration.WithLabelValues(route, method, code).Observe(seconds)
}
