/*
Copyright (c) Facebook, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics accumulates the counters and histograms the pipeline
// observes DNS quality-of-service through, and serves them for scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/dnsqosd/dnsqosd/internal/decode"
)

// latencyBuckets is the fixed bucket set the spec requires for
// query_latency_seconds.
var latencyBuckets = []float64{
	0.001, 0.003, 0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// Sink accumulates the series this system publishes. It owns its own
// prometheus.Registry rather than registering into the global default
// registerer, so multiple Sinks (one per test, typically) never collide on
// metric names.
type Sink struct {
	registry *prometheus.Registry

	queriesTotal       prometheus.Counter
	questionsTotal     *prometheus.CounterVec
	queryLatency       prometheus.Histogram
	queryTimeoutsTotal prometheus.Counter

	answersTotal       *prometheus.CounterVec
	framesDroppedTotal *prometheus.CounterVec
	decodeErrorsTotal  *prometheus.CounterVec
}

// New builds a Sink with a fresh registry and all series pre-registered, so
// a scrape before any traffic still reports zero values rather than an
// absent series.
func New() *Sink {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	s := &Sink{
		registry: reg,
		queriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "queries_total",
			Help: "Total number of DNS query frames observed.",
		}),
		questionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "questions_total",
			Help: "Total number of DNS questions observed, by type and class.",
		}, []string{"type", "class"}),
		queryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "query_latency_seconds",
			Help:    "Query to answer latency in seconds.",
			Buckets: latencyBuckets,
		}),
		queryTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "query_timeouts_total",
			Help: "Total number of outstanding queries expired without a matching answer.",
		}),
		answersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "answers_total",
			Help: "Total number of DNS answer frames observed, by response code.",
		}, []string{"rcode"}),
		framesDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "frames_dropped_total",
			Help: "Total number of frames dropped before decoding, by reason.",
		}, []string{"reason"}),
		decodeErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "decode_errors_total",
			Help: "Total number of frames rejected by the decoder, by error kind.",
		}, []string{"kind"}),
	}
	return s
}

// Registry exposes the registry backing this Sink, for the scrape handler.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

// RecordQuery increments queries_total.
func (s *Sink) RecordQuery() { s.queriesTotal.Inc() }

// RecordQuestion increments the (type, class) cell of questions_total.
func (s *Sink) RecordQuestion(qtype decode.QType, qclass decode.QClass) {
	s.questionsTotal.WithLabelValues(string(qtype), string(qclass)).Inc()
}

// ObserveQueryLatency observes a query-to-answer latency. Callers must not
// invoke this on a clock regression (negative duration) — see
// RecordClockRegression.
func (s *Sink) ObserveQueryLatency(d time.Duration) {
	s.queryLatency.Observe(d.Seconds())
}

// RecordClockRegression logs a warning instead of observing a latency
// sample. The host clock is not guaranteed monotonic across the query and
// answer timestamps, so a regression is an operational warning, not a bug.
func (s *Sink) RecordClockRegression() {
	log.Warn("answer timestamp precedes query timestamp; skipping latency observation")
}

// RecordQueryTimeouts adds n to query_timeouts_total.
func (s *Sink) RecordQueryTimeouts(n int) {
	if n == 0 {
		return
	}
	s.queryTimeoutsTotal.Add(float64(n))
}

// RecordAnswer increments answers_total for the given response code.
func (s *Sink) RecordAnswer(rcode string) {
	s.answersTotal.WithLabelValues(rcode).Inc()
}

// RecordFrameDropped increments frames_dropped_total for the given reason
// (currently only "buffer_full" is produced by the pipeline).
func (s *Sink) RecordFrameDropped(reason string) {
	s.framesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordDecodeError increments decode_errors_total for the given decoder
// error kind.
func (s *Sink) RecordDecodeError(kind string) {
	s.decodeErrorsTotal.WithLabelValues(kind).Inc()
}
