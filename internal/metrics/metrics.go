/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package metrics exposes synthesis and HTTP measurements to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loqa_tts"

// Metrics owns a private registry so several instances can coexist in tests.
// It implements synthesis.Observer.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	queueWait       prometheus.Histogram
	inFlight        prometheus.Gauge
	queued          prometheus.Gauge
	abandoned       prometheus.Counter
	truncations     *prometheus.CounterVec
	audioSeconds    prometheus.Counter
	audioDuration   prometheus.Histogram
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them with Go runtime metrics
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "synthesis_requests_total",
				Help:      "Total number of synthesis requests by mode, delivery and outcome",
			},
			[]string{"mode", "streaming", "outcome"}, // outcome: success or error kind
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "synthesis_duration_seconds",
				Help:      "Histogram of end-to-end synthesis duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode", "streaming"},
		),
		queueWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_queue_wait_seconds",
				Help:      "Time spent waiting for an engine slot",
				Buckets:   []float64{0, .01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "engine_inflight",
				Help:      "Number of engine invocations holding a slot",
			},
		),
		queued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "engine_queued",
				Help:      "Number of requests waiting for an engine slot",
			},
		),
		abandoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "abandoned_invocations_total",
				Help:      "Engine invocations that outlived the cleanup grace period after cancellation",
			},
		),
		truncations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_truncations_total",
				Help:      "Streaming responses cut short after the first byte",
			},
			[]string{"kind"},
		),
		audioSeconds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_seconds_total",
				Help:      "Total seconds of audio synthesized",
			},
		),
		audioDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "audio_duration_seconds",
				Help:      "Duration of synthesized audio per request",
				Buckets:   []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.queueWait,
		m.inFlight,
		m.queued,
		m.abandoned,
		m.truncations,
		m.audioSeconds,
		m.audioDuration,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveQueueWait records how long a request waited for admission
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	m.queueWait.Observe(d.Seconds())
}

// SetInFlight sets the number of occupied engine slots
func (m *Metrics) SetInFlight(n int) {
	m.inFlight.Set(float64(n))
}

// SetQueued sets the number of waiting requests
func (m *Metrics) SetQueued(n int) {
	m.queued.Set(float64(n))
}

// IncAbandoned counts an engine call that ignored cancellation
func (m *Metrics) IncAbandoned() {
	m.abandoned.Inc()
}

// ObserveRequest records a finished synthesis request
func (m *Metrics) ObserveRequest(mode string, streaming bool, outcome string, d time.Duration) {
	if mode == "" {
		mode = "none"
	}
	s := strconv.FormatBool(streaming)
	m.requestsTotal.WithLabelValues(mode, s, outcome).Inc()
	m.requestDuration.WithLabelValues(mode, s).Observe(d.Seconds())
}

// ObserveAudio records produced audio, samples counted in frames
func (m *Metrics) ObserveAudio(samples int, sampleRate int) {
	if sampleRate <= 0 || samples <= 0 {
		return
	}
	seconds := float64(samples) / float64(sampleRate)
	m.audioSeconds.Add(seconds)
	m.audioDuration.Observe(seconds)
}

// IncTruncated counts a stream cut short by an error of the given kind
func (m *Metrics) IncTruncated(kind string) {
	m.truncations.WithLabelValues(kind).Inc()
}

// ObserveHTTP records a served HTTP request
func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
