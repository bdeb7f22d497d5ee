// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the Supervisor's diagnostic surface (§6) as a
// Prometheus registry, in addition to the in-process Snapshot struct that
// remains the canonical read path. This package is a pure export surface:
// it never gates behavior, only observes it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every gauge/counter the core exposes for the streaming
// session and its three Beques.
type Registry struct {
	TotalMessages      prometheus.Counter
	LastMessageAgeSecs prometheus.Gauge
	Connected          prometheus.Gauge
	ReconnectCount     prometheus.Counter

	QueueSize         *prometheus.GaugeVec
	TotalFlushes      *prometheus.CounterVec
	TotalItemsFlushed *prometheus.CounterVec
	FailedFlushes     *prometheus.CounterVec
	SecondsSinceFlush *prometheus.GaugeVec

	ValidationRejects *prometheus.CounterVec
}

// NewRegistry creates and registers a Registry against reg. Passing a
// fresh prometheus.NewRegistry() (rather than the global default) keeps
// repeated construction in tests collision-free.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		TotalMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_total_messages",
			Help: "Total number of frames read off the streaming session.",
		}),
		LastMessageAgeSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_last_message_age_seconds",
			Help: "Seconds since the last frame was read, sampled by the watchdog.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_connected",
			Help: "1 if the streaming session is currently connected, else 0.",
		}),
		ReconnectCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_reconnects_total",
			Help: "Total number of successful reconnects.",
		}),
		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_beque_queue_size",
			Help: "Current number of items waiting in a Beque.",
		}, []string{"stream"}),
		TotalFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_beque_flushes_total",
			Help: "Total number of flushes performed by a Beque.",
		}, []string{"stream"}),
		TotalItemsFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_beque_items_flushed_total",
			Help: "Total number of items flushed by a Beque.",
		}, []string{"stream"}),
		FailedFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_beque_failed_flushes_total",
			Help: "Total number of flushes whose on_flush callback returned an error.",
		}, []string{"stream"}),
		SecondsSinceFlush: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_beque_seconds_since_flush",
			Help: "Seconds since a Beque's last flush.",
		}, []string{"stream"}),
		ValidationRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_validation_rejects_total",
			Help: "Total number of rows dropped for failing a persistence invariant.",
		}, []string{"stream", "reason"}),
	}

	reg.MustRegister(
		r.TotalMessages,
		r.LastMessageAgeSecs,
		r.Connected,
		r.ReconnectCount,
		r.QueueSize,
		r.TotalFlushes,
		r.TotalItemsFlushed,
		r.FailedFlushes,
		r.SecondsSinceFlush,
		r.ValidationRejects,
	)
	return r
}

// BequeSnapshot is the subset of beque.Stats the Registry needs to export
// one stream's gauges. Defined locally (rather than importing
// internal/beque) so this package stays a leaf with no dependency back
// onto the pipeline it observes.
type BequeSnapshot struct {
	Stream            string
	QueueSize         int
	SecondsSinceFlush float64
}

// ObserveBeque updates the per-stream point-in-time gauges from a
// snapshot. The monotonic flush counters are not sampled here — they are
// recorded at flush time via RecordFlush, keeping Prometheus counter
// semantics without delta bookkeeping.
func (r *Registry) ObserveBeque(s BequeSnapshot) {
	r.QueueSize.WithLabelValues(s.Stream).Set(float64(s.QueueSize))
	r.SecondsSinceFlush.WithLabelValues(s.Stream).Set(s.SecondsSinceFlush)
}

// RecordFlush is called once per completed flush (success or failure) so
// the counters stay strictly monotonic, matching Prometheus counter
// semantics, rather than being periodically Set() from a cumulative
// snapshot.
func (r *Registry) RecordFlush(stream string, itemCount int, failed bool) {
	r.TotalFlushes.WithLabelValues(stream).Inc()
	r.TotalItemsFlushed.WithLabelValues(stream).Add(float64(itemCount))
	if failed {
		r.FailedFlushes.WithLabelValues(stream).Inc()
	}
}

// RecordValidationReject is called once per row dropped for failing a
// persistence invariant (§3), tagged with the reason for operator triage.
func (r *Registry) RecordValidationReject(stream, reason string) {
	r.ValidationRejects.WithLabelValues(stream, reason).Inc()
}

// RecordMessage is called once per frame read off the streaming session.
func (r *Registry) RecordMessage() {
	r.TotalMessages.Inc()
}

// SetConnected reports the session's current connection state.
func (r *Registry) SetConnected(connected bool) {
	if connected {
		r.Connected.Set(1)
	} else {
		r.Connected.Set(0)
	}
}

// RecordReconnect is called once per successful reconnect.
func (r *Registry) RecordReconnect() {
	r.ReconnectCount.Inc()
}
