// Copyright 2026 The custompip Authors.
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

// Package metrics exposes the process's rendezvous and pipe-engine
// observability as Prometheus collectors, registered against a private
// registry per component rather than prometheus's global DefaultRegisterer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder implements both rendezvous.Observer and pipe.Observer so a
// single value can be threaded through both components.
type Recorder struct {
	registryPaths   *prometheus.GaugeVec
	registrations   *prometheus.CounterVec
	activeTransfers prometheus.Gauge
	bytesTotal      prometheus.Counter
	receiversClosed prometheus.Counter
}

// NewRecorder creates a Recorder and registers its collectors against reg.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	r := &Recorder{
		registryPaths: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rendezvous",
			Subsystem: "registry",
			Name:      "paths",
			Help:      "Number of paths currently held by the registry, by lifecycle state.",
		}, []string{"state"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rendezvous",
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Registration attempts, by participant verb and outcome.",
		}, []string{"verb", "outcome"}),
		activeTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rendezvous",
			Subsystem: "pipe",
			Name:      "active_transfers",
			Help:      "Number of rendezvous currently streaming.",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rendezvous",
			Subsystem: "pipe",
			Name:      "bytes_transferred_total",
			Help:      "Bytes read from sender sources and fanned out to receivers.",
		}),
		receiversClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rendezvous",
			Subsystem: "pipe",
			Name:      "receivers_closed_total",
			Help:      "Receivers that detached mid-transfer.",
		}),
	}

	reg.MustRegister(
		r.registryPaths,
		r.registrations,
		r.activeTransfers,
		r.bytesTotal,
		r.receiversClosed,
	)
	return r
}

// Registration implements rendezvous.Observer.
func (r *Recorder) Registration(verb string, ok bool) {
	outcome := "rejected"
	if ok {
		outcome = "accepted"
	}
	r.registrations.WithLabelValues(verb, outcome).Inc()
}

// PendingPaths implements rendezvous.Observer.
func (r *Recorder) PendingPaths(delta int) {
	r.registryPaths.WithLabelValues("pending").Add(float64(delta))
}

// EstablishedPaths implements rendezvous.Observer.
func (r *Recorder) EstablishedPaths(delta int) {
	r.registryPaths.WithLabelValues("established").Add(float64(delta))
}

// TransferStarted implements pipe.Observer.
func (r *Recorder) TransferStarted() {
	r.activeTransfers.Inc()
}

// TransferEnded implements pipe.Observer.
func (r *Recorder) TransferEnded(string) {
	r.activeTransfers.Dec()
}

// BytesTransferred implements pipe.Observer.
func (r *Recorder) BytesTransferred(n int) {
	r.bytesTotal.Add(float64(n))
}

// ReceiverClosed implements pipe.Observer.
func (r *Recorder) ReceiverClosed() {
	r.receiversClosed.Inc()
}
