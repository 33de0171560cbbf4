// Copyright 2026 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metric collects measurements of changelog uploads, blob
// deletions and writer activity for export to Prometheus.
package metric // import "dstl.io/metric"

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dstl"

// Collector is a prometheus.Collector for the changelog components.
// A nil *Collector is valid and records nothing.
type Collector struct {
	uploads       *prometheus.CounterVec
	uploadedBytes prometheus.Counter
	uploadLatency prometheus.Histogram
	batchSets     prometheus.Histogram
	inFlightBytes prometheus.Gauge
	queuedSets    prometheus.Gauge
	deletions     *prometheus.CounterVec
	liveHandles   prometheus.Gauge
	persists      *prometheus.CounterVec
	preUploads    prometheus.Counter
	appendedBytes prometheus.Counter
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "The number of blob uploads by result.",
			}, []string{"result"},
		),
		uploadedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploaded_bytes_total",
				Help:      "The number of blob bytes written to storage.",
			},
		),
		uploadLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_seconds",
				Help:      "The time taken to write one blob.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),
		batchSets: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_change_sets",
				Help:      "The number of change sets multiplexed into one blob.",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
		),
		inFlightBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_bytes",
				Help:      "The payload bytes currently being uploaded.",
			},
		),
		queuedSets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_change_sets",
				Help:      "The change sets waiting in the scheduler.",
			},
		),
		deletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deletions_total",
				Help:      "The number of blob deletions by result.",
			}, []string{"result"},
		),
		liveHandles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_handles",
				Help:      "The number of handles with at least one registered consumer.",
			},
		),
		persists: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persists_total",
				Help:      "The number of persist requests by result.",
			}, []string{"result"},
		),
		preUploads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pre_uploads_total",
				Help:      "The number of change sets submitted before persist was called.",
			},
		),
		appendedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "appended_bytes_total",
				Help:      "The number of payload bytes appended to writers.",
			},
		),
	}
}

func (c *Collector) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.uploads, c.uploadedBytes, c.uploadLatency, c.batchSets,
		c.inFlightBytes, c.queuedSets, c.deletions, c.liveHandles,
		c.persists, c.preUploads, c.appendedBytes,
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.all() {
		m.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.all() {
		m.Collect(ch)
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Upload records one blob write of size bytes holding sets change sets.
func (c *Collector) Upload(sets int, size int64, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(result(err)).Inc()
	c.batchSets.Observe(float64(sets))
	c.uploadLatency.Observe(elapsed.Seconds())
	if err == nil {
		c.uploadedBytes.Add(float64(size))
	}
}

// InFlight adds delta to the bytes being uploaded.
func (c *Collector) InFlight(delta int64) {
	if c == nil {
		return
	}
	c.inFlightBytes.Add(float64(delta))
}

// Queued sets the number of change sets waiting for upload.
func (c *Collector) Queued(n int) {
	if c == nil {
		return
	}
	c.queuedSets.Set(float64(n))
}

// Deletion records the removal of a blob from storage.
func (c *Collector) Deletion(err error) {
	if c == nil {
		return
	}
	c.deletions.WithLabelValues(result(err)).Inc()
}

// LiveHandles adds delta to the number of referenced handles.
func (c *Collector) LiveHandles(delta int) {
	if c == nil {
		return
	}
	c.liveHandles.Add(float64(delta))
}

// Persist records the outcome of a persist request.
func (c *Collector) Persist(err error) {
	if c == nil {
		return
	}
	c.persists.WithLabelValues(result(err)).Inc()
}

// PreUpload records a change set submitted ahead of persist.
func (c *Collector) PreUpload() {
	if c == nil {
		return
	}
	c.preUploads.Inc()
}

// Append records n appended payload bytes.
func (c *Collector) Append(n int) {
	if c == nil {
		return
	}
	c.appendedBytes.Add(float64(n))
}
