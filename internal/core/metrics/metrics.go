// Package metrics exports aggregation timings and spill activity to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "groupagg"

// Collector owns the service's Prometheus collectors. A Collector built with
// a nil registry still works; its samples are just never exported.
type Collector struct {
	registry *prometheus.Registry

	accumulatorUpdateHistogram *prometheus.HistogramVec
	spillCounter               *prometheus.CounterVec
	spilledBytesCounter        prometheus.Counter
	requestCounter             *prometheus.CounterVec
	requestDurationHistogram   prometheus.Histogram
	groupsCounter              prometheus.Counter
}

func NewCollector(registry *prometheus.Registry) *Collector {
	c := &Collector{
		registry: registry,
		accumulatorUpdateHistogram: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "aggregation",
				Name:      "accumulator_update_seconds",
				Help:      "Bucketed histogram of time spent inside accumulator updates per page.",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16),
			}, []string{"function"}),
		spillCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregation",
				Name:      "spill_total",
				Help:      "Count of spill runs written, by backend.",
			}, []string{"backend"}),
		spilledBytesCounter: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregation",
				Name:      "spilled_bytes_total",
				Help:      "Total compressed bytes written to spill storage.",
			}),
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Count of aggregate requests, by outcome.",
			}, []string{"outcome"}),
		requestDurationHistogram: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Bucketed histogram of aggregate request duration.",
				Buckets:   prometheus.DefBuckets,
			}),
		groupsCounter: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregation",
				Name:      "groups_total",
				Help:      "Total groups emitted by aggregation operators.",
			}),
	}
	if registry != nil {
		registry.MustRegister(
			c.accumulatorUpdateHistogram,
			c.spillCounter,
			c.spilledBytesCounter,
			c.requestCounter,
			c.requestDurationHistogram,
			c.groupsCounter,
		)
	}
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// AccumulatorTimer returns a sink for one aggregate call of function.
func (c *Collector) AccumulatorTimer(function string) *AccumulatorTimer {
	return &AccumulatorTimer{observer: c.accumulatorUpdateHistogram.WithLabelValues(function)}
}

// SpillWritten records one persisted spill run.
func (c *Collector) SpillWritten(backend string, compressedBytes int) {
	c.spillCounter.WithLabelValues(backend).Inc()
	c.spilledBytesCounter.Add(float64(compressedBytes))
}

// RequestFinished records the outcome of one aggregate request.
func (c *Collector) RequestFinished(outcome string, elapsed time.Duration) {
	c.requestCounter.WithLabelValues(outcome).Inc()
	c.requestDurationHistogram.Observe(elapsed.Seconds())
}

func (c *Collector) GroupsEmitted(n int) {
	c.groupsCounter.Add(float64(n))
}

// AccumulatorTimer is the metrics sink handed to a GroupedAggregator. Besides
// exporting to Prometheus it keeps running totals for per-request stats.
type AccumulatorTimer struct {
	observer prometheus.Observer
	samples  atomic.Int64
	nanos    atomic.Int64
}

func (t *AccumulatorTimer) RecordAccumulatorUpdateTimeSince(start time.Time) {
	elapsed := time.Since(start)
	t.samples.Add(1)
	t.nanos.Add(int64(elapsed))
	if t.observer != nil {
		t.observer.Observe(elapsed.Seconds())
	}
}

// Samples is the number of timed updates so far.
func (t *AccumulatorTimer) Samples() int64 { return t.samples.Load() }

// Total is the summed duration of timed updates so far.
func (t *AccumulatorTimer) Total() time.Duration { return time.Duration(t.nanos.Load()) }
