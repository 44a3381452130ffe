// Package prometheusrecorder implements fraisewire.Recorder on top of
// github.com/prometheus/client_golang. All metrics are created and
// registered up front in New, by name, the same way a fixed set of
// dashboard metrics gets registered once at startup rather than discovered
// per call.
package prometheusrecorder

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fraiseql/fraiseql-wire"
)

// Recorder adapts a prometheus.Registry to the fraisewire.Recorder
// interface. This module never attaches per-call labels to a metric (every
// call site in fraisewire passes zero label pairs), so each metric is a
// plain, label-less collector rather than a Vec.
type Recorder struct {
	registry *prometheus.Registry

	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// New creates a Recorder backed by a fresh prometheus.Registry, with one
// collector registered per fraisewire.Metric* constant. Safe to call
// multiple times, e.g. once per test, since each Recorder owns an
// independent registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		counters: map[string]prometheus.Counter{
			fraisewire.MetricRowsStreamed:        newCounter(fraisewire.MetricRowsStreamed, "Total JSON values streamed to callers"),
			fraisewire.MetricChunkResizes:        newCounter(fraisewire.MetricChunkResizes, "Total adaptive chunk size adjustments"),
			fraisewire.MetricPauseEvents:         newCounter(fraisewire.MetricPauseEvents, "Total times a stream was paused"),
			fraisewire.MetricPauseTimeoutExpired: newCounter(fraisewire.MetricPauseTimeoutExpired, "Total times a paused stream auto-resumed on timeout"),
			fraisewire.MetricJSONParseErrors:     newCounter(fraisewire.MetricJSONParseErrors, "Total DataRow columns that failed JSON validation or decode"),
			fraisewire.MetricSoftLimitWarn:       newCounter(fraisewire.MetricSoftLimitWarn, "Total times a stream crossed its soft memory warning threshold"),
		},
		gauges: map[string]prometheus.Gauge{
			fraisewire.MetricChunkSize: newGauge(fraisewire.MetricChunkSize, "Current adaptive chunk size in rows"),
		},
		histograms: map[string]prometheus.Histogram{
			fraisewire.MetricChunkDuration: newHistogram(fraisewire.MetricChunkDuration, "Time spent decoding and delivering one chunk of rows"),
		},
	}

	for _, c := range r.counters {
		reg.MustRegister(c)
	}
	for _, g := range r.gauges {
		reg.MustRegister(g)
	}
	for _, h := range r.histograms {
		reg.MustRegister(h)
	}
	return r
}

// Registry exposes the underlying registry so callers can serve /metrics
// via promhttp.HandlerFor(r.Registry(), ...).
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func metricFQName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: metricFQName(name), Help: help})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: metricFQName(name), Help: help})
}

func newHistogram(name, help string) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    metricFQName(name),
		Help:    help,
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
	})
}

// IncCounter increments the named counter by one. labels are ignored: no
// caller in this module attaches per-call labels.
func (r *Recorder) IncCounter(name string, labels ...string) {
	if c, ok := r.counters[name]; ok {
		c.Inc()
	}
}

// SetGauge sets the named gauge. labels are ignored; see IncCounter.
func (r *Recorder) SetGauge(name string, value float64, labels ...string) {
	if g, ok := r.gauges[name]; ok {
		g.Set(value)
	}
}

// ObserveHistogram records one observation against the named histogram.
// labels are ignored; see IncCounter.
func (r *Recorder) ObserveHistogram(name string, value float64, labels ...string) {
	if h, ok := r.histograms[name]; ok {
		h.Observe(value)
	}
}

var _ fraisewire.Recorder = (*Recorder)(nil)
