package fraisewire

// Recorder is the abstract telemetry sink this module reports to. Counters
// and histograms are consumed through this interface so the core never
// depends on a specific metrics backend (spec §1 — telemetry is an external
// collaborator). See recorder/prometheusrecorder for a concrete
// implementation backed by github.com/prometheus/client_golang.
type Recorder interface {
	// IncCounter increments a named counter by one, with optional label
	// pairs supplied as alternating key/value strings.
	IncCounter(name string, labels ...string)
	// ObserveHistogram records a single observation (seconds, bytes, items —
	// unit is implied by name) against a named histogram.
	ObserveHistogram(name string, value float64, labels ...string)
	// SetGauge sets a named gauge to an absolute value.
	SetGauge(name string, value float64, labels ...string)
}

// Metric names reported by this module. Concrete Recorder implementations
// can switch on these to pick bucket boundaries, label sets, etc.
const (
	MetricRowsStreamed        = "fraisewire_rows_streamed_total"
	MetricChunkResizes        = "fraisewire_chunk_resizes_total"
	MetricPauseEvents         = "fraisewire_stream_pause_total"
	MetricPauseTimeoutExpired = "fraisewire_stream_pause_timeout_total"
	MetricJSONParseErrors     = "fraisewire_json_parse_errors_total"
	MetricChunkSize           = "fraisewire_chunk_size"
	MetricChunkDuration       = "fraisewire_chunk_duration_seconds"
	MetricSoftLimitWarn       = "fraisewire_soft_limit_warn_total"
)

// noopRecorder discards everything. It is the default when a caller doesn't
// supply one, so instrumentation is always safe to call unconditionally.
type noopRecorder struct{}

func (noopRecorder) IncCounter(string, ...string)            {}
func (noopRecorder) ObserveHistogram(string, float64, ...string) {}
func (noopRecorder) SetGauge(string, float64, ...string)     {}

// NoopRecorder returns a Recorder that discards all observations.
func NoopRecorder() Recorder { return noopRecorder{} }

// globalSampleCounter is the one permitted piece of global state (spec §9):
// a process-wide, monotone, commutative sample counter used to cut metric
// recording down to one sample per 10 chunks regardless of how many streams
// are active concurrently.
var globalSampleCounter sampleCounter

type sampleCounter struct{ n uint64 }

// shouldSample reports true once every 10 calls, across all callers.
func (s *sampleCounter) shouldSample() bool {
	return atomicAddMod10(&s.n) == 0
}
