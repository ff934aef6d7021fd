package hooks

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Skip reasons reported on cds_hooks_skipped_total.
const (
	SkipReadError     = "read_error"
	SkipInvalid       = "invalid"
	SkipMissingFields = "missing_fields"
	SkipDisabled      = "disabled"
)

// Metrics instruments loads. A nil *Metrics records nothing.
type Metrics struct {
	loaded             prometheus.Gauge
	loads              prometheus.Counter
	loadDuration       prometheus.Histogram
	skipped            *prometheus.CounterVec
	resolutionFailures prometheus.Counter
	unsupported        *prometheus.CounterVec
}

// NewMetrics registers the hook collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		loaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "cds_hooks_loaded",
			Help: "Number of hooks in the live registry.",
		}),
		loads: f.NewCounter(prometheus.CounterOpts{
			Name: "cds_hooks_load_total",
			Help: "Completed directory loads.",
		}),
		loadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cds_hooks_load_duration_seconds",
			Help:    "Time spent loading a hook directory.",
			Buckets: prometheus.DefBuckets,
		}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_hooks_skipped_total",
			Help: "Hook files left out of the registry.",
		}, []string{"reason"}),
		resolutionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "cds_hooks_library_resolution_failures_total",
			Help: "Library references that could not be resolved.",
		}),
		unsupported: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cds_prefetch_unsupported_total",
			Help: "Retrieves whose data type has no prefetch template.",
		}, []string{"data_type"}),
	}
}

func (m *Metrics) observeLoad(n int, took time.Duration) {
	if m == nil {
		return
	}
	m.loaded.Set(float64(n))
	m.loads.Inc()
	m.loadDuration.Observe(took.Seconds())
}

func (m *Metrics) setLoaded(n int) {
	if m == nil {
		return
	}
	m.loaded.Set(float64(n))
}

func (m *Metrics) skip(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) resolutionFailed() {
	if m == nil {
		return
	}
	m.resolutionFailures.Inc()
}

// UnsupportedDataType counts one unclassifiable retrieve; the loader feeds it
// from prefetch.WithUnsupportedHook.
func (m *Metrics) UnsupportedDataType(dataType string) {
	if m == nil {
		return
	}
	m.unsupported.WithLabelValues(dataType).Inc()
}
