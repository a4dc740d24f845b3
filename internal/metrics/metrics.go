// Package metrics provides Prometheus metrics for pipeline runs.
//
// The pipeline is a batch job, not a server, so nothing is scraped. Each
// command records into its own registry and, when a textfile path is
// configured, writes it for the node exporter's textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds one run's metrics. A nil *Recorder records nothing, so
// components can take one optionally.
type Recorder struct {
	reg *prometheus.Registry

	downloads        *prometheus.CounterVec
	downloadBytes    prometheus.Counter
	downloadDuration prometheus.Histogram
	tracked          *prometheus.CounterVec
	months           *prometheus.CounterVec
	rows             *prometheus.CounterVec
	loadDuration     prometheus.Histogram
	lastPublish      prometheus.Gauge
}

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		downloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocdslake_downloads_total",
				Help: "Monthly package fetches by outcome",
			},
			[]string{"outcome"},
		),
		downloadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "ocdslake_download_bytes_total",
			Help: "Bytes of package JSON written to the data directory",
		}),
		downloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocdslake_download_duration_seconds",
			Help:    "Time taken to fetch one monthly package",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		tracked: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocdslake_tracked_files_total",
				Help: "Change tracker decisions by outcome",
			},
			[]string{"outcome"},
		),
		months: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocdslake_months_total",
				Help: "Months handled by the batch loader by outcome",
			},
			[]string{"outcome"},
		),
		rows: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ocdslake_rows_loaded_total",
				Help: "Rows stored in the staging store by table",
			},
			[]string{"table"},
		),
		loadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocdslake_month_load_duration_seconds",
			Help:    "Time taken to transform and load one month",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		lastPublish: f.NewGauge(prometheus.GaugeOpts{
			Name: "ocdslake_last_publish_timestamp_seconds",
			Help: "Unix time of the last snapshot swap",
		}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// RecordDownload records one month's fetch.
func (r *Recorder) RecordDownload(outcome string, bytes int64, duration time.Duration) {
	if r == nil {
		return
	}
	r.downloads.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		r.downloadBytes.Add(float64(bytes))
	}
	if duration > 0 {
		r.downloadDuration.Observe(duration.Seconds())
	}
}

// RecordTracked records one change tracker decision.
func (r *Recorder) RecordTracked(outcome string) {
	if r == nil {
		return
	}
	r.tracked.WithLabelValues(outcome).Inc()
}

// RecordMonth records a batch loader month outcome.
func (r *Recorder) RecordMonth(outcome string) {
	if r == nil {
		return
	}
	r.months.WithLabelValues(outcome).Inc()
}

// RecordLoad records one successful month load.
func (r *Recorder) RecordLoad(tenders, awards int, duration time.Duration) {
	if r == nil {
		return
	}
	r.rows.WithLabelValues("tenders").Add(float64(tenders))
	r.rows.WithLabelValues("awards").Add(float64(awards))
	r.loadDuration.Observe(duration.Seconds())
}

// RecordPublish records a snapshot swap.
func (r *Recorder) RecordPublish(at time.Time) {
	if r == nil {
		return
	}
	r.lastPublish.Set(float64(at.Unix()))
}

// WriteTextfile writes every metric to path in the Prometheus text format.
// The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
