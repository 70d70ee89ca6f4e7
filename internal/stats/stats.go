// Package stats tracks ingestion counters: rows, batches, bytes and
// errors since process start. Counters are mirrored into a private
// prometheus registry so the stream command can expose a /metrics
// listener, while the loop reads cheap atomic snapshots for its
// periodic summaries.
package stats

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Stats holds monotonic ingestion counters, reset only at process start.
type Stats struct {
	start time.Time

	rows    atomic.Int64
	batches atomic.Int64
	bytes   atomic.Int64
	errors  atomic.Int64

	registry    *prometheus.Registry
	promRows    prometheus.Counter
	promBatches prometheus.Counter
	promBytes   prometheus.Counter
	promErrors  prometheus.Counter
}

// New returns zeroed counters with the start time fixed at now.
func New() *Stats {
	s := &Stats{
		start:    time.Now(),
		registry: prometheus.NewRegistry(),
		promRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snowstream_rows_sent_total",
			Help: "Rows acknowledged by the streaming service.",
		}),
		promBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snowstream_batches_sent_total",
			Help: "Batches acknowledged by the streaming service.",
		}),
		promBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snowstream_bytes_sent_total",
			Help: "NDJSON payload bytes acknowledged by the streaming service.",
		}),
		promErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snowstream_append_errors_total",
			Help: "Append calls that failed and were isolated by the loop.",
		}),
	}
	s.registry.MustRegister(s.promRows, s.promBatches, s.promBytes, s.promErrors)
	return s
}

// RecordBatch counts one acknowledged append of rows totaling size bytes.
func (s *Stats) RecordBatch(rows, size int) {
	s.rows.Add(int64(rows))
	s.batches.Add(1)
	s.bytes.Add(int64(size))
	s.promRows.Add(float64(rows))
	s.promBatches.Inc()
	s.promBytes.Add(float64(size))
}

// RecordError counts one failed append.
func (s *Stats) RecordError() {
	s.errors.Add(1)
	s.promErrors.Inc()
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Rows    int64
	Batches int64
	Bytes   int64
	Errors  int64
	Elapsed time.Duration
	RowRate float64
}

// Snapshot returns the current totals with derived throughput.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Rows:    s.rows.Load(),
		Batches: s.batches.Load(),
		Bytes:   s.bytes.Load(),
		Errors:  s.errors.Load(),
		Elapsed: time.Since(s.start),
	}
	if secs := snap.Elapsed.Seconds(); secs > 0 && snap.Rows > 0 {
		snap.RowRate = float64(snap.Rows) / secs
	}
	return snap
}

// Handler serves the prometheus counters for scraping.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// LogSummary writes the ingestion totals to the logger.
func (s *Stats) LogSummary(logger *zap.Logger) {
	snap := s.Snapshot()
	logger.Info("ingestion statistics",
		zap.Int64("rows", snap.Rows),
		zap.Int64("batches", snap.Batches),
		zap.Int64("bytes", snap.Bytes),
		zap.Int64("errors", snap.Errors),
		zap.Duration("elapsed", snap.Elapsed),
		zap.Float64("rows_per_sec", snap.RowRate),
	)
}
