// Package metrics holds the Prometheus collectors for sync runs. All methods
// are safe on a nil *Registry so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convsync"

type Registry struct {
	reg *prometheus.Registry

	recordsExtracted prometheus.Counter
	outOfOrder       prometheus.Counter
	watermark        prometheus.Gauge
	rowsLoaded       prometheus.Counter
	recordsRejected  prometheus.Counter
	tableRows        prometheus.Gauge
	lockRetries      prometheus.Counter
	storageOps       *prometheus.CounterVec
	readerSignals    *prometheus.CounterVec
	stepRuns         *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	lastSuccess      prometheus.Gauge
}

func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	f := func(c prometheus.Collector) { r.reg.MustRegister(c) }

	r.recordsExtracted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "records_extracted_total",
		Help: "Documents read from the source and written to intermediate storage.",
	})
	r.outOfOrder = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "out_of_order_ingestion_total",
		Help: "Documents whose ingestion time was lower than one already seen in the run.",
	})
	r.watermark = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "watermark_timestamp_seconds",
		Help: "Current watermark as Unix epoch seconds.",
	})
	r.rowsLoaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "rows_loaded_total",
		Help: "Net new rows in the analytical table after each load.",
	})
	r.recordsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "records_rejected_total",
		Help: "Records skipped by the loader validator.",
	})
	r.tableRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "table_rows",
		Help: "Row count of the analytical table after the last load.",
	})
	r.lockRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "lock_retries_total",
		Help: "Analytical store acquisitions retried because of lock contention.",
	})
	r.storageOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "storage_operations_total",
		Help: "Intermediate storage operations by type and outcome.",
	}, []string{"operation", "status"})
	r.readerSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "reader_signals_total",
		Help: "Stop/start signals sent to reader processes.",
	}, []string{"action", "status"})
	r.stepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "pipeline_steps_total",
		Help: "Pipeline step executions by outcome.",
	}, []string{"step", "status"})
	r.stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "pipeline_step_duration_seconds",
		Help:    "Wall time of pipeline steps.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"step"})
	r.lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "last_success_timestamp_seconds",
		Help: "Unix time of the last fully successful pipeline run.",
	})

	f(r.recordsExtracted)
	f(r.outOfOrder)
	f(r.watermark)
	f(r.rowsLoaded)
	f(r.recordsRejected)
	f(r.tableRows)
	f(r.lockRetries)
	f(r.storageOps)
	f(r.readerSignals)
	f(r.stepRuns)
	f(r.stepDuration)
	f(r.lastSuccess)
	return r
}

func (r *Registry) RecordsExtracted(n int) {
	if r == nil {
		return
	}
	r.recordsExtracted.Add(float64(n))
}

func (r *Registry) OutOfOrder(n int) {
	if r == nil {
		return
	}
	r.outOfOrder.Add(float64(n))
}

func (r *Registry) Watermark(t time.Time) {
	if r == nil {
		return
	}
	r.watermark.Set(float64(t.UnixNano()) / 1e9)
}

func (r *Registry) Loaded(rows, total, rejected int64) {
	if r == nil {
		return
	}
	if rows > 0 {
		r.rowsLoaded.Add(float64(rows))
	}
	r.recordsRejected.Add(float64(rejected))
	r.tableRows.Set(float64(total))
}

func (r *Registry) LockRetry() {
	if r == nil {
		return
	}
	r.lockRetries.Inc()
}

func (r *Registry) StorageOp(op string, err error) {
	if r == nil {
		return
	}
	r.storageOps.WithLabelValues(op, status(err)).Inc()
}

func (r *Registry) ReaderSignal(action string, ok bool) {
	if r == nil {
		return
	}
	s := "success"
	if !ok {
		s = "failure"
	}
	r.readerSignals.WithLabelValues(action, s).Inc()
}

// Step records the outcome and duration of one pipeline step.
func (r *Registry) Step(step string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.stepRuns.WithLabelValues(step, status(err)).Inc()
	r.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (r *Registry) RunSucceeded(at time.Time) {
	if r == nil {
		return
	}
	r.lastSuccess.Set(float64(at.Unix()))
}

// WriteFile dumps the registry in text exposition format for a node
// exporter textfile collector. The write is atomic.
func (r *Registry) WriteFile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.reg)
}

// Handler serves the registry over HTTP.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
