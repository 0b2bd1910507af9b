package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg              *prometheus.Registry
	Batches          prometheus.Counter
	BatchesFailed    prometheus.Counter
	EventsProcessed  prometheus.Counter
	RecordsWritten   prometheus.Counter
	WritesSkipped    prometheus.Counter
	BatchDurationSec prometheus.Histogram

	EventsPublished     prometheus.Counter
	EventPublishFailure prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	batches := prometheus.NewCounter(prometheus.CounterOpts{Name: "tracking_batches_total"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "tracking_batches_failed_total"})
	events := prometheus.NewCounter(prometheus.CounterOpts{Name: "tracking_events_processed_total"})
	written := prometheus.NewCounter(prometheus.CounterOpts{Name: "tracking_records_written_total"})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "tracking_writes_unauthorized_total"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracking_batch_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})
	published := prometheus.NewCounter(prometheus.CounterOpts{Name: "enrollment_events_published_total"})
	publishFailed := prometheus.NewCounter(prometheus.CounterOpts{Name: "enrollment_events_publish_failed_total"})

	r.MustRegister(batches, failed, events, written, skipped, duration, published, publishFailed)
	return &Registry{
		reg:                 r,
		Batches:             batches,
		BatchesFailed:       failed,
		EventsProcessed:     events,
		RecordsWritten:      written,
		WritesSkipped:       skipped,
		BatchDurationSec:    duration,
		EventsPublished:     published,
		EventPublishFailure: publishFailed,
	}
}

// ObserveBatch records the outcome of one tracking batch.
func (r *Registry) ObserveBatch(d time.Duration, processed int, written int64, unauthorized, failed bool) {
	r.Batches.Inc()
	r.BatchDurationSec.Observe(d.Seconds())
	r.EventsProcessed.Add(float64(processed))
	r.RecordsWritten.Add(float64(written))
	if unauthorized {
		r.WritesSkipped.Inc()
	}
	if failed {
		r.BatchesFailed.Inc()
	}
}

// ObservePublish records one enrollment event publish attempt.
func (r *Registry) ObservePublish(ok bool) {
	if ok {
		r.EventsPublished.Inc()
		return
	}
	r.EventPublishFailure.Inc()
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
