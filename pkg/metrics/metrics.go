// Package metrics exposes settlement counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the settlement collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	settlements prometheus.Counter
	legs        prometheus.Counter
	rejections  *prometheus.CounterVec
	cancels     prometheus.Counter
	duration    prometheus.Histogram
}

// New registers the collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r := newRecorder(reg)
	r.gatherer = reg
	return r
}

func newRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypersettle",
			Name:      "settlements_total",
			Help:      "Settlement batches committed.",
		}),
		legs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypersettle",
			Name:      "settlement_legs_total",
			Help:      "Maker legs committed across all settlements.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypersettle",
			Name:      "settlement_rejections_total",
			Help:      "Settlement and cancellation calls rejected, by error kind.",
		}, []string{"kind"}),
		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypersettle",
			Name:      "cancellations_total",
			Help:      "Orders cancelled by their owner.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hypersettle",
			Name:      "settlement_duration_seconds",
			Help:      "Wall time of committed settlement calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	reg.MustRegister(r.settlements, r.legs, r.rejections, r.cancels, r.duration)
	return r
}

func (r *Recorder) Settled(legs int, took time.Duration) {
	if r == nil {
		return
	}
	r.settlements.Inc()
	r.legs.Add(float64(legs))
	r.duration.Observe(took.Seconds())
}

func (r *Recorder) Rejected(kind string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(kind).Inc()
}

func (r *Recorder) Cancelled() {
	if r == nil {
		return
	}
	r.cancels.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil || r.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
