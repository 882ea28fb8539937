package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "slotwall"

// Upload results used as the "result" label.
const (
	ResultOK          = "ok"
	ResultInvalidSlot = "invalid_slot"
	ResultBadType     = "unsupported_media_type"
	ResultTooLarge    = "payload_too_large"
	ResultStorage     = "storage_error"
	ResultCanceled    = "canceled"
)

// Metrics groups every collector the server exports. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	uploads          *prometheus.CounterVec
	uploadBytes      prometheus.Histogram
	subscribers      prometheus.Gauge
	eventsPublished  prometheus.Counter
	subscribersDrops prometheus.Counter
}

// New registers the collectors on reg. Go runtime and process collectors are
// added too so /metrics is useful on its own.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Slot uploads by result.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_bytes",
			Help:      "Size of committed slot images.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 4, 6),
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Currently connected live-update subscribers.",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Change events fanned out by the hub.",
		}),
		subscribersDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers removed because their backlog was full.",
		}),
	}
	reg.MustRegister(
		m.uploads,
		m.uploadBytes,
		m.subscribers,
		m.eventsPublished,
		m.subscribersDrops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Upload(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) UploadBytes(n int64) {
	if m == nil {
		return
	}
	m.uploadBytes.Observe(float64(n))
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) EventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.subscribersDrops.Inc()
}
