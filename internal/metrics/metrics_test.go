package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Upload(ResultOK)
	m.Upload(ResultOK)
	m.Upload(ResultTooLarge)
	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved()
	m.EventPublished()
	m.SubscriberDropped()
	m.UploadBytes(1024)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.uploads.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues(ResultTooLarge)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscribersDrops))
	assert.Equal(t, 1, testutil.CollectAndCount(m.uploadBytes))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Upload(ResultOK)
		m.UploadBytes(1)
		m.SubscriberAdded()
		m.SubscriberRemoved()
		m.EventPublished()
		m.SubscriberDropped()
	})
}
