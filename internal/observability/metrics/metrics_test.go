package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOutbound("pre_visit", "sent")
	m.ObserveOutbound("pre_visit", "sent")
	m.ObserveTransition("sent")
	m.ObserveDivergence("missing_notification")
	m.ObserveClaimBatch(5)
	m.ObserveSendLatency(0.2)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.outboundTotal.WithLabelValues("pre_visit", "sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobTransitions.WithLabelValues("sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.auditDivergences.WithLabelValues("missing_notification")))
}

func TestNilReceiverSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOutbound("x", "y")
		m.ObserveTransition("sent")
		m.ObserveProducerRun("previsit", "ok")
		m.ObserveDivergence("orphan_notification")
		m.ObserveClaimBatch(1)
		m.ObserveSendLatency(0.1)
	})
}
