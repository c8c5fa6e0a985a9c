package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/histograms for the deferred-messaging core.
type Metrics struct {
	outboundTotal    *prometheus.CounterVec
	jobTransitions   *prometheus.CounterVec
	producerRuns     *prometheus.CounterVec
	auditDivergences *prometheus.CounterVec
	claimBatchSize   prometheus.Histogram
	sendLatency      prometheus.Histogram
}

// New registers the core metrics on reg (DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapagenda",
			Subsystem: "delivery",
			Name:      "outbound_total",
			Help:      "Total outbound gateway sends",
		}, []string{"kind", "status"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapagenda",
			Subsystem: "jobs",
			Name:      "transitions_total",
			Help:      "Job state transitions applied by the worker",
		}, []string{"to"}),
		producerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapagenda",
			Subsystem: "producers",
			Name:      "runs_total",
			Help:      "Cron producer runs",
		}, []string{"producer", "status"}),
		auditDivergences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zapagenda",
			Subsystem: "audit",
			Name:      "divergences_total",
			Help:      "Divergences found by the audit reconciler",
		}, []string{"kind"}),
		claimBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zapagenda",
			Subsystem: "delivery",
			Name:      "claim_batch_size",
			Help:      "Jobs claimed per cycle",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50},
		}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zapagenda",
			Subsystem: "delivery",
			Name:      "send_latency_seconds",
			Help:      "Latency of outbound gateway calls",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.outboundTotal, m.jobTransitions, m.producerRuns, m.auditDivergences, m.claimBatchSize, m.sendLatency)
	return m
}

func (m *Metrics) ObserveOutbound(kind, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveProducerRun(producer, status string) {
	if m == nil {
		return
	}
	m.producerRuns.WithLabelValues(producer, status).Inc()
}

func (m *Metrics) ObserveDivergence(kind string) {
	if m == nil {
		return
	}
	m.auditDivergences.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveClaimBatch(n int) {
	if m == nil {
		return
	}
	m.claimBatchSize.Observe(float64(n))
}

func (m *Metrics) ObserveSendLatency(seconds float64) {
	if m == nil {
		return
	}
	m.sendLatency.Observe(seconds)
}
