package observability

import (
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lattice"

// Metrics holds the collectors exported by a host.
type Metrics struct {
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	policyDecisions    *prometheus.CounterVec
	linkTransitions    *prometheus.CounterVec
	linkDeliveries     *prometheus.CounterVec
	instances          *prometheus.GaugeVec
	heartbeats         *prometheus.CounterVec
	evictions          prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Invocations routed by this host, by contract and result.",
			},
			[]string{"contract_id", "result"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Latency of routed invocations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"contract_id", "dispatch"},
		),
		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Policy gate decisions by action, outcome and source.",
			},
			[]string{"action", "outcome", "source"},
		),
		linkTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "link_transitions_total",
				Help:      "Link state machine transitions.",
			},
			[]string{"from", "to"},
		),
		linkDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "link_deliveries_total",
				Help:      "Binding deliveries to providers by kind and result.",
			},
			[]string{"kind", "result"},
		),
		instances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "local_instances",
				Help:      "Instances running on this host.",
			},
			[]string{"kind"},
		),
		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Heartbeats published and received.",
			},
			[]string{"direction"},
		),
		evictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_evictions_total",
				Help:      "Remote hosts evicted after their lease expired.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.invocations,
			m.invocationDuration,
			m.policyDecisions,
			m.linkTransitions,
			m.linkDeliveries,
			m.instances,
			m.heartbeats,
			m.evictions,
		)
	}
	return m
}

// ObserveInvocation records the outcome of one routed call.
func (m *Metrics) ObserveInvocation(contractID, dispatch, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(contractID, result).Inc()
	if dispatch != "" {
		m.invocationDuration.WithLabelValues(contractID, dispatch).Observe(elapsed.Seconds())
	}
}

// ObservePolicy records a decision. source is "cache", "authority" or "revoked".
func (m *Metrics) ObservePolicy(action string, allowed bool, source string) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.policyDecisions.WithLabelValues(action, outcome, source).Inc()
}

// ObserveLinkTransition records a state change of a link definition.
func (m *Metrics) ObserveLinkTransition(from, to domain.LinkState) {
	if m == nil || from == to {
		return
	}
	m.linkTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveLinkDelivery records a put/update/delete call to a provider.
func (m *Metrics) ObserveLinkDelivery(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.linkDeliveries.WithLabelValues(kind, result).Inc()
}

// SetInstances sets the number of local instances of kind.
func (m *Metrics) SetInstances(kind domain.Kind, n int) {
	if m == nil {
		return
	}
	m.instances.WithLabelValues(kind.String()).Set(float64(n))
}

// ObserveHeartbeat counts a heartbeat; direction is "out" or "in".
func (m *Metrics) ObserveHeartbeat(direction string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(direction).Inc()
}

// ObserveEviction counts an evicted remote host.
func (m *Metrics) ObserveEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}
