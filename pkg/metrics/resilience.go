package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BreakerMetrics records circuit breaker activity per downstream service.
type BreakerMetrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	fallbacks   *prometheus.CounterVec
}

// NewBreakerMetrics registers circuit breaker metrics on the provided registerer.
func NewBreakerMetrics(reg prometheus.Registerer) *BreakerMetrics {
	if reg == nil {
		return &BreakerMetrics{}
	}
	state := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Current breaker state per service (0=closed, 1=open, 2=half_open).",
	}, []string{"service"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_transitions_total",
		Help: "Breaker state transitions by service and target state.",
	}, []string{"service", "to"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dependency_retries_total",
		Help: "Retry attempts against downstream services.",
	}, []string{"service"})
	fallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dependency_fallbacks_total",
		Help: "Calls served by a fallback path after downstream failure.",
	}, []string{"service"})
	reg.MustRegister(state, transitions, retries, fallbacks)
	return &BreakerMetrics{
		state:       state,
		transitions: transitions,
		retries:     retries,
		fallbacks:   fallbacks,
	}
}

// SetState records the breaker's current numeric state for the service.
func (b *BreakerMetrics) SetState(service string, state float64) {
	if b == nil || b.state == nil {
		return
	}
	b.state.WithLabelValues(normalizeLabel(service)).Set(state)
}

// IncTransition counts one state change toward the named state.
func (b *BreakerMetrics) IncTransition(service, to string) {
	if b == nil || b.transitions == nil {
		return
	}
	b.transitions.WithLabelValues(normalizeLabel(service), normalizeLabel(to)).Inc()
}

// IncRetry counts one retry attempt against the service.
func (b *BreakerMetrics) IncRetry(service string) {
	if b == nil || b.retries == nil {
		return
	}
	b.retries.WithLabelValues(normalizeLabel(service)).Inc()
}

// IncFallback counts one call answered by the degraded path.
func (b *BreakerMetrics) IncFallback(service string) {
	if b == nil || b.fallbacks == nil {
		return
	}
	b.fallbacks.WithLabelValues(normalizeLabel(service)).Inc()
}
