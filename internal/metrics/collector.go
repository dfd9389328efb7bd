// ABOUTME: Prometheus collector for agent calls, breaker states and connection counts.
// ABOUTME: Implements agent.Observer and serves the registry over HTTP.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/offload-gateway/internal/agent"
	"github.com/2389/offload-gateway/internal/breaker"
	"github.com/2389/offload-gateway/internal/protocol"
)

const namespace = "offload"

// Collector holds the gateway's metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	callDuration *prometheus.HistogramVec
	calls        *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	connections  *prometheus.GaugeVec
}

var _ agent.Observer = (*Collector)(nil)

// New creates a Collector with Go runtime and process metrics registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "call_duration_seconds",
			Help:      "Agent call latency by agent and event type",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"agent", "event"}),

		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "calls_total",
			Help:      "Agent calls by outcome",
		}, []string{"agent", "event", "outcome"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		}, []string{"agent"}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"agent", "from", "to"}),

		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "connections",
			Help:      "Healthy connections per agent",
		}, []string{"agent"}),
	}

	c.registry.MustRegister(
		c.callDuration,
		c.calls,
		c.breakerState,
		c.transitions,
		c.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveCall records one finished call. Skipped events count but carry no
// latency sample.
func (c *Collector) ObserveCall(agentName string, event protocol.EventType, outcome agent.Outcome, latency time.Duration) {
	ev := event.String()
	c.calls.WithLabelValues(agentName, ev, string(outcome)).Inc()
	if outcome != agent.OutcomeSkipped {
		c.callDuration.WithLabelValues(agentName, ev).Observe(latency.Seconds())
	}
}

// ObserveBreaker records a breaker transition.
func (c *Collector) ObserveBreaker(agentName string, from, to breaker.State) {
	c.breakerState.WithLabelValues(agentName).Set(float64(to))
	c.transitions.WithLabelValues(agentName, from.String(), to.String()).Inc()
}

// ObserveConnections records the healthy connection count of an agent.
func (c *Collector) ObserveConnections(agentName string, n int) {
	c.connections.WithLabelValues(agentName).Set(float64(n))
}

// Forget drops every series of a removed agent.
func (c *Collector) Forget(agentName string) {
	labels := prometheus.Labels{"agent": agentName}
	c.callDuration.DeletePartialMatch(labels)
	c.calls.DeletePartialMatch(labels)
	c.breakerState.DeletePartialMatch(labels)
	c.transitions.DeletePartialMatch(labels)
	c.connections.DeletePartialMatch(labels)
}
