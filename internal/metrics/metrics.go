// ABOUTME: Prometheus collectors for cluster messaging and worker client calls.
// ABOUTME: Exposed by the master on the configured metrics path.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "egg"

// Registry holds every collector of this process. Only the master serves it,
// so counters bumped inside forked worker processes are not scraped; thread
// workers share the master's process and show up on its metrics path.
var Registry = prometheus.NewRegistry()

var (
	// MessagesSent counts envelopes handed to a transport.
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "messenger",
		Name:      "messages_sent_total",
		Help:      "Envelopes sent, by sender role and transport.",
	}, []string{"role", "transport"})

	// MessagesReceived counts envelopes emitted to local listeners.
	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "messenger",
		Name:      "messages_received_total",
		Help:      "Envelopes delivered to local listeners, by receiver role and transport.",
	}, []string{"role", "transport"})

	// MessagesDropped counts malformed inbound frames.
	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "messenger",
		Name:      "messages_dropped_total",
		Help:      "Inbound frames dropped because they lacked a string action.",
	}, []string{"role"})

	// InvokeTotal counts worker client invocations by outcome.
	InvokeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workerclient",
		Name:      "invocations_total",
		Help:      "Agent invocations issued by application workers, by client and outcome.",
	}, []string{"client", "outcome"})

	// InvokePending tracks in-flight invocations.
	InvokePending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "workerclient",
		Name:      "pending_invocations",
		Help:      "Invocations waiting for a response or a timeout.",
	}, []string{"client"})

	// WorkerRestarts counts workers re-forked by the master.
	WorkerRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "master",
		Name:      "worker_restarts_total",
		Help:      "Workers restarted after an unexpected exit, by role.",
	}, []string{"role"})

	// Workers tracks live workers per role.
	Workers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "master",
		Name:      "workers",
		Help:      "Live workers, by role.",
	}, []string{"role"})
)

// Invocation outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
	OutcomeOneway  = "oneway"
	OutcomeCancel  = "canceled"
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		MessagesSent,
		MessagesReceived,
		MessagesDropped,
		InvokeTotal,
		InvokePending,
		WorkerRestarts,
		Workers,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
