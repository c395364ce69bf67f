package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every ragdesk collector. It is kept apart from the global
// default registry so tests can read counters without cross talk.
var Registry = prometheus.NewRegistry()

var (
	// IngestOutcomes counts finished ingestion jobs by kind (process, batch,
	// rechunk) and terminal status.
	IngestOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragdesk",
		Name:      "ingest_outcomes_total",
		Help:      "Finished ingestion jobs by kind and resulting status.",
	}, []string{"kind", "status"})

	// CapabilityFallbacks counts capability lookups that could not use the
	// live retrieval service, by the source served instead.
	CapabilityFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragdesk",
		Name:      "capability_fallbacks_total",
		Help:      "Capability lookups served from a fallback source.",
	}, []string{"source"})

	// ChatResponses counts chat relays by final state.
	ChatResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragdesk",
		Name:      "chat_responses_total",
		Help:      "Chat responses by final state.",
	}, []string{"state"})

	// RetrievalDegraded counts chat turns whose context lookup failed and
	// continued without passages.
	RetrievalDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ragdesk",
		Name:      "retrieval_degraded_total",
		Help:      "Chat turns answered without context because retrieval failed.",
	})

	// ActiveTasks tracks background jobs currently running.
	ActiveTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragdesk",
		Name:      "active_tasks",
		Help:      "Background ingestion jobs currently running.",
	})
)

func init() {
	Registry.MustRegister(
		IngestOutcomes,
		CapabilityFallbacks,
		ChatResponses,
		RetrievalDegraded,
		ActiveTasks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
