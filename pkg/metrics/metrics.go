package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Build outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeTruncated = "truncated"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Rule outcomes.
const (
	RuleOK      = "ok"
	RuleError   = "error"
	RuleTimeout = "timeout"
	RulePanic   = "panic"
)

var (
	buildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubegraph_builds_total",
			Help: "The total number of graph builds, labeled by build mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	buildNodes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubegraph_build_nodes",
			Help:    "Number of nodes in each built graph",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	ruleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubegraph_rule_runs_total",
			Help: "The total number of discovery rule invocations, labeled by rule and outcome",
		},
		[]string{"rule", "outcome"},
	)

	ruleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubegraph_rule_duration_seconds",
			Help:    "Time spent in each discovery rule invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rule"},
	)

	backendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubegraph_backend_requests_total",
			Help: "The total number of API reads issued by the cluster backend, labeled by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)

	watchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubegraph_watch_events_total",
			Help: "The total number of resource events observed by graph watchers, labeled by resource, event type and cluster",
		},
		[]string{"resource", "eventType", "clusterName"},
	)

	permissionDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubegraph_permission_denied_total",
			Help: "The total number of reads rejected by access control during builds, labeled by resource kind",
		},
		[]string{"kind"},
	)
)

// ObserveBuild records a finished build.
func ObserveBuild(mode, outcome string, nodes int) {
	buildsTotal.WithLabelValues(mode, outcome).Inc()
	if outcome != OutcomeError {
		buildNodes.Observe(float64(nodes))
	}
}

// ObserveRule records one rule invocation.
func ObserveRule(rule, outcome string, took time.Duration) {
	ruleRuns.WithLabelValues(rule, outcome).Inc()
	ruleDuration.WithLabelValues(rule).Observe(took.Seconds())
}

// ObserveRequest records one backend read. Outcomes are "ok", "not_found",
// "denied" and "error".
func ObserveRequest(verb, outcome string) {
	backendRequests.WithLabelValues(verb, outcome).Inc()
}

// ObserveWatchEvent records a resource event seen by a graph watcher.
func ObserveWatchEvent(resource, eventType, cluster string) {
	watchEvents.WithLabelValues(resource, eventType, cluster).Inc()
}

// PermissionDenied records a rejected read of kind.
func PermissionDenied(kind string) {
	permissionDenied.WithLabelValues(kind).Inc()
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
