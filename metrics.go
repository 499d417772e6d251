package redispatch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	refreshTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redispatch_topology_refresh_total",
		Help: "Total number of successful topology refreshes",
	})

	refreshFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redispatch_topology_refresh_failed_total",
		Help: "Total number of refreshes that failed on every seed node",
	})

	refreshStaleTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redispatch_topology_refresh_stale_total",
		Help: "Total number of refresh requests answered by an already-completed refresh",
	})

	movedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redispatch_redirect_moved_total",
		Help: "Total number of MOVED replies observed",
	})

	askTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redispatch_redirect_ask_total",
		Help: "Total number of ASK replies followed",
	})

	clusterDownTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redispatch_clusterdown_total",
		Help: "Total number of CLUSTERDOWN replies observed",
	})

	retryTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redispatch_retry_surfaced_total",
		Help: "Total number of calls that surfaced a retriable error",
	})

	poolsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redispatch_pools_created_total",
		Help: "Total number of connection pools created",
	})

	fanoutNodesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redispatch_flushdb_nodes_total",
		Help: "Total number of nodes addressed by flushdb fan-outs",
	})
)

var registerOnce sync.Once

// RegisterMetrics registers the package collectors with r. Safe to call more
// than once; only the first call registers.
func RegisterMetrics(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			refreshTotal,
			refreshFailedTotal,
			refreshStaleTotal,
			movedTotal,
			askTotal,
			clusterDownTotal,
			retryTotal,
			poolsCreatedTotal,
			fanoutNodesTotal,
		)
	})
}
