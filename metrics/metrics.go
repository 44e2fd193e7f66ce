package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StmtPrepareTotal counts COM_STMT_PREPARE requests by hostgroup and
	// whether they were deduplicated against a live descriptor
	StmtPrepareTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqstmtproxy_stmt_prepare_total",
			Help: "Total number of prepare requests processed",
		},
		[]string{"hostgroup", "dedup"},
	)

	// StmtExecuteTotal counts COM_STMT_EXECUTE requests by hostgroup and
	// whether the result came from the cache
	StmtExecuteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqstmtproxy_stmt_execute_total",
			Help: "Total number of execute requests processed",
		},
		[]string{"hostgroup", "cached"},
	)

	// StmtCloseTotal counts COM_STMT_CLOSE requests
	StmtCloseTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqstmtproxy_stmt_close_total",
			Help: "Total number of statement close requests",
		},
	)

	// StmtReprepareTotal counts lazy re-prepares: executes that found no
	// backend-local handle on the connection and had to prepare again from
	// the descriptor's cached query text
	StmtReprepareTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqstmtproxy_stmt_reprepare_total",
			Help: "Total number of lazy re-prepares on execute",
		},
		[]string{"hostgroup"},
	)

	// StmtLive tracks the number of live statement descriptors
	StmtLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tqstmtproxy_stmt_live",
			Help: "Number of live prepared statement descriptors",
		},
	)

	// StmtIssued tracks the number of stable statement ids ever allocated
	StmtIssued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tqstmtproxy_stmt_issued_total",
			Help: "Stable statement ids ever allocated (monotonic)",
		},
	)

	// ExecuteLatency tracks execute latency by hostgroup
	ExecuteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tqstmtproxy_stmt_execute_latency_seconds",
			Help:    "Execute latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"hostgroup"},
	)

	// BackendQueries counts statements sent to backends by hostgroup and replica
	BackendQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqstmtproxy_backend_queries_total",
			Help: "Total statements sent to backend databases",
		},
		[]string{"hostgroup", "replica"},
	)

	// ReplicaHealthy reports replica health by hostgroup and address
	ReplicaHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tqstmtproxy_replica_healthy",
			Help: "Whether a replica is healthy (1) or not (0)",
		},
		[]string{"hostgroup", "replica"},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(StmtPrepareTotal)
		prometheus.MustRegister(StmtExecuteTotal)
		prometheus.MustRegister(StmtCloseTotal)
		prometheus.MustRegister(StmtReprepareTotal)
		prometheus.MustRegister(StmtLive)
		prometheus.MustRegister(StmtIssued)
		prometheus.MustRegister(ExecuteLatency)
		prometheus.MustRegister(BackendQueries)
		prometheus.MustRegister(ReplicaHealthy)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
