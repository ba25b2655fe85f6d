package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCCallsTotal tracks RPC calls per network and endpoint
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"network", "endpoint", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per network and endpoint
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"network", "endpoint", "method"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network", "endpoint", "method"},
	)

	// RPCFailovers counts endpoint switches made by a failover probe
	RPCFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_rpc_failovers_total",
			Help: "Total number of RPC endpoint switches",
		},
		[]string{"network"},
	)

	// BreakerState is 0 closed, 1 open, 2 half-open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custody_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_breaker_rejections_total",
			Help: "Calls rejected by an open circuit breaker",
		},
		[]string{"name"},
	)

	// WSRoundTrip is the last measured ping/pong round trip
	WSRoundTrip = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custody_ws_rtt_seconds",
			Help: "Last WebSocket heartbeat round-trip time",
		},
		[]string{"network"},
	)

	WSReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_ws_reconnects_total",
			Help: "WebSocket reconnect attempts",
		},
		[]string{"network"},
	)

	// WalletsTotal mirrors the per-network wallet counters
	WalletsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custody_wallets_total",
			Help: "Wallets created per network",
		},
		[]string{"network"},
	)

	WalletCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_wallet_cache_lookups_total",
			Help: "Decrypted wallet cache lookups by result",
		},
		[]string{"result"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custody_dispatch_queue_depth",
			Help: "Transactions waiting in a network queue",
		},
		[]string{"network"},
	)

	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_dispatch_transactions_total",
			Help: "Settled transactions by status",
		},
		[]string{"network", "status"},
	)

	SubmitLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_dispatch_submit_seconds",
			Help:    "Time from dequeue to settlement",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"network"},
	)

	// GasPrice is the last snapshot price in the network's smallest unit
	GasPrice = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "custody_gas_price",
			Help: "Last gas price snapshot in the smallest native unit",
		},
		[]string{"network", "source"},
	)

	// DBConnectionPoolUsage tracks database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custody_db_connection_pool_usage_percentage",
			Help: "Percentage of database connection pool in use",
		},
	)
)
