package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rpcFailoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fincore_rpc_failovers_total",
		Help: "Number of times an RPC operation failed over to a backup provider",
	})
	rpcCallLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fincore_rpc_call_latency_milliseconds",
		Help:    "Captures latency of outbound RPC calls in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})
	paymentsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fincore_payments_sent_total",
		Help: "Outbound payments by final status",
	}, []string{"status"})
	transferScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fincore_transfer_scans_total",
		Help: "Number of transfer-log scan operations executed",
	})
)
