package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roborio",
			Subsystem: "ledger",
			Name:      "rpc_calls_total",
			Help:      "Solana RPC calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roborio",
			Subsystem: "ledger",
			Name:      "rpc_duration_seconds",
			Help:      "Solana RPC call latency by method.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method"},
	)

	detections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roborio",
			Subsystem: "ledger",
			Name:      "network_detections_total",
			Help:      "Wallet network detections by winning strategy (\"none\" when inconclusive).",
		},
		[]string{"strategy"},
	)
)

func init() {
	prometheus.MustRegister(rpcCalls, rpcDuration, detections)
}

// observeCall times one RPC call and returns a function recording its outcome.
func observeCall(method string) func(err error) {
	start := time.Now()
	return func(err error) {
		rpcDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		rpcCalls.WithLabelValues(method, outcome).Inc()
	}
}
