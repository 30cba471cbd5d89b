// Package metrics exposes Prometheus counters and histograms for the
// dispatcher's crypto operations, so an embedding service can scrape
// ratchet/sender-key health without reaching into dispatcher internals.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EncryptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haven_encrypt_total",
			Help: "Total number of EncryptOutgoing calls",
		},
		[]string{"path", "result"}, // dm/group, ok/error
	)

	DecryptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haven_decrypt_total",
			Help: "Total number of DecryptIncoming calls",
		},
		[]string{"envelope_type", "result"},
	)

	DecryptErrorsByKind = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haven_decrypt_errors_total",
			Help: "Decrypt failures by error kind",
		},
		[]string{"kind"},
	)

	SenderKeyDistributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haven_sender_key_distributions_total",
			Help: "Total number of sender key distribution rounds",
		},
		[]string{"channel_id"},
	)

	GroupMessagesBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "haven_group_messages_buffered",
			Help: "Group envelopes currently held pending a chain gap",
		},
	)

	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "haven_operation_latency_seconds",
			Help:    "Dispatcher operation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~0.8s
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus scrape handler for an embedding
// service's own HTTP mux.
func Handler() http.Handler {
	return promhttp.Handler()
}
