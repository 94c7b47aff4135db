// Package telemetry exposes the module's Prometheus metrics and the
// /metrics HTTP endpoint that serves them.
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PartitionsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kmux",
		Name:      "partitions_pending",
		Help:      "Partitions assigned but not yet emitted downstream.",
	})
	PartitionsStartup = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kmux",
		Name:      "partitions_startup",
		Help:      "Partitions emitted downstream whose SubSource has not yet reported started.",
	})
	PartitionsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kmux",
		Name:      "partitions_running",
		Help:      "Partitions with a running SubSource.",
	})
	PartitionsToRevoke = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kmux",
		Name:      "partitions_to_revoke",
		Help:      "Partitions in the grace window awaiting forced shutdown.",
	})
	GraceTimerFires = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kmux",
		Name:      "grace_timer_fires_total",
		Help:      "Number of times the revoke grace-window timer has fired.",
	})
	RevokeBatchesMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kmux",
		Name:      "revoke_batches_merged_total",
		Help:      "Number of revoke notifications that arrived while a grace-window timer was already pending.",
	})
	SeekLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kmux",
		Name:      "seek_latency_seconds",
		Help:      "Latency of the seek-on-assign ask to the ConsumerActor.",
		Buckets:   prometheus.DefBuckets,
	})
	ConsumerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kmux",
		Name:      "consumer_failed_total",
		Help:      "Number of times the ConsumerActor has terminated.",
	})
)

func init() {
	prometheus.MustRegister(
		PartitionsPending,
		PartitionsStartup,
		PartitionsRunning,
		PartitionsToRevoke,
		GraceTimerFires,
		RevokeBatchesMerged,
		SeekLatency,
		ConsumerFailures,
	)
}

// Expose serves the registered metrics on /metrics until the process exits.
func Expose(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
	}()
}
