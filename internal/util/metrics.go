package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RedemptionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redemptions_created_total",
		Help: "Total number of redemptions committed",
	})

	RedemptionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemptions_failed_total",
		Help: "Total number of failed redemption attempts",
	}, []string{"reason"})

	IdempotentReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_idempotent_replays_total",
		Help: "Total number of purchase requests answered from a prior result",
	}, []string{"source"})

	RedemptionTxLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "redemption_tx_latency_seconds",
		Help:    "Latency of the purchase transaction including retries",
		Buckets: prometheus.DefBuckets,
	})

	RedemptionTxRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redemption_tx_retries_total",
		Help: "Total number of purchase transaction retries after a serialization conflict",
	})

	RedemptionsFulfilledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redemptions_fulfilled_total",
		Help: "Total number of redemptions fulfilled by scan",
	})

	FulfillmentDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_denied_total",
		Help: "Total number of rejected scan or cancel attempts",
	}, []string{"reason"})

	RedemptionsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redemptions_cancelled_total",
		Help: "Total number of redemptions cancelled with refund",
	})

	BulkStatusUpdatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_bulk_status_updated_total",
		Help: "Total number of redemptions transitioned by bulk admin action",
	}, []string{"status"})

	PointsAdjustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_adjusted_total",
		Help: "Total number of ledger adjustments",
	}, []string{"reason"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Total number of outbound events written to the broker",
	}, []string{"type"})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_dropped_total",
		Help: "Total number of outbound events dropped",
	}, []string{"reason"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
