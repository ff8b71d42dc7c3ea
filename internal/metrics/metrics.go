// Package metrics exposes Prometheus collectors for the settlement service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PayoutsAdmitted counts requests accepted into the queue, by chain
	PayoutsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_payouts_admitted_total",
		Help: "Payout requests admitted, by target chain",
	}, []string{"chain"})

	// PayoutsRejected counts admission rejections, by reason code
	PayoutsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_payouts_rejected_total",
		Help: "Payout requests rejected at admission, by reason",
	}, []string{"reason"})

	// PayoutsCompleted counts fully settled requests, by chain
	PayoutsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_payouts_completed_total",
		Help: "Payout requests settled, by target chain",
	}, []string{"chain"})

	// PayoutsFailed counts permanently failed requests, by chain
	PayoutsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_payouts_failed_total",
		Help: "Payout requests that exhausted retries, by target chain",
	}, []string{"chain"})

	// PayoutRetries counts retry attempts scheduled
	PayoutRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_payout_retries_total",
		Help: "Payout execution retries scheduled",
	})

	// PayoutsInFlight tracks requests currently processing or bridging
	PayoutsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_payouts_in_flight",
		Help: "Payout requests currently executing",
	})

	// PayoutAmount observes settled gross amounts in minor units
	PayoutAmount = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_payout_amount_minor_units",
		Help:    "Gross amounts of settled payouts, in minor units",
		Buckets: prometheus.ExponentialBuckets(100_000, 10, 6),
	}, []string{"chain"})

	// ConflictsDetected counts detected ledger conflicts, by impact
	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_conflicts_detected_total",
		Help: "Ledger conflicts detected by reconciliation, by impact",
	}, []string{"impact"})

	// ConflictsResolved counts resolved conflicts, by resolution kind
	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_conflicts_resolved_total",
		Help: "Ledger conflicts resolved, by resolution",
	}, []string{"resolution"})

	// ConflictsOpen tracks unresolved conflicts awaiting review
	ConflictsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_conflicts_open",
		Help: "Unresolved conflicts in the manual review queue",
	})

	// SweepDuration observes reconciliation sweep durations
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_reconcile_sweep_duration_seconds",
		Help:    "Duration of reconciliation sweeps",
		Buckets: prometheus.DefBuckets,
	}, []string{"record_type"})

	// RecordsMerged counts records merged by reconciliation sweeps
	RecordsMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_reconcile_records_merged_total",
		Help: "Records merged by reconciliation, by record type",
	}, []string{"record_type"})

	// EventsPublished counts domain events published, by subject
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_events_published_total",
		Help: "Domain events published, by subject",
	}, []string{"subject"})

	// NATSConnectionStatus is 1 when the NATS connection is up
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_nats_connection_status",
		Help: "NATS connection status (1 = connected)",
	})

	// HTTPRequestDuration observes API request durations
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "HTTP request durations, by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)
