package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "attestation_queue_depth",
			Help: "Queue rows by status",
		},
		[]string{"status"},
	)

	// Tick metrics
	recordsProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attestation_records_processed_total",
			Help: "Queue rows admitted to processing",
		},
	)

	recordsSucceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attestation_records_succeeded_total",
			Help: "Records committed to the chain",
		},
	)

	recordsFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attestation_records_failed_total",
			Help: "Records that failed during a tick",
		},
	)

	recordsDeferredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attestation_records_deferred_total",
			Help: "Records reverted to pending by bundle thresholds",
		},
	)

	ticksSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attestation_ticks_skipped_total",
			Help: "Ticks skipped because a previous tick was still running",
		},
	)

	// Chain metrics
	chainSeq = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "attestation_chain_seq",
			Help: "Sequence number of the committed chain head",
		},
	)

	// Upload metrics
	uploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attestation_upload_duration_seconds",
			Help:    "Network upload duration per tick",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	bundleSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attestation_bundle_size_bytes",
			Help:    "Encoded size of uploaded bundles",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	// Wallet metrics
	walletBalanceAR = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "attestation_wallet_balance_ar",
			Help: "Wallet balance in AR from the last balance check",
		},
	)

	// Seeding metrics
	bundlesVerifiedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attestation_bundles_verified_total",
			Help: "Tracked bundles confirmed seeded",
		},
	)

	bundlesSeedFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "attestation_bundles_seed_failed_total",
			Help: "Tracked bundles that missed the seeding deadline",
		},
	)
)
