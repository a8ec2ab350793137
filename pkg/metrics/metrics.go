package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openclaw_coordinator_build_info",
			Help: "Build information of the OpenClawEffect round coordinator",
		},
		[]string{"version", "commit", "date"},
	)

	PushSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openclaw_coordinator_push_submissions_total",
			Help: "Total number of push submissions by source and result",
		},
		[]string{"source", "result"},
	)

	VerifierAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openclaw_coordinator_verifier_attempts_total",
			Help: "Total number of on-chain verification attempts by outcome",
		},
		[]string{"outcome"},
	)

	SchedulerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openclaw_coordinator_scheduler_ticks_total",
			Help: "Total number of scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)

	RoundsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openclaw_coordinator_rounds_resolved_total",
			Help: "Total number of rounds resolved by final status",
		},
		[]string{"status"},
	)

	DisbursementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openclaw_coordinator_disbursements_total",
			Help: "Total number of disbursement sends by status",
		},
		[]string{"status"},
	)

	PayoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "openclaw_coordinator_payout_duration_seconds",
			Help:    "Duration of payout resolution in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openclaw_coordinator_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)
