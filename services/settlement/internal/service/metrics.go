// Package service holds the Prometheus collectors shared by the settlement
// components. A nil *Metrics is valid and records nothing.
package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Reservations   *prometheus.CounterVec
	Auctions       *prometheus.CounterVec
	Bids           *prometheus.CounterVec
	Purchases      *prometheus.CounterVec
	Payouts        *prometheus.CounterVec
	ReferralLegs   *prometheus.CounterVec
	ExternalCalls  *prometheus.CounterVec
	ExternalRetry  *prometheus.CounterVec
	Dispatches     *prometheus.CounterVec
	CascadeTasks   *prometheus.CounterVec
	OracleRequests *prometheus.CounterVec
	JobRuns        *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_reservations_total",
				Help: "Reservation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		Auctions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_auctions_resolved_total",
				Help: "Auction resolution attempts by outcome.",
			},
			[]string{"outcome"},
		),
		Bids: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_bids_total",
				Help: "Bids placed by status.",
			},
			[]string{"status"},
		),
		Purchases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_purchases_total",
				Help: "Purchase submissions and transitions by status.",
			},
			[]string{"status"},
		),
		Payouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_payouts_total",
				Help: "Creator payout distributions by status.",
			},
			[]string{"status"},
		),
		ReferralLegs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_referral_legs_total",
				Help: "Referral cascade legs by status.",
			},
			[]string{"status"},
		),
		ExternalCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_external_calls_total",
				Help: "Chain and oracle calls by operation and status.",
			},
			[]string{"op", "status"},
		),
		ExternalRetry: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_external_call_retries_total",
				Help: "Retries of external calls by operation.",
			},
			[]string{"op"},
		),
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_cascade_dispatches_total",
				Help: "Referral cascade dispatches by dispatcher kind and status.",
			},
			[]string{"kind", "status"},
		),
		CascadeTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_cascade_tasks_total",
				Help: "Consumed referral cascade tasks by status.",
			},
			[]string{"status"},
		),
		OracleRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_oracle_requests_total",
				Help: "Reference rate lookups by result.",
			},
			[]string{"result"},
		),
		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_cron_runs_total",
				Help: "Scheduled job runs by job and status.",
			},
			[]string{"job", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_cron_duration_seconds",
				Help:    "Scheduled job duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
	}

	registry.MustRegister(
		m.Reservations,
		m.Auctions,
		m.Bids,
		m.Purchases,
		m.Payouts,
		m.ReferralLegs,
		m.ExternalCalls,
		m.ExternalRetry,
		m.Dispatches,
		m.CascadeTasks,
		m.OracleRequests,
		m.JobRuns,
		m.JobDuration,
	)
	return m
}

func (m *Metrics) ObserveReservation(outcome string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAuction(outcome string) {
	if m == nil {
		return
	}
	m.Auctions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBid(status string) {
	if m == nil {
		return
	}
	m.Bids.WithLabelValues(status).Inc()
}

func (m *Metrics) ObservePurchase(status string) {
	if m == nil {
		return
	}
	m.Purchases.WithLabelValues(status).Inc()
}

func (m *Metrics) ObservePayout(status string) {
	if m == nil {
		return
	}
	m.Payouts.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveReferralLeg(status string) {
	if m == nil {
		return
	}
	m.ReferralLegs.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveExternalCall(op, status string) {
	if m == nil {
		return
	}
	m.ExternalCalls.WithLabelValues(op, status).Inc()
}

func (m *Metrics) ObserveRetry(op string) {
	if m == nil {
		return
	}
	m.ExternalRetry.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveDispatch(kind, status string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveCascadeTask(status string) {
	if m == nil {
		return
	}
	m.CascadeTasks.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveOracle(result string) {
	if m == nil {
		return
	}
	m.OracleRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveJob(name, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(name, status).Inc()
	m.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}
