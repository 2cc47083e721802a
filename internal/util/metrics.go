package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FunnelSessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funnel_sessions_started_total",
		Help: "Total number of funnel sessions started",
	})

	FunnelSessionsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funnel_sessions_completed_total",
		Help: "Total number of funnel sessions that exhausted their steps",
	})

	FunnelSessionsAbandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funnel_sessions_abandoned_total",
		Help: "Total number of funnel sessions marked abandoned by the reaper",
	})

	FunnelStepResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_step_responses_total",
		Help: "Funnel step responses by step type and outcome",
	}, []string{"step_type", "outcome"})

	FunnelRevenueCentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "funnel_revenue_cents_total",
		Help: "Revenue recorded from accepted funnel steps, in cents",
	})

	FunnelConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_conflicts_total",
		Help: "Rejected concurrent modifications of funnel sessions",
	}, []string{"reason"})

	PurchasesRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_recorded_total",
		Help: "Total number of purchases recorded in the ledger",
	}, []string{"source"})

	DownloadGrantsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_grants_total",
		Help: "Total number of download grants issued",
	})

	PaymentGatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	PaymentGatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_gateway_errors_total",
		Help: "Total number of failed payment gateway calls",
	}, []string{"operation"})

	AnalyticsFunnelFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_funnel_failures_total",
		Help: "Funnels reported with zeroed metrics because their data failed to load",
	})

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
