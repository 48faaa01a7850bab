// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthorizationsTotal counts authorization attempts by phase (start, callback) and outcome.
	AuthorizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squad_x_authorizations_total",
		Help: "The total number of X authorization attempts",
	}, []string{"phase", "outcome"})

	// TokenRefreshTotal counts access token refreshes by outcome.
	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squad_x_token_refresh_total",
		Help: "The total number of X access token refreshes",
	}, []string{"outcome"})

	// ActionsTotal counts outbound actions by kind and outcome.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squad_x_actions_total",
		Help: "The total number of outbound X actions",
	}, []string{"kind", "outcome"})

	// ActionDuration tracks adapter call latency per action kind.
	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "squad_x_action_duration_seconds",
		Help:    "Latency of outbound X action calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ModerationVerdictsTotal counts classifier verdicts by content class and verdict.
	ModerationVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squad_x_moderation_verdicts_total",
		Help: "The total number of moderation verdicts",
	}, []string{"content", "verdict"})
)

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)
