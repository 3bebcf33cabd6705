package sessions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filemon",
		Name:      "sessions_started_total",
		Help:      "Sessions created by a start request.",
	})
	sessionsResumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filemon",
		Name:      "sessions_resumed_total",
		Help:      "Start requests folded into an already open session.",
	})
	startRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filemon",
		Name:      "session_start_retries_total",
		Help:      "Start attempts retried after a uniqueness or serialization failure.",
	})
	heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filemon",
		Name:      "heartbeats_total",
		Help:      "Heartbeats by outcome.",
	}, []string{"outcome"})
	sessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filemon",
		Name:      "sessions_closed_total",
		Help:      "Sessions closed explicitly.",
	})
	sessionsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filemon",
		Name:      "sessions_reclaimed_total",
		Help:      "Sessions force-closed by the reclaimer.",
	})
	reclaimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "filemon",
		Name:      "reclaim_sweep_duration_seconds",
		Help:      "Duration of reclaim sweeps.",
		Buckets:   prometheus.DefBuckets,
	})
	commentsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filemon",
		Name:      "comments_added_total",
		Help:      "Comments bound to sessions by change type.",
	}, []string{"change_type"})
)
