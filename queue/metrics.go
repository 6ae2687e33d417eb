package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rwqueue"

// Failure stages for localFailures.
const (
	stageMemory = "memory"
	stageFormat = "format"
	stageSend   = "send"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Requests delivered to the queue.",
	}, []string{"direction"})

	localFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "local_failures_total",
		Help:      "Requests completed by the queue before reaching the pipe.",
	}, []string{"direction", "stage"})

	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "completions_total",
		Help:      "Request completions by transfer status.",
	}, []string{"status"})

	stopNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stop_notifications_total",
		Help:      "Stop notifications received for in-flight requests.",
	}, []string{"action"})
)
