// Package metrics holds the Prometheus collectors shared by the scheduler, the swarm
// manager and the node server. They register with the default registry and are
// exposed by the web server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarmcrew",
		Name:      "tasks_total",
		Help:      "Finished tasks by final status",
	}, []string{"status"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swarmcrew",
		Name:      "task_duration_seconds",
		Help:      "Wall time of dispatched tasks by agent",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4m
	}, []string{"agent"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarmcrew",
		Name:      "runs_total",
		Help:      "Finished runs by outcome",
	}, []string{"status"})

	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "swarmcrew",
		Name:      "tasks_in_flight",
		Help:      "Tasks currently dispatched and not yet finished",
	})

	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarmcrew",
		Name:      "dispatch_attempts_total",
		Help:      "Swarm dispatch attempts by outcome",
	}, []string{"outcome"})

	Requeues = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "swarmcrew",
		Name:      "requeues_total",
		Help:      "Tasks reassigned after their node became unreachable",
	})

	NodeStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swarmcrew",
		Name:      "nodes",
		Help:      "Registered nodes by status",
	}, []string{"status"})

	RPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swarmcrew",
		Name:      "rpc_duration_seconds",
		Help:      "Node RPC latency by method and result code",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"side", "method", "code"})
)
