package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flowsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowmium_flows_created_total",
		Help: "Number of flows accepted and stored in pending state.",
	})

	tasksSpawnedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowmium_tasks_spawned_total",
		Help: "Number of task jobs submitted to Kubernetes.",
	})

	taskSpawnFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowmium_task_spawn_failures_total",
		Help: "Number of task jobs that could not be submitted to Kubernetes.",
	})

	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowmium_executor_ticks_total",
		Help: "Number of executor passes over running or pending flows.",
	})

	taskTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmium_task_transitions_total",
		Help: "Number of task status transitions recorded by the executor.",
	}, []string{"status"})
)
