package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var taskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fincore_scheduler_task_failures_total",
	Help: "Count of periodic task runs that returned an error.",
}, []string{"task"})
