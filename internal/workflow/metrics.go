package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vodflow_workflow_transitions_total",
		Help: "Accepted workflow transitions by source and target state.",
	}, []string{"from", "to"})

	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vodflow_workflow_rejections_total",
		Help: "Events rejected by the transition table, by state and event.",
	}, []string{"state", "event"})

	engineErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vodflow_workflow_engine_errors_total",
		Help: "Hard engine errors during event processing.",
	})
)
