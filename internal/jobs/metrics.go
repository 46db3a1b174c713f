package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_jobs_submitted_total",
		Help: "Total number of jobs accepted by ingress",
	})
	Running = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "image_jobs_running",
		Help: "Number of jobs currently being processed",
	})
	SucceededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_jobs_succeeded_total",
		Help: "Total number of jobs that produced a result artifact",
	})
	FailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_jobs_failed_total",
		Help: "Total number of jobs that ended in a failed state",
	})
	RedeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_jobs_redelivered_total",
		Help: "Total number of descriptors delivered more than once",
	})
	ReclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_jobs_reclaimed_total",
		Help: "Total number of stale running jobs taken over by a new worker",
	})
)

func init() {
	prometheus.MustRegister(SubmittedTotal, Running, SucceededTotal, FailedTotal, RedeliveredTotal, ReclaimedTotal)
}
