package progress

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus records transitions and worker calls as Prometheus metrics.
type Prometheus struct {
	transitionsTotal *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	failuresTotal    *prometheus.CounterVec
	workerCalls      *prometheus.CounterVec
	workerDuration   *prometheus.HistogramVec
	queueWaitTime    *prometheus.HistogramVec
}

// NewPrometheus registers the pipeline metrics with reg. A nil reg uses the default registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Prometheus{
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codepipe_transitions_total",
				Help: "Total number of task state transitions by source and target state",
			},
			[]string{"from", "to"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codepipe_stage_duration_seconds",
				Help:    "Duration of stage attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage", "outcome"},
		),
		failuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codepipe_stage_failures_total",
				Help: "Total number of failed stage attempts by error kind",
			},
			[]string{"stage", "kind"},
		),
		workerCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codepipe_worker_requests_total",
				Help: "Total number of worker endpoint calls by stage and status",
			},
			[]string{"stage", "status"},
		),
		workerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codepipe_worker_request_duration_seconds",
				Help:    "Duration of worker endpoint calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		queueWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codepipe_admission_wait_seconds",
				Help:    "Time spent queued at the admission gate",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
	}
}

// Record counts the transition and, for completed attempts, observes their duration.
func (p *Prometheus) Record(_ context.Context, ev Event) {
	p.transitionsTotal.WithLabelValues(string(ev.From), string(ev.To)).Inc()
	if ev.Stage == "" || ev.Duration <= 0 {
		return
	}
	outcome := "success"
	if ev.ErrorKind != "" {
		outcome = "failure"
		p.failuresTotal.WithLabelValues(string(ev.Stage), ev.ErrorKind).Inc()
	}
	p.stageDuration.WithLabelValues(string(ev.Stage), outcome).Observe(ev.Duration.Seconds())
}

// ObserveWorkerCall records one worker endpoint call.
func (p *Prometheus) ObserveWorkerCall(stage, status string, duration time.Duration) {
	p.workerCalls.WithLabelValues(stage, status).Inc()
	p.workerDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveQueueWait records time spent waiting for admission.
func (p *Prometheus) ObserveQueueWait(stage string, wait time.Duration) {
	p.queueWaitTime.WithLabelValues(stage).Observe(wait.Seconds())
}
