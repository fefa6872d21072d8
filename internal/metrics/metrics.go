// Package metrics exposes Prometheus instrumentation for the sysadm
// core: queue depth, job outcomes, event throughput, and tailer health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the registry and collectors for one running instance.
// Unlike the teacher's package-level global, this is constructed
// explicitly at bootstrap and passed to every component that reports
// through it (spec §9 "Globals" redesign note).
type Recorder struct {
	registry *prometheus.Registry

	queueDepth     *prometheus.GaugeVec
	jobsStarted    *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	eventsEmitted  *prometheus.CounterVec
	tailerLagBytes *prometheus.GaugeVec
	probeFailures  *prometheus.CounterVec
}

// New builds a Recorder with its own private registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()

	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sysadm",
		Subsystem: "dispatcher",
		Name:      "queue_depth",
		Help:      "Number of non-finished jobs currently held in a queue.",
	}, []string{"queue"})

	jobsStarted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sysadm",
		Subsystem: "dispatcher",
		Name:      "jobs_started_total",
		Help:      "Total jobs that have begun running, by queue.",
	}, []string{"queue"})

	jobsFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sysadm",
		Subsystem: "dispatcher",
		Name:      "jobs_finished_total",
		Help:      "Total jobs that have reached finished, by queue and outcome.",
	}, []string{"queue", "outcome"})

	eventsEmitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sysadm",
		Subsystem: "event_watcher",
		Name:      "events_emitted_total",
		Help:      "Total events emitted, by type.",
	}, []string{"type"})

	tailerLagBytes := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sysadm",
		Subsystem: "tailer",
		Name:      "lag_bytes",
		Help:      "Bytes between the last-read offset and the file's current size.",
	}, []string{"path"})

	probeFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sysadm",
		Subsystem: "prober",
		Name:      "probe_failures_total",
		Help:      "Total probe invocations that returned an error, by probe name.",
	}, []string{"probe"})

	registry.MustRegister(queueDepth, jobsStarted, jobsFinished, eventsEmitted, tailerLagBytes, probeFailures)

	return &Recorder{
		registry:       registry,
		queueDepth:     queueDepth,
		jobsStarted:    jobsStarted,
		jobsFinished:   jobsFinished,
		eventsEmitted:  eventsEmitted,
		tailerLagBytes: tailerLagBytes,
		probeFailures:  probeFailures,
	}
}

// Handler returns an HTTP handler exposing the Recorder's registry in
// Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// JobStarted implements dispatcher.MetricsRecorder.
func (r *Recorder) JobStarted(queue string) {
	r.jobsStarted.WithLabelValues(queue).Inc()
}

// JobFinished implements dispatcher.MetricsRecorder.
func (r *Recorder) JobFinished(queue string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	r.jobsFinished.WithLabelValues(queue, outcome).Inc()
}

// QueueDepth implements dispatcher.MetricsRecorder.
func (r *Recorder) QueueDepth(queue string, depth int) {
	r.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// EventEmitted records one emitted event of the given type.
func (r *Recorder) EventEmitted(eventType string) {
	r.eventsEmitted.WithLabelValues(eventType).Inc()
}

// TailerLag records the byte gap between a tailed file's last-read
// offset and its current size.
func (r *Recorder) TailerLag(path string, lag int64) {
	r.tailerLagBytes.WithLabelValues(path).Set(float64(lag))
}

// ProbeFailed records one failed probe invocation.
func (r *Recorder) ProbeFailed(probe string) {
	r.probeFailures.WithLabelValues(probe).Inc()
}
