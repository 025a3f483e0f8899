// Package metrics exposes Prometheus instrumentation for the publish pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the instrumentation surface used by the services.
type Recorder interface {
	RecordJob(status string, duration time.Duration)
	RecordRemoteRequest(op string, statusCode int, duration time.Duration)
	RecordImportGroup(outcome string)
}

// Collector records pipeline metrics into a Prometheus registry.
type Collector struct {
	jobs           *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	remoteRequests *prometheus.CounterVec
	remoteLatency  *prometheus.HistogramVec
	importGroups   *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notepub_publish_jobs_total",
			Help: "Publish jobs that reached a terminal state.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notepub_publish_job_duration_seconds",
			Help:    "Wall time from publish() to a terminal state.",
			Buckets: prometheus.DefBuckets,
		}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notepub_remote_requests_total",
			Help: "Requests sent to the remote repository and deployment APIs.",
		}, []string{"op", "code"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notepub_remote_request_duration_seconds",
			Help:    "Latency of remote API requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		importGroups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notepub_import_groups_total",
			Help: "Bulk import groups by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.jobs,
		c.jobDuration,
		c.remoteRequests,
		c.remoteLatency,
		c.importGroups,
	)
	return c
}

// RecordJob counts a finished job.
func (c *Collector) RecordJob(status string, duration time.Duration) {
	c.jobs.WithLabelValues(status).Inc()
	c.jobDuration.Observe(duration.Seconds())
}

// RecordRemoteRequest counts one remote call; statusCode 0 means a transport error.
func (c *Collector) RecordRemoteRequest(op string, statusCode int, duration time.Duration) {
	c.remoteRequests.WithLabelValues(op, strconv.Itoa(statusCode)).Inc()
	c.remoteLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordImportGroup counts one import group outcome (imported, skipped, error).
func (c *Collector) RecordImportGroup(outcome string) {
	c.importGroups.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) RecordJob(string, time.Duration)                {}
func (Nop) RecordRemoteRequest(string, int, time.Duration) {}
func (Nop) RecordImportGroup(string)                       {}
