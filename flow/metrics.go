package flow

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exports job and snapshot metrics.
//
// Metrics (all namespaced with "dataflow_"):
//
//  1. snapshots_committed_total, snapshots_aborted_total (counters, job_id)
//  2. snapshot_commit_ms (histogram, job_id): trigger to commit latency
//  3. snapshot_bytes_total (counter, job_id)
//  4. jobs_total (counter, status): jobs by terminal status
//  5. items_received_total, items_emitted_total (counters, job_id, vertex,
//     instance, ordinal), queue_size (gauge, same labels),
//     snapshot_state_bytes_total and backpressure_seconds_total (counters,
//     job_id, vertex, instance): read from the TaskletStats of every
//     running job at scrape time
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewPrometheusMetrics(registry)
//	engine, _ := flow.New(flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	committed     *prometheus.CounterVec
	aborted       *prometheus.CounterVec
	commitLatency *prometheus.HistogramVec
	snapshotBytes *prometheus.CounterVec
	jobs          *prometheus.CounterVec

	stats *statsCollector

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all metrics with registry, or
// with the default registerer when registry is nil.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		enabled: true,
		stats:   newStatsCollector(),
	}
	pm.committed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      "snapshots_committed_total",
		Help:      "Snapshots committed",
	}, []string{"job_id"})
	pm.aborted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      "snapshots_aborted_total",
		Help:      "Snapshot attempts discarded before commit",
	}, []string{"job_id"})
	pm.commitLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dataflow",
		Name:      "snapshot_commit_ms",
		Help:      "Time from snapshot trigger to commit in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"job_id"})
	pm.snapshotBytes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      "snapshot_bytes_total",
		Help:      "Bytes of processor state written by committed snapshots",
	}, []string{"job_id"})
	pm.jobs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      "jobs_total",
		Help:      "Jobs by terminal status",
	}, []string{"status"})
	registry.MustRegister(pm.stats)
	return pm
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordSnapshotCommitted records a committed snapshot.
func (pm *PrometheusMetrics) RecordSnapshotCommitted(jobID string, latency time.Duration, bytes int64) {
	if !pm.isEnabled() {
		return
	}
	pm.committed.WithLabelValues(jobID).Inc()
	pm.commitLatency.WithLabelValues(jobID).Observe(float64(latency.Milliseconds()))
	pm.snapshotBytes.WithLabelValues(jobID).Add(float64(bytes))
}

// RecordSnapshotAborted records a discarded snapshot attempt.
func (pm *PrometheusMetrics) RecordSnapshotAborted(jobID string) {
	if !pm.isEnabled() {
		return
	}
	pm.aborted.WithLabelValues(jobID).Inc()
}

// RecordJobFinished counts a job that reached a terminal status.
func (pm *PrometheusMetrics) RecordJobFinished(status JobStatus) {
	if !pm.isEnabled() {
		return
	}
	pm.jobs.WithLabelValues(status.String()).Inc()
}

// Disable stops recording. Tasklet counters of running jobs are still
// exported.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

func (pm *PrometheusMetrics) trackJob(j *Job) {
	pm.stats.add(j)
}

func (pm *PrometheusMetrics) untrackJob(j *Job) {
	pm.stats.remove(j)
}

// statsCollector reads tasklet counters of running jobs at scrape time.
type statsCollector struct {
	mu   sync.Mutex
	jobs map[*Job]struct{}

	received      *prometheus.Desc
	emitted       *prometheus.Desc
	queueSize     *prometheus.Desc
	stateBytes    *prometheus.Desc
	backpressured *prometheus.Desc
}

func newStatsCollector() *statsCollector {
	edge := []string{"job_id", "vertex", "instance", "ordinal"}
	instance := []string{"job_id", "vertex", "instance"}
	return &statsCollector{
		jobs:          make(map[*Job]struct{}),
		received:      prometheus.NewDesc("dataflow_items_received_total", "Items received per input edge", edge, nil),
		emitted:       prometheus.NewDesc("dataflow_items_emitted_total", "Items emitted per output edge", edge, nil),
		queueSize:     prometheus.NewDesc("dataflow_queue_size", "Items waiting in the queues of an input edge", edge, nil),
		stateBytes:    prometheus.NewDesc("dataflow_snapshot_state_bytes_total", "Bytes of state saved by the instance", instance, nil),
		backpressured: prometheus.NewDesc("dataflow_backpressure_seconds_total", "Time the instance spent blocked on full queues", instance, nil),
	}
}

func (c *statsCollector) add(j *Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[j] = struct{}{}
}

func (c *statsCollector) remove(j *Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, j)
}

// Describe implements prometheus.Collector.
func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.received
	ch <- c.emitted
	ch <- c.queueSize
	ch <- c.stateBytes
	ch <- c.backpressured
}

// Collect implements prometheus.Collector.
func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	jobs := make([]*Job, 0, len(c.jobs))
	for j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	for _, j := range jobs {
		for _, s := range j.Stats() {
			inst := strconv.Itoa(s.Instance)
			for ord, n := range s.Received {
				ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(n), j.ID(), s.Vertex, inst, strconv.Itoa(ord))
			}
			for ord, n := range s.Emitted {
				ch <- prometheus.MustNewConstMetric(c.emitted, prometheus.CounterValue, float64(n), j.ID(), s.Vertex, inst, strconv.Itoa(ord))
			}
			for ord, n := range s.QueueSize {
				ch <- prometheus.MustNewConstMetric(c.queueSize, prometheus.GaugeValue, float64(n), j.ID(), s.Vertex, inst, strconv.Itoa(ord))
			}
			ch <- prometheus.MustNewConstMetric(c.stateBytes, prometheus.CounterValue, float64(s.SnapshotBytes), j.ID(), s.Vertex, inst)
			ch <- prometheus.MustNewConstMetric(c.backpressured, prometheus.CounterValue, s.BackpressureTime.Seconds(), j.ID(), s.Vertex, inst)
		}
	}
}
