package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	jobsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_started_total",
			Help: "Jobs started per kind.",
		},
		[]string{"kind"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Jobs finished per kind and terminal status.",
		},
		[]string{"kind", "status"},
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall time from job start to terminal state.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "job_stream_subscribers",
			Help: "Currently attached status stream subscribers.",
		},
	)

	generationLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_call_latency_ms",
			Help:    "Content generation call latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 30000},
		},
		[]string{"model", "success"},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			jobsStarted, jobsFinished, jobDurationSeconds,
			streamSubscribers, generationLatencyMs,
		)
	})
}

func JobStarted(kind string) {
	jobsStarted.WithLabelValues(kind).Inc()
}

func JobFinished(kind, status string, elapsed time.Duration) {
	jobsFinished.WithLabelValues(kind, status).Inc()
	jobDurationSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func StreamOpened() {
	streamSubscribers.Inc()
}

func StreamClosed() {
	streamSubscribers.Dec()
}

func ObserveGeneration(model string, elapsed time.Duration, success bool) {
	lbl := "false"
	if success {
		lbl = "true"
	}
	generationLatencyMs.WithLabelValues(model, lbl).Observe(float64(elapsed.Milliseconds()))
}
