// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/stakeordie/emp-job-queue-sub016/internal/config"
    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_submitted_total",
        Help: "Total number of jobs submitted to the broker",
    })
    JobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_claimed_total",
        Help: "Total number of jobs claimed by workers",
    })
    JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_completed_total",
        Help: "Total number of successfully completed jobs",
    })
    JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_failed_total",
        Help: "Total number of failed jobs",
    })
    JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_retried_total",
        Help: "Total number of job retries",
    })
    JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_cancelled_total",
        Help: "Total number of cancelled jobs",
    })
    JobsTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_timed_out_total",
        Help: "Total number of jobs that hit a lifecycle timeout",
    })
    JobsOrphaned = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "jobs_orphaned_total",
        Help: "Total number of jobs recovered from disconnected workers",
    })
    JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "job_processing_duration_seconds",
        Help:    "Histogram of job processing durations",
        Buckets: prometheus.DefBuckets,
    })
    PendingQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "pending_queue_length",
        Help: "Current length of the pending job priority queue",
    })
    MatcherScanCandidates = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "matcher_scan_candidates",
        Help:    "Number of candidate jobs examined per matcher pass",
        Buckets: []float64{1, 5, 10, 25, 50, 100, 200},
    })
    MatcherContentionRetries = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "matcher_contention_retries_total",
        Help: "Total number of claim retries caused by concurrent matcher contention",
    })
    MatcherNoMatch = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "matcher_no_match_total",
        Help: "Total number of matcher passes that found no eligible job for a worker",
    })
    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
    CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Count of times the circuit breaker transitioned to Open",
    })
    WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "workers_active",
        Help: "Number of workers currently registered as idle or busy",
    })
    ConnectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "connections_active",
        Help: "Active WebSocket connections by kind",
    }, []string{"kind"})
    ChunkedMessagesReassembled = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "chunked_messages_reassembled_total",
        Help: "Total number of chunked large messages successfully reassembled",
    })
    ChunkedMessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "chunked_messages_dropped_total",
        Help: "Total number of chunked messages dropped for age or hash mismatch",
    })
    MessageHandlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "message_handler_failures_total",
        Help: "Total number of message handler errors by message type",
    }, []string{"type"})
)

func init() {
    prometheus.MustRegister(
        JobsSubmitted, JobsClaimed, JobsCompleted, JobsFailed, JobsRetried,
        JobsCancelled, JobsTimedOut, JobsOrphaned, JobProcessingDuration,
        PendingQueueLength, MatcherScanCandidates, MatcherContentionRetries,
        MatcherNoMatch, CircuitBreakerState, CircuitBreakerTrips, WorkersActive,
        ConnectionsActive, ChunkedMessagesReassembled, ChunkedMessagesDropped,
        MessageHandlerFailures,
    )
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility with StartHTTPServer, which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
