// Copyright 2025 James Ross
// Package workerruntime is the worker's pull loop: it claims jobs up to a
// concurrency budget, drives them through a Connector, and reports
// progress, completion and failure back to the Broker. The runtime
// composes directly over the Broker façade in-process: the wire protocol
// has no worker-originated "claim next job" message type, so claiming is a
// direct Matcher call, while progress/complete/fail/heartbeat flow through
// the same operations the message handler invokes on a remote worker's
// behalf. Cancellation arrives over the shared workers channel.
package workerruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stakeordie/emp-job-queue-sub016/internal/breaker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/broker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/stakeordie/emp-job-queue-sub016/internal/connector"
	"github.com/stakeordie/emp-job-queue-sub016/internal/matcher"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
	"github.com/stakeordie/emp-job-queue-sub016/internal/retrypolicy"
)

// Runtime drives one worker identity's pull loop. MaxConcurrent bounds how
// many jobs it processes at once; the in-memory counter is the local atomic
// guard, checked before every claim so a claim never outruns the budget
// while a completion is still propagating.
type Runtime struct {
	id         string
	b          *broker.Broker
	conn       connector.Connector
	caps       queue.Capabilities
	cfg        config.Worker
	classifier *retrypolicy.Classifier
	cb         *breaker.CircuitBreaker
	log        *zap.Logger

	inFlight int32 // atomic: jobs currently being processed

	mu        sync.Mutex
	cancelled map[string]chan struct{}
}

// New builds a Runtime for one worker identity. caps must already carry the
// fully-expanded service tag set.
func New(id string, b *broker.Broker, conn connector.Connector, caps queue.Capabilities, cfg config.Worker, classifier *retrypolicy.Classifier, cb *breaker.CircuitBreaker, log *zap.Logger) *Runtime {
	return &Runtime{
		id: id, b: b, conn: conn, caps: caps, cfg: cfg, classifier: classifier, cb: cb, log: log,
		cancelled: make(map[string]chan struct{}),
	}
}

// Run blocks in the pull loop until ctx is cancelled, then releases any
// still in-flight jobs back to queued before returning.
func (r *Runtime) Run(ctx context.Context) {
	if err := r.conn.Initialize(ctx); err != nil {
		r.log.Error("workerruntime: connector initialize failed", obs.String("worker_id", r.id), obs.Err(err))
		return
	}
	defer r.conn.Cleanup(context.Background())

	obs.WorkersActive.Inc()
	defer obs.WorkersActive.Dec()

	var wg sync.WaitGroup
	hbStop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx, hbStop)
	}()

	if r.cb != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-hbStop:
					return
				case <-ticker.C:
					switch r.cb.State() {
					case breaker.Closed:
						obs.CircuitBreakerState.Set(0)
					case breaker.HalfOpen:
						obs.CircuitBreakerState.Set(1)
					case breaker.Open:
						obs.CircuitBreakerState.Set(2)
					}
				}
			}
		}()
	}

	events, stopEvents := r.b.SubscribeWorkerEvents(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range events {
			if evt.Type == "cancel_job" && evt.WorkerID == r.id {
				r.Cancel(evt.JobID)
			}
		}
	}()

	backoff := r.cfg.PollBackoff
	attempt := 0
	for ctx.Err() == nil {
		if r.budgetAvailable() {
			job, err := r.claimAndProcess(ctx)
			if err == nil {
				attempt = 0
				continue
			}
			if !errors.Is(err, matcher.ErrNoMatch) {
				r.log.Warn("workerruntime: claim failed", obs.String("worker_id", r.id), obs.Err(err))
			}
			_ = job
		}
		attempt++
		d := jitteredBackoff(attempt, backoff.Base, backoff.Max)
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}

	close(hbStop)
	stopEvents()
	wg.Wait()
	r.releaseInFlight()
}

func (r *Runtime) budgetAvailable() bool {
	max := r.caps.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	return int(atomic.LoadInt32(&r.inFlight)) < max
}

// claimAndProcess claims one job and processes it in its own goroutine;
// the caller's loop keeps polling for more work up to the
// concurrency budget rather than waiting for this job to finish.
func (r *Runtime) claimAndProcess(ctx context.Context) (queue.Job, error) {
	if r.cb != nil && !r.cb.Allow() {
		return queue.Job{}, fmt.Errorf("workerruntime: circuit open")
	}
	job, err := r.b.ClaimNext(ctx, r.id, r.caps)
	if r.cb != nil {
		prev := r.cb.State()
		r.cb.Record(err == nil || errors.Is(err, matcher.ErrNoMatch))
		if curr := r.cb.State(); prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
	}
	if err != nil {
		return queue.Job{}, err
	}

	atomic.AddInt32(&r.inFlight, 1)
	cancelCh := make(chan struct{})
	r.mu.Lock()
	r.cancelled[job.ID] = cancelCh
	r.mu.Unlock()

	go func() {
		defer atomic.AddInt32(&r.inFlight, -1)
		defer func() {
			r.mu.Lock()
			delete(r.cancelled, job.ID)
			r.mu.Unlock()
		}()
		r.process(ctx, job, cancelCh)
	}()
	return job, nil
}

func (r *Runtime) process(ctx context.Context, job queue.Job, cancelCh chan struct{}) {
	if err := r.b.Accept(ctx, job.ID, r.id); err != nil {
		r.log.Warn("workerruntime: accept failed", obs.String("job_id", job.ID), obs.Err(err))
		return
	}
	if err := r.b.Start(ctx, job.ID, r.id); err != nil {
		r.log.Warn("workerruntime: start failed", obs.String("job_id", job.ID), obs.Err(err))
		return
	}

	token := &cancelToken{ch: cancelCh}
	sink := connector.ProgressFunc(func(pct float64, msg string, step, total int, estMs int64) {
		if err := r.b.UpdateProgress(ctx, queue.ProgressFrame{
			JobID: job.ID, WorkerID: r.id, ProgressPct: pct, Message: msg,
			CurrentStep: step, TotalSteps: total, EstimatedCompletionMs: estMs,
		}); err != nil {
			r.log.Warn("workerruntime: progress update failed", obs.String("job_id", job.ID), obs.Err(err))
		}
	})

	start := time.Now()
	result, err := r.conn.Process(ctx, job, sink, token)
	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			if relErr := r.b.Release(context.Background(), job.ID, r.id); relErr != nil {
				r.log.Warn("workerruntime: release on shutdown failed", obs.String("job_id", job.ID), obs.Err(relErr))
			}
			return
		}
		retryable := r.canRetry(err)
		if _, failErr := r.b.Fail(ctx, job.ID, r.id, err.Error(), retryable); failErr != nil {
			r.log.Error("workerruntime: fail_job failed", obs.String("job_id", job.ID), obs.Err(failErr))
		}
		return
	}
	if _, err := r.b.Complete(ctx, job.ID, r.id, result.Payload); err != nil {
		r.log.Error("workerruntime: complete_job failed", obs.String("job_id", job.ID), obs.Err(err))
	}
}

// canRetry decides fail_job's can_retry flag: a connector that classified
// its own error wins outright; anything unclassified falls through to the
// rule-based retry policy.
func (r *Runtime) canRetry(err error) bool {
	var ce *connector.Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	if r.classifier != nil {
		return r.classifier.CanRetry(err.Error())
	}
	return connector.IsRetryable(err)
}

// Cancel requests cooperative cancellation of one in-flight job.
func (r *Runtime) Cancel(jobID string) {
	r.mu.Lock()
	ch, ok := r.cancelled[jobID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.b.Heartbeat(ctx, r.id, r.systemInfo()); err != nil {
				r.log.Warn("workerruntime: heartbeat failed", obs.String("worker_id", r.id), obs.Err(err))
			}
		}
	}
}

// systemInfo is the heartbeat's system report.
func (r *Runtime) systemInfo() json.RawMessage {
	b, _ := json.Marshal(map[string]interface{}{
		"num_cpu":        runtime.NumCPU(),
		"goroutines":     runtime.NumGoroutine(),
		"in_flight_jobs": atomic.LoadInt32(&r.inFlight),
	})
	return b
}

// releaseInFlight puts every job this runtime still has checked out back to
// queued on shutdown. Uses a background context since the caller's ctx is
// already cancelled.
func (r *Runtime) releaseInFlight() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.cancelled))
	for id := range r.cancelled {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	bg := context.Background()
	for _, id := range ids {
		if err := r.b.Release(bg, id, r.id); err != nil {
			r.log.Warn("workerruntime: release on shutdown failed", obs.String("job_id", id), obs.Err(err))
		}
	}
}

type cancelToken struct {
	ch chan struct{}
}

func (c *cancelToken) Cancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

func (c *cancelToken) Done() <-chan struct{} { return c.ch }

// jitteredBackoff doubles base per attempt, capped at max, and adds
// up to 20% jitter so a fleet of idle workers doesn't poll in lockstep.
func jitteredBackoff(attempt int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * base
	if d <= 0 || d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}
