// Copyright 2025 James Ross
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stakeordie/emp-job-queue-sub016/internal/backpressure"
	"github.com/stakeordie/emp-job-queue-sub016/internal/breaker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/stakeordie/emp-job-queue-sub016/internal/exactly_once"
	"github.com/stakeordie/emp-job-queue-sub016/internal/matcher"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
	"github.com/stakeordie/emp-job-queue-sub016/internal/redisstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by SubmitJob when backpressure admission control
// rejects a submission.
var ErrQueueFull = errors.New("broker: pending queue at high watermark")

// ErrNotFound is returned when an operation references a job that no longer
// exists in the SSS.
var ErrNotFound = errors.New("broker: job not found")

// ErrTerminal is returned when an operation would transition a job that has
// already reached a terminal state.
var ErrTerminal = errors.New("broker: job already in a terminal state")

// Broker is the job lifecycle façade: submit, claim, release, progress,
// complete, fail, cancel, orphan detection and queue position, all composed
// over the shared state store and the Matcher.
type Broker struct {
	rdb     *redis.Client
	cfg     *config.Config
	keys    redisstore.Keys
	matcher *matcher.Matcher
	idem    *exactly_once.RedisIdempotencyManager
	cb      *breaker.CircuitBreaker
	gate    *backpressure.Gate
	log     *zap.Logger
}

// SetBackpressureGate installs the admission-control gate used by
// SubmitJob. The caller is responsible for running
// gate.Run(ctx) in the background so Allow() never blocks on Redis.
func (b *Broker) SetBackpressureGate(g *backpressure.Gate) {
	b.gate = g
}

// New wires a Broker over the given SSS client and matcher. cb may be nil,
// in which case SSS calls are never gated.
func New(cfg *config.Config, rdb *redis.Client, m *matcher.Matcher, cb *breaker.CircuitBreaker, log *zap.Logger) *Broker {
	keys := redisstore.NewKeys(cfg.Matcher.PendingQueueKey, cfg.Matcher.JobKeyPrefix, cfg.Matcher.WorkerKeyPrefix, cfg.Matcher.RunningJobsPrefix)
	idem := exactly_once.NewRedisIdempotencyManager(rdb, cfg.ExactlyOnce.Namespace, cfg.ExactlyOnce.TTL)
	return &Broker{rdb: rdb, cfg: cfg, keys: keys, matcher: m, idem: idem, cb: cb, log: log}
}

func (b *Broker) allow() bool {
	return b.cb == nil || b.cb.Allow()
}

func (b *Broker) record(ok bool) {
	if b.cb != nil {
		b.cb.Record(ok)
	}
}

// score orders the pending ZSET by priority first and submission order
// second: ties within a priority band resolve FIFO under ZREVRANGE's
// descending walk, since later submissions, with a larger seq, get a lower
// score within the band.
func score(priority int, seq int64) float64 {
	return float64(priority)*1e12 - float64(seq)
}

// SubmitJob validates the job, applies backpressure admission control, and
// persists it as queued. It returns before any worker has seen the job.
func (b *Broker) SubmitJob(ctx context.Context, job queue.Job) (queue.Job, error) {
	if err := job.Validate(); err != nil {
		return queue.Job{}, err
	}
	if !b.allow() {
		return queue.Job{}, fmt.Errorf("broker: circuit open, rejecting submission")
	}

	ctx, span := obs.StartSubmitSpan(ctx, job.ServiceRequired, job.Priority)
	defer span.End()

	if b.cfg.Backpressure.Enabled && b.gate != nil && !b.gate.Allow() {
		obs.RecordError(ctx, ErrQueueFull)
		return queue.Job{}, ErrQueueFull
	}

	seq, err := b.rdb.Incr(ctx, b.keys.PendingQueue+":seq").Result()
	if err != nil {
		b.record(false)
		obs.RecordError(ctx, err)
		return queue.Job{}, err
	}
	job.SubmissionSeq = seq
	job.Status = queue.StatusQueued
	traceID, spanID := obs.GetTraceAndSpanID(ctx)
	job.TraceID = traceID
	job.SpanID = spanID

	data, err := job.Marshal()
	if err != nil {
		return queue.Job{}, err
	}
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.keys.Job(job.ID), "data", data)
	pipe.ZAdd(ctx, b.keys.PendingQueue, redis.Z{Score: score(job.Priority, seq), Member: job.ID})
	pipe.ZAdd(ctx, b.keys.AllJobsIndex, redis.Z{Score: float64(seq), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		b.record(false)
		obs.RecordError(ctx, err)
		return queue.Job{}, err
	}
	b.record(true)

	if err := b.rdb.Publish(ctx, b.keys.WorkerEventsChan, jobAvailableMessage(job)).Err(); err != nil {
		b.log.Warn("submit: job_available publish failed", obs.String("id", job.ID), obs.Err(err))
	}

	obs.JobsSubmitted.Inc()
	obs.SetSpanSuccess(ctx)
	b.log.Info("job submitted", obs.String("id", job.ID), obs.String("service", job.ServiceRequired), obs.Int("priority", job.Priority))
	return job, nil
}

// ClaimNext is a thin wrapper around the Matcher: it returns the
// highest-priority eligible job for the worker, atomically claimed.
func (b *Broker) ClaimNext(ctx context.Context, workerID string, caps queue.Capabilities) (queue.Job, error) {
	ctx, span := obs.StartMatchSpan(ctx, workerID)
	defer span.End()

	job, err := b.matcher.ClaimNext(ctx, workerID, caps)
	if err != nil {
		if errors.Is(err, matcher.ErrNoMatch) {
			return queue.Job{}, err
		}
		obs.RecordError(ctx, err)
		return queue.Job{}, err
	}
	obs.JobsClaimed.Inc()
	obs.SetSpanSuccess(ctx)
	b.log.Info("job claimed", obs.String("id", job.ID), obs.String("worker_id", workerID))
	return job, nil
}

// WorkerEvent is one message published on the shared workers channel:
// job_available on submission, cancel_job on cancellation.
type WorkerEvent struct {
	Type            string `json:"type"`
	JobID           string `json:"job_id"`
	WorkerID        string `json:"worker_id,omitempty"`
	ServiceRequired string `json:"service_required,omitempty"`
}

// jobAvailableMessage is the payload published on the workers channel when a
// new job lands on the pending queue. Pull-loop workers don't
// depend on it; it lets event-driven consumers skip a poll interval.
func jobAvailableMessage(job queue.Job) string {
	b, _ := json.Marshal(WorkerEvent{
		Type:            "job_available",
		JobID:           job.ID,
		ServiceRequired: job.ServiceRequired,
	})
	return string(b)
}

// SubscribeWorkerEvents delivers the workers channel to a pull-mode worker
// runtime, which has no WebSocket connection for the message handler to
// forward cancel_job over. The returned stop func closes the subscription
// and, with it, the channel.
func (b *Broker) SubscribeWorkerEvents(ctx context.Context) (<-chan WorkerEvent, func()) {
	sub := b.rdb.Subscribe(ctx, b.keys.WorkerEventsChan)
	out := make(chan WorkerEvent, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var evt WorkerEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case out <- evt:
			default:
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}

// expireProgress bounds a finished job's progress stream to the configured
// grace period, so terminal jobs don't accumulate streams forever.
func (b *Broker) expireProgress(ctx context.Context, jobID string) {
	if b.cfg.Progress.GracePeriod <= 0 {
		return
	}
	stream := b.cfg.Progress.StreamPrefix + jobID
	if err := b.rdb.Expire(ctx, stream, b.cfg.Progress.GracePeriod).Err(); err != nil {
		b.log.Warn("failed to expire progress stream", obs.String("job_id", jobID), obs.Err(err))
	}
}

func (b *Broker) releaseIdem(ctx context.Context, key string) {
	if err := b.idem.Release(ctx, key); err != nil {
		b.log.Warn("failed to release idempotency key", obs.String("key", key), obs.Err(err))
	}
}

func (b *Broker) loadJob(ctx context.Context, jobID string) (queue.Job, error) {
	data, err := b.rdb.HGet(ctx, b.keys.Job(jobID), "data").Result()
	if err == redis.Nil {
		return queue.Job{}, ErrNotFound
	}
	if err != nil {
		return queue.Job{}, err
	}
	return queue.UnmarshalJob(data)
}

func (b *Broker) saveJob(ctx context.Context, job queue.Job) error {
	data, err := job.Marshal()
	if err != nil {
		return err
	}
	return b.rdb.HSet(ctx, b.keys.Job(job.ID), "data", data).Err()
}

// Release puts a worker's claimed job back onto the pending queue, for the
// case where the worker disconnects or declines between assignment and
// completion without a failure of its own.
func (b *Broker) Release(ctx context.Context, jobID, workerID string) error {
	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}

	job.Status = queue.StatusQueued
	job.WorkerID = ""
	job.AssignedAt = 0
	job.LastFailedWorker = ""

	if err := b.saveJob(ctx, job); err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, b.keys.PendingQueue, redis.Z{Score: score(job.Priority, job.SubmissionSeq), Member: job.ID})
	pipe.SRem(ctx, b.keys.RunningJobs(workerID), job.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Accept acknowledges an assignment, moving the job from assigned to
// accepted and stopping the assign_timeout watchdog for it.
func (b *Broker) Accept(ctx context.Context, jobID, workerID string) error {
	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusAssigned {
		return fmt.Errorf("broker: accept on job %s in status %s", jobID, job.Status)
	}
	if job.WorkerID != workerID {
		return fmt.Errorf("broker: accept by %s but job %s is assigned to %s", workerID, jobID, job.WorkerID)
	}
	job.Status = queue.StatusAccepted
	return b.saveJob(ctx, job)
}

// Start marks processing begun, moving the job to in_progress and stamping
// StartedAt, the fallback reference point for the progress watchdog until
// the first frame arrives.
func (b *Broker) Start(ctx context.Context, jobID, workerID string) error {
	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != queue.StatusAccepted && job.Status != queue.StatusAssigned {
		return fmt.Errorf("broker: start on job %s in status %s", jobID, job.Status)
	}
	if job.WorkerID != workerID {
		return fmt.Errorf("broker: start by %s but job %s is assigned to %s", workerID, jobID, job.WorkerID)
	}
	job.Status = queue.StatusInProgress
	job.StartedAt = time.Now().UnixMilli()
	return b.saveJob(ctx, job)
}

// SetServiceJobID records the downstream service's correlation token as
// soon as it is known, so a crashed worker's successor can query the
// downstream service for the job's fate.
func (b *Broker) SetServiceJobID(ctx context.Context, jobID, serviceJobID string) error {
	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.ServiceJobID = serviceJobID
	return b.saveJob(ctx, job)
}

// UpdateProgress appends a progress frame to the job's stream, consumed by
// internal/progress's fan-out. It also stamps the job record's
// LastProgressAt so CheckTimeouts can tell a stalled job from one still
// reporting in.
func (b *Broker) UpdateProgress(ctx context.Context, frame queue.ProgressFrame) error {
	stream := b.cfg.Progress.StreamPrefix + frame.JobID
	frame.Timestamp = time.Now().UnixMilli()
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.cfg.Progress.MaxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			"progress_pct":            frame.ProgressPct,
			"message":                 frame.Message,
			"current_step":            frame.CurrentStep,
			"total_steps":             frame.TotalSteps,
			"estimated_completion_ms": frame.EstimatedCompletionMs,
			"worker_id":               frame.WorkerID,
			"timestamp":               frame.Timestamp,
		},
	}).Err(); err != nil {
		return err
	}

	job, err := b.loadJob(ctx, frame.JobID)
	if err != nil {
		return nil
	}
	job.LastProgressAt = frame.Timestamp
	return b.saveJob(ctx, job)
}

// Complete finishes a job successfully. It is idempotent by job ID, so a
// retried complete_job call for an already-completed job is a harmless
// no-op rather than a double-count.
func (b *Broker) Complete(ctx context.Context, jobID, workerID string, result []byte) (queue.Job, error) {
	duplicate, err := b.idem.CheckAndReserve(ctx, "complete:"+jobID, b.cfg.ExactlyOnce.TTL)
	if err != nil {
		return queue.Job{}, err
	}
	if duplicate {
		return b.loadJob(ctx, jobID)
	}

	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		b.releaseIdem(ctx, "complete:"+jobID)
		return queue.Job{}, err
	}
	if job.Status.Terminal() {
		return job, ErrTerminal
	}

	job.Status = queue.StatusCompleted
	job.CompletedAt = time.Now().UnixMilli()
	job.Result = result
	job.LastFailedWorker = ""

	if err := b.saveJob(ctx, job); err != nil {
		b.releaseIdem(ctx, "complete:"+jobID)
		return queue.Job{}, err
	}
	if err := b.rdb.SRem(ctx, b.keys.RunningJobs(workerID), jobID).Err(); err != nil {
		b.log.Warn("complete: failed to clear running set", obs.String("job_id", jobID), obs.Err(err))
	}
	if err := b.idem.Confirm(ctx, "complete:"+jobID); err != nil {
		b.log.Warn("complete: failed to confirm idempotency key", obs.String("job_id", jobID), obs.Err(err))
	}
	b.expireProgress(ctx, jobID)

	obs.JobsCompleted.Inc()
	b.log.Info("job completed", obs.String("id", job.ID), obs.String("worker_id", workerID))
	return job, nil
}

// Fail records a worker-reported failure: retry the job up to MaxRetries
// with LastFailedWorker set to exclude the failing worker from the very
// next claim, or transition it to failed once retries are exhausted.
func (b *Broker) Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) (queue.Job, error) {
	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		return queue.Job{}, err
	}
	if job.Status.Terminal() {
		return job, ErrTerminal
	}

	if err := b.rdb.SRem(ctx, b.keys.RunningJobs(workerID), jobID).Err(); err != nil {
		b.log.Warn("fail: failed to clear running set", obs.String("job_id", jobID), obs.Err(err))
	}

	if retryable && job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.LastFailedWorker = workerID
		job.Status = queue.StatusQueued
		job.WorkerID = ""
		job.Error = reason

		if err := b.saveJob(ctx, job); err != nil {
			return queue.Job{}, err
		}
		if err := b.rdb.ZAdd(ctx, b.keys.PendingQueue, redis.Z{Score: score(job.Priority, job.SubmissionSeq), Member: job.ID}).Err(); err != nil {
			return queue.Job{}, err
		}
		obs.JobsRetried.Inc()
		b.log.Warn("job retried", obs.String("id", job.ID), obs.String("worker_id", workerID), obs.Int("retry_count", job.RetryCount))
		return job, nil
	}

	job.Status = queue.StatusFailed
	job.FailedAt = time.Now().UnixMilli()
	job.Error = reason
	if err := b.saveJob(ctx, job); err != nil {
		return queue.Job{}, err
	}
	b.expireProgress(ctx, jobID)
	obs.JobsFailed.Inc()
	b.log.Error("job failed", obs.String("id", job.ID), obs.String("worker_id", workerID), obs.String("reason", reason))
	return job, nil
}

// Cancel moves any non-terminal job to cancelled. A job already in a
// terminal state is left untouched, so a cancel racing a completion loses
// quietly.
func (b *Broker) Cancel(ctx context.Context, jobID string) (queue.Job, error) {
	job, err := b.loadJob(ctx, jobID)
	if err != nil {
		return queue.Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	job.Status = queue.StatusCancelled
	if err := b.saveJob(ctx, job); err != nil {
		return queue.Job{}, err
	}
	if err := b.rdb.ZRem(ctx, b.keys.PendingQueue, jobID).Err(); err != nil {
		b.log.Warn("cancel: failed to remove from pending queue", obs.String("job_id", jobID), obs.Err(err))
	}
	if job.WorkerID != "" {
		if err := b.rdb.SRem(ctx, b.keys.RunningJobs(job.WorkerID), jobID).Err(); err != nil {
			b.log.Warn("cancel: failed to clear running set", obs.String("job_id", jobID), obs.Err(err))
		}
	}
	b.expireProgress(ctx, jobID)

	if job.WorkerID != "" {
		evt, _ := json.Marshal(WorkerEvent{Type: "cancel_job", JobID: jobID, WorkerID: job.WorkerID})
		if err := b.rdb.Publish(ctx, b.keys.WorkerEventsChan, string(evt)).Err(); err != nil {
			b.log.Warn("cancel: cancel_job publish failed", obs.String("job_id", jobID), obs.Err(err))
		}
	}

	obs.JobsCancelled.Inc()
	b.log.Info("job cancelled", obs.String("id", job.ID))
	return job, nil
}

// QueuePosition returns the job's rank in the pending ZSET, highest
// priority first, or -1 if it is not pending.
func (b *Broker) QueuePosition(ctx context.Context, jobID string) (int64, error) {
	rank, err := b.rdb.ZRevRank(ctx, b.keys.PendingQueue, jobID).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return rank, nil
}

// GetJob returns a single job record, for the REST surface's GET /api/jobs/:id.
func (b *Broker) GetJob(ctx context.Context, jobID string) (queue.Job, error) {
	return b.loadJob(ctx, jobID)
}

// ListJobs returns a page of jobs ordered newest-submitted-first, optionally
// filtered by status, for GET /api/jobs. offset/limit page
// over the submission index rather than the filtered result, so a status
// filter narrowing a large page can legitimately return fewer than limit.
func (b *Broker) ListJobs(ctx context.Context, status queue.Status, limit, offset int64) ([]queue.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := b.rdb.ZRevRange(ctx, b.keys.AllJobsIndex, offset, offset+limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]queue.Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.loadJob(ctx, id)
		if err != nil {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RegisterWorker persists a worker's registry record and sets its presence
// key. Capabilities must already carry the expanded service tag set.
func (b *Broker) RegisterWorker(ctx context.Context, w queue.Worker) error {
	w.ConnectedAt = time.Now().UnixMilli()
	w.LastHeartbeat = w.ConnectedAt
	if w.Status == "" {
		w.Status = queue.WorkerIdle
	}
	data, err := w.Marshal()
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.keys.Worker(w.ID), "data", data)
	pipe.Set(ctx, b.keys.WorkerPresenceKey(w.ID), "1", b.cfg.Worker.HeartbeatTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return err
	}
	b.log.Info("worker registered", obs.String("worker_id", w.ID), obs.String("machine_id", w.MachineID))
	return nil
}

// Heartbeat refreshes a worker's presence TTL and records the latest
// system_info report. A missed
// heartbeat lets the presence key expire, which DetectOrphans treats as the
// worker being gone.
func (b *Broker) Heartbeat(ctx context.Context, workerID string, systemInfo json.RawMessage) error {
	if err := b.rdb.Set(ctx, b.keys.WorkerPresenceKey(workerID), "1", b.cfg.Worker.HeartbeatTTL).Err(); err != nil {
		return err
	}
	data, err := b.rdb.HGet(ctx, b.keys.Worker(workerID), "data").Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	w, err := queue.UnmarshalWorker(data)
	if err != nil {
		return err
	}
	w.LastHeartbeat = time.Now().UnixMilli()
	if len(systemInfo) > 0 {
		w.SystemInfo = systemInfo
	}
	out, err := w.Marshal()
	if err != nil {
		return err
	}
	return b.rdb.HSet(ctx, b.keys.Worker(workerID), "data", out).Err()
}

// UpdateWorkerStatus overwrites a worker's reported status (idle/busy/
// offline/error) and current job list.
func (b *Broker) UpdateWorkerStatus(ctx context.Context, workerID string, status queue.WorkerStatus, currentJobIDs []string) error {
	data, err := b.rdb.HGet(ctx, b.keys.Worker(workerID), "data").Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	w, err := queue.UnmarshalWorker(data)
	if err != nil {
		return err
	}
	w.Status = status
	w.CurrentJobIDs = currentJobIDs
	out, err := w.Marshal()
	if err != nil {
		return err
	}
	return b.rdb.HSet(ctx, b.keys.Worker(workerID), "data", out).Err()
}

// DetectOrphans recovers jobs stranded by dead workers: workers whose
// presence key has expired (missed heartbeats) have their running jobs
// released with LastFailedWorker set so the same worker doesn't immediately
// reclaim a job it may already be wedged on. Mirrors Fail's retry-vs-terminal
// logic: a job is requeued with RetryCount incremented while it's still
// under MaxRetries, and transitioned to terminal StatusFailed with reason
// "worker_lost" once retries are exhausted.
func (b *Broker) DetectOrphans(ctx context.Context) (int, error) {
	recovered := 0
	var cursor uint64
	pattern := b.keys.RunningJobsPrefix + "*"
	for {
		keys, cur, err := b.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return recovered, err
		}
		cursor = cur
		for _, runningKey := range keys {
			workerID := runningKey[len(b.keys.RunningJobsPrefix):]
			exists, err := b.rdb.Exists(ctx, b.keys.WorkerPresenceKey(workerID)).Result()
			if err != nil {
				b.log.Warn("detect_orphans: presence check failed", obs.String("worker_id", workerID), obs.Err(err))
				continue
			}
			if exists == 1 {
				continue
			}

			jobIDs, err := b.rdb.SMembers(ctx, runningKey).Result()
			if err != nil {
				continue
			}
			for _, jobID := range jobIDs {
				job, err := b.loadJob(ctx, jobID)
				if err != nil {
					continue
				}
				if job.Status.Terminal() {
					b.rdb.SRem(ctx, runningKey, jobID)
					continue
				}
				job.LastFailedWorker = workerID
				job.WorkerID = ""

				if job.RetryCount < job.MaxRetries {
					job.RetryCount++
					job.Status = queue.StatusQueued
					job.Error = "worker_lost"
					if err := b.saveJob(ctx, job); err != nil {
						continue
					}
					if err := b.rdb.ZAdd(ctx, b.keys.PendingQueue, redis.Z{Score: score(job.Priority, job.SubmissionSeq), Member: job.ID}).Err(); err != nil {
						continue
					}
					b.rdb.SRem(ctx, runningKey, jobID)
					obs.JobsOrphaned.Inc()
					b.log.Warn("recovered orphaned job", obs.String("id", job.ID), obs.String("from_worker", workerID), obs.Int("retry_count", job.RetryCount))
					recovered++
					continue
				}

				job.Status = queue.StatusFailed
				job.FailedAt = time.Now().UnixMilli()
				job.Error = "worker_lost"
				if err := b.saveJob(ctx, job); err != nil {
					continue
				}
				b.rdb.SRem(ctx, runningKey, jobID)
				b.expireProgress(ctx, jobID)
				obs.JobsFailed.Inc()
				obs.JobsOrphaned.Inc()
				b.log.Error("orphaned job exceeded max retries, terminal", obs.String("id", job.ID), obs.String("from_worker", workerID))
				recovered++
			}
		}
		if cursor == 0 {
			break
		}
	}
	return recovered, nil
}

// CheckTimeouts runs the two lifecycle watchdogs over every job still
// sitting in AllJobsIndex: assign_timeout releases a job the worker never
// accepted within cfg.Timeouts.AssignTimeout, and progress_timeout releases
// an accepted or in-progress job that went quiet for longer than
// cfg.Timeouts.ProgressTimeout. Both mirror DetectOrphans' retry-vs-terminal
// split, landing on StatusTimeout once RetryCount reaches MaxRetries
// instead of being requeued forever.
func (b *Broker) CheckTimeouts(ctx context.Context) (int, error) {
	released := 0
	now := time.Now().UnixMilli()
	const page = 200
	var offset int64
	for {
		ids, err := b.rdb.ZRevRange(ctx, b.keys.AllJobsIndex, offset, offset+page-1).Result()
		if err != nil {
			return released, err
		}
		for _, jobID := range ids {
			job, err := b.loadJob(ctx, jobID)
			if err != nil {
				continue
			}

			var reason string
			switch job.Status {
			case queue.StatusAssigned:
				if b.cfg.Timeouts.AssignTimeout > 0 &&
					now-job.AssignedAt > b.cfg.Timeouts.AssignTimeout.Milliseconds() {
					reason = "assign_timeout"
				}
			case queue.StatusAccepted, queue.StatusInProgress:
				last := job.LastProgressAt
				if last == 0 {
					last = job.StartedAt
				}
				if last == 0 {
					last = job.AssignedAt
				}
				if b.cfg.Timeouts.ProgressTimeout > 0 &&
					now-last > b.cfg.Timeouts.ProgressTimeout.Milliseconds() {
					reason = "progress_timeout"
				}
			}
			if reason == "" {
				continue
			}

			workerID := job.WorkerID
			job.LastFailedWorker = workerID
			job.WorkerID = ""

			if job.RetryCount < job.MaxRetries {
				job.RetryCount++
				job.Status = queue.StatusQueued
				job.Error = reason
				if err := b.saveJob(ctx, job); err != nil {
					continue
				}
				if err := b.rdb.ZAdd(ctx, b.keys.PendingQueue, redis.Z{Score: score(job.Priority, job.SubmissionSeq), Member: job.ID}).Err(); err != nil {
					continue
				}
				if workerID != "" {
					b.rdb.SRem(ctx, b.keys.RunningJobs(workerID), jobID)
				}
				obs.JobsTimedOut.Inc()
				b.log.Warn("job timed out, requeued", obs.String("id", job.ID), obs.String("reason", reason), obs.Int("retry_count", job.RetryCount))
				released++
				continue
			}

			job.Status = queue.StatusTimeout
			job.FailedAt = now
			job.Error = reason
			if err := b.saveJob(ctx, job); err != nil {
				continue
			}
			if workerID != "" {
				b.rdb.SRem(ctx, b.keys.RunningJobs(workerID), jobID)
			}
			b.expireProgress(ctx, jobID)
			obs.JobsTimedOut.Inc()
			b.log.Error("job timed out, terminal", obs.String("id", job.ID), obs.String("reason", reason))
			released++
		}
		if int64(len(ids)) < page {
			break
		}
		offset += page
	}
	return released, nil
}
