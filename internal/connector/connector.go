// Copyright 2025 James Ross
package connector

import (
	"context"
	"encoding/json"

	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
)

// ProgressSink is the narrow interface a Connector uses to emit progress
// frames, kept separate from CancelToken so neither the worker nor the
// connector needs a back-reference to the other.
type ProgressSink interface {
	Progress(progressPct float64, message string, step, totalSteps int, estCompletionMs int64)
}

// ProgressFunc adapts a plain function to a ProgressSink.
type ProgressFunc func(progressPct float64, message string, step, totalSteps int, estCompletionMs int64)

func (f ProgressFunc) Progress(progressPct float64, message string, step, totalSteps int, estCompletionMs int64) {
	f(progressPct, message, step, totalSteps, estCompletionMs)
}

// CancelToken is the narrow interface a Connector polls to learn whether the
// owning Worker Runtime requested cancellation.
type CancelToken interface {
	Cancelled() bool
	Done() <-chan struct{}
}

// ServiceJobRecorder persists the downstream service's correlation token.
// Connectors call it as soon as the downstream service returns an id,
// before any blocking wait on that service's completion, so a crashed
// worker's successor can query the downstream status endpoint. The Broker
// satisfies this interface; implementations receive it at construction.
type ServiceJobRecorder interface {
	SetServiceJobID(ctx context.Context, jobID, serviceJobID string) error
}

// Result is what Process returns on success.
type Result struct {
	Payload      json.RawMessage `json:"payload,omitempty"`
	ServiceJobID string          `json:"service_job_id,omitempty"`
}

// Connector is the uniform adapter the Worker Runtime drives against a
// downstream AI service. Implementations for ComfyUI, A1111, OpenAI, etc.
// live with their services; only the interface and a simulation stub live
// here.
type Connector interface {
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	CanProcess(job queue.Job) bool
	Process(ctx context.Context, job queue.Job, sink ProgressSink, cancel CancelToken) (Result, error)
	Cancel(ctx context.Context, jobID string) error
	Capabilities() queue.Capabilities
}

// Error classifies whether a failure is retryable, feeding fail_job's
// can_retry flag.
type Error struct {
	Retryable bool
	Err       error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps err as a retryable connector error.
func Retryable(err error) error { return &Error{Retryable: true, Err: err} }

// Terminal wraps err as a non-retryable connector error.
func Terminal(err error) error { return &Error{Retryable: false, Err: err} }

// IsRetryable reports whether err (as returned by Process) should cause the
// worker to set can_retry=true on fail_job. Unclassified errors default to
// retryable: a transient downstream hiccup is more likely than a
// newly-introduced permanent failure mode.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if ok := asError(err, &ce); ok {
		return ce.Retryable
	}
	return true
}

func asError(err error, target **Error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
