// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a job's position in the lifecycle state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusAssigned   Status = "assigned"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// HardwareRequirements holds the lower bounds a worker must meet or exceed.
type HardwareRequirements struct {
	GPUMemoryGB float64 `json:"gpu_memory_gb,omitempty"`
	RAMGB       float64 `json:"ram_gb,omitempty"`
	CPUCores    int     `json:"cpu_cores,omitempty"`
	GPUCount    int     `json:"gpu_count,omitempty"`
}

// CustomerIsolation controls how strictly a job is bound to a customer.
type CustomerIsolation string

const (
	IsolationNone   CustomerIsolation = "none"
	IsolationLoose  CustomerIsolation = "loose"
	IsolationStrict CustomerIsolation = "strict"
)

// Requirements narrows which workers may claim a job, evaluated by the
// Matcher's filter chain.
type Requirements struct {
	Hardware          HardwareRequirements `json:"hardware,omitempty"`
	Components        []string             `json:"components,omitempty"`
	Workflows         []string             `json:"workflows,omitempty"`
	CustomerIsolation CustomerIsolation    `json:"customer_isolation,omitempty"`
}

// Job is one unit of work routed through the broker and matcher.
type Job struct {
	ID               string          `json:"job_id"`
	ServiceRequired  string          `json:"service_required"`
	Priority         int             `json:"priority"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Requirements     Requirements    `json:"requirements,omitempty"`
	CustomerID       string          `json:"customer_id,omitempty"`
	WorkflowID       string          `json:"workflow_id,omitempty"`
	WorkflowPriority int             `json:"workflow_priority,omitempty"`
	WorkflowDatetime int64           `json:"workflow_datetime,omitempty"`
	StepNumber       int             `json:"step_number,omitempty"`
	MaxRetries       int             `json:"max_retries"`
	RetryCount       int             `json:"retry_count"`
	CreatedAt        int64           `json:"created_at"`
	AssignedAt       int64           `json:"assigned_at,omitempty"`
	StartedAt        int64           `json:"started_at,omitempty"`
	LastProgressAt   int64           `json:"last_progress_at,omitempty"`
	CompletedAt      int64           `json:"completed_at,omitempty"`
	FailedAt         int64           `json:"failed_at,omitempty"`
	WorkerID         string          `json:"worker_id,omitempty"`
	LastFailedWorker string          `json:"last_failed_worker,omitempty"`
	ServiceJobID     string          `json:"service_job_id,omitempty"`
	Status           Status          `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	SubmissionSeq    int64           `json:"submission_seq,omitempty"`
	TraceID          string          `json:"trace_id,omitempty"`
	SpanID           string          `json:"span_id,omitempty"`
}

// NewJob constructs a job in the pending state; the broker transitions it to
// queued once it has been durably written.
func NewJob(id, serviceRequired string, priority int, payload json.RawMessage) Job {
	return Job{
		ID:              id,
		ServiceRequired: serviceRequired,
		Priority:        priority,
		Payload:         payload,
		Status:          StatusPending,
		CreatedAt:       time.Now().UnixMilli(),
	}
}

// Marshal serializes the job for storage in the SSS job hash.
func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalJob deserializes a job previously written by Marshal.
func UnmarshalJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

// Validate rejects submissions the broker must never enqueue.
func (j Job) Validate() error {
	if j.ServiceRequired == "" {
		return fmt.Errorf("%w: service_required is required", ErrInvalidJob)
	}
	if j.Priority < 0 || j.Priority > 100 {
		return fmt.Errorf("%w: priority must be 0..100", ErrInvalidJob)
	}
	return nil
}

// ProgressFrame is one entry in a job's append-only progress stream.
type ProgressFrame struct {
	JobID                 string  `json:"job_id"`
	ProgressPct           float64 `json:"progress_pct"`
	Message               string  `json:"message,omitempty"`
	CurrentStep           int     `json:"current_step,omitempty"`
	TotalSteps            int     `json:"total_steps,omitempty"`
	EstimatedCompletionMs int64   `json:"estimated_completion_ms,omitempty"`
	WorkerID              string  `json:"worker_id,omitempty"`
	Timestamp             int64   `json:"timestamp"`
}
