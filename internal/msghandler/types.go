// Copyright 2025 James Ross
// Package msghandler is the inbound dispatch table: it turns decoded
// WebSocket envelopes into Broker operations. It is not the only caller of
// the Broker's transitions: the HTTP façade (internal/apifacade), the admin
// CLI (cmd/admin) and the in-process worker runtime (internal/workerruntime)
// call the Broker directly.
package msghandler

import (
	"encoding/json"

	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
)

const (
	TypeSubmitJob         = "submit_job"
	TypeRegisterWorker    = "register_worker"
	TypeWorkerHeartbeat   = "worker_heartbeat"
	TypeWorkerStatus      = "worker_status"
	TypeUpdateJobProgress = "update_job_progress"
	TypeCompleteJob       = "complete_job"
	TypeFailJob           = "fail_job"
	TypeCancelJob         = "cancel_job"
	TypeSyncJobState      = "sync_job_state"
	TypeServiceRequest    = "service_request"

	TypeJobSubmitted = "job_submitted"
	TypeJobAvailable = "job_available"
	TypeJobAssigned  = "job_assigned"
	TypeJobCompleted = "job_completed"
	TypeJobFailed    = "job_failed"
	TypeJobCancelled = "job_cancelled"
	TypeJobState     = "job_state"
	TypeError        = "error"
)

// SubmitJobPayload is the submit_job message body.
type SubmitJobPayload struct {
	ServiceRequired string             `json:"service_required"`
	Priority        int                `json:"priority"`
	Payload         json.RawMessage    `json:"payload,omitempty"`
	CustomerID      string             `json:"customer_id,omitempty"`
	MaxRetries      int                `json:"max_retries,omitempty"`
	Requirements    queue.Requirements `json:"requirements,omitempty"`
}

// RegisterWorkerPayload is the register_worker message body. WorkerType
// drives service tag expansion.
type RegisterWorkerPayload struct {
	WorkerID       string                 `json:"worker_id"`
	MachineID      string                 `json:"machine_id"`
	WorkerType     string                 `json:"worker_type"`
	ExtraTags      []string               `json:"extra_tags,omitempty"`
	Hardware       queue.HardwareReport   `json:"hardware"`
	Components     []string               `json:"components,omitempty"`
	Workflows      []string               `json:"workflows,omitempty"`
	CustomerID     string                 `json:"customer_id,omitempty"`
	CustomerAccess []string               `json:"customer_access,omitempty"`
	MaxConcurrent  int                    `json:"max_concurrent_jobs"`
	Version        string                 `json:"version,omitempty"`
	Extra          map[string]string      `json:"extra,omitempty"`
}

// WorkerHeartbeatPayload is the worker_heartbeat message body.
type WorkerHeartbeatPayload struct {
	WorkerID   string          `json:"worker_id"`
	SystemInfo json.RawMessage `json:"system_info,omitempty"`
}

// WorkerStatusPayload is the worker_status message body.
type WorkerStatusPayload struct {
	WorkerID      string            `json:"worker_id"`
	Status        queue.WorkerStatus `json:"status"`
	CurrentJobIDs []string          `json:"current_job_ids,omitempty"`
}

// UpdateJobProgressPayload is the update_job_progress message body.
type UpdateJobProgressPayload struct {
	JobID                 string  `json:"job_id"`
	WorkerID              string  `json:"worker_id"`
	ProgressPct           float64 `json:"progress_pct"`
	Message               string  `json:"message,omitempty"`
	CurrentStep           int     `json:"current_step,omitempty"`
	TotalSteps            int     `json:"total_steps,omitempty"`
	EstimatedCompletionMs int64   `json:"estimated_completion_ms,omitempty"`
}

// CompleteJobPayload is the complete_job message body.
type CompleteJobPayload struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
	Result   []byte `json:"result,omitempty"`
}

// FailJobPayload is the fail_job message body.
type FailJobPayload struct {
	JobID      string `json:"job_id"`
	WorkerID   string `json:"worker_id"`
	Reason     string `json:"reason"`
	ErrorClass string `json:"error_class,omitempty"`
}

// CancelJobPayload is the cancel_job message body.
type CancelJobPayload struct {
	JobID string `json:"job_id"`
}

// SyncJobStatePayload is the sync_job_state message body; an empty JobID
// runs the orphan and timeout sweeps, and nothing is sent back.
type SyncJobStatePayload struct {
	JobID string `json:"job_id,omitempty"`
}

// ServiceRequestPayload is the service_request message body: an
// observability passthrough to monitors, not a state transition.
type ServiceRequestPayload struct {
	WorkerID string          `json:"worker_id"`
	Kind     string          `json:"kind"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}
