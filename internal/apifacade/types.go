// Copyright 2025 James Ross
// Package apifacade is the HTTP + WebSocket front door: it translates
// external calls into broker, connection-manager and message-handler
// operations and owns no durable state of its own.
package apifacade

import (
	"encoding/json"

	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
)

// SubmitJobRequest is the POST /api/jobs request body.
type SubmitJobRequest struct {
	ServiceRequired  string             `json:"service_required"`
	Priority         int                `json:"priority"`
	Payload          json.RawMessage    `json:"payload"`
	Requirements     queue.Requirements `json:"requirements,omitempty"`
	CustomerID       string             `json:"customer_id,omitempty"`
	MaxRetries       int                `json:"max_retries,omitempty"`
	WorkflowID       string             `json:"workflow_id,omitempty"`
	WorkflowPriority int                `json:"workflow_priority,omitempty"`
	WorkflowDatetime int64              `json:"workflow_datetime,omitempty"`
	StepNumber       int                `json:"step_number,omitempty"`
}

// SubmitJobResponse is the 201 body for POST /api/jobs.
type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// CancelJobRequest is the POST /api/jobs/:id/cancel request body.
type CancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

// errorResponse is the JSON body written by writeError.
type errorResponse struct {
	Error string `json:"error"`
}
