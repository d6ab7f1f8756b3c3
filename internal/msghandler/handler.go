// Copyright 2025 James Ross
package msghandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stakeordie/emp-job-queue-sub016/internal/broker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/connfabric"
	"github.com/stakeordie/emp-job-queue-sub016/internal/eventhooks"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/progress"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
	"github.com/stakeordie/emp-job-queue-sub016/internal/retrypolicy"
	"github.com/stakeordie/emp-job-queue-sub016/internal/servicetags"
	"github.com/stakeordie/emp-job-queue-sub016/internal/tenant"
)

// Handler owns the inbound dispatch table. It holds no connection state of
// its own; the connection manager hands it one decoded envelope at a time,
// tagged with the Connection it arrived on.
type Handler struct {
	broker     *broker.Broker
	manager    *connfabric.Manager
	hub        *progress.Hub
	tags       *servicetags.Expander
	tenants    *tenant.Registry
	classifier *retrypolicy.Classifier
	hooks      *eventhooks.Publisher
	log        *zap.Logger
}

// New wires a Handler. hooks may be nil (event hooks disabled).
func New(b *broker.Broker, m *connfabric.Manager, hub *progress.Hub, tags *servicetags.Expander, tenants *tenant.Registry, classifier *retrypolicy.Classifier, hooks *eventhooks.Publisher, log *zap.Logger) *Handler {
	return &Handler{broker: b, manager: m, hub: hub, tags: tags, tenants: tenants, classifier: classifier, hooks: hooks, log: log}
}

// Dispatch routes one inbound envelope by type. Any error returned is the
// handler's own failure (e.g. malformed payload); it increments a per-type
// counter and logs with the connection id, but never tears down the
// connection itself; that decision belongs to the connection manager.
func (h *Handler) Dispatch(ctx context.Context, conn *connfabric.Connection, env queue.Envelope) error {
	var err error
	switch env.Type {
	case TypeSubmitJob:
		err = h.handleSubmitJob(ctx, conn, env)
	case TypeRegisterWorker:
		err = h.handleRegisterWorker(ctx, conn, env)
	case TypeWorkerHeartbeat:
		err = h.handleWorkerHeartbeat(ctx, env)
	case TypeWorkerStatus:
		err = h.handleWorkerStatus(ctx, env)
	case TypeUpdateJobProgress:
		err = h.handleUpdateJobProgress(ctx, env)
	case TypeCompleteJob:
		err = h.handleCompleteJob(ctx, env)
	case TypeFailJob:
		err = h.handleFailJob(ctx, env)
	case TypeCancelJob:
		err = h.handleCancelJob(ctx, conn, env)
	case TypeSyncJobState:
		err = h.handleSyncJobState(ctx, conn, env)
	case TypeServiceRequest:
		err = h.handleServiceRequest(conn, env)
	default:
		h.log.Info("msghandler: dropping unknown message type", obs.String("type", env.Type), obs.String("conn_id", conn.ID))
		return nil
	}

	if err != nil {
		obs.MessageHandlerFailures.WithLabelValues(env.Type).Inc()
		h.log.Error("msghandler: handler failed",
			obs.String("type", env.Type), obs.String("conn_id", conn.ID), obs.Err(err))
		h.sendError(conn, env.Type, err)
	}
	return err
}

func (h *Handler) sendError(conn *connfabric.Connection, msgType string, err error) {
	h.manager.Send(conn.ID, queue.Envelope{
		ID:        uuid.NewString(),
		Type:      TypeError,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustJSON(map[string]string{"for_type": msgType, "error": err.Error()}),
	})
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (h *Handler) handleSubmitJob(ctx context.Context, conn *connfabric.Connection, env queue.Envelope) error {
	var p SubmitJobPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	if !h.tenants.Known(p.CustomerID) {
		return fmt.Errorf("%w: unknown customer %q", queue.ErrInvalidJob, p.CustomerID)
	}
	job := queue.NewJob(uuid.NewString(), p.ServiceRequired, p.Priority, p.Payload)
	job.CustomerID = p.CustomerID
	job.Requirements = p.Requirements
	if p.MaxRetries > 0 {
		job.MaxRetries = p.MaxRetries
	}

	saved, err := h.broker.SubmitJob(ctx, job)
	if err != nil {
		return err
	}
	h.hooks.Publish(ctx, eventhooks.EventQueued, saved)
	h.manager.Send(conn.ID, queue.Envelope{
		ID: uuid.NewString(), Type: TypeJobSubmitted, Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(saved),
	})
	h.manager.Broadcast(connfabric.KindWorker, queue.Envelope{
		ID: uuid.NewString(), Type: TypeJobAvailable, Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(map[string]string{"job_id": saved.ID, "service_required": saved.ServiceRequired}),
	}, nil)
	h.manager.BroadcastToMonitors(queue.Envelope{
		ID: uuid.NewString(), Type: TypeJobSubmitted, Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(saved),
	})
	return nil
}

func (h *Handler) handleRegisterWorker(ctx context.Context, conn *connfabric.Connection, env queue.Envelope) error {
	var p RegisterWorkerPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	caps := queue.Capabilities{
		AcceptedServices: h.tags.Expand(p.WorkerType, p.ExtraTags),
		Hardware:         p.Hardware,
		Components:       p.Components,
		Workflows:        p.Workflows,
		CustomerID:       p.CustomerID,
		CustomerAccess:   p.CustomerAccess,
		MaxConcurrent:    p.MaxConcurrent,
		Version:          p.Version,
		Extra:            p.Extra,
	}
	w := queue.Worker{
		ID:           p.WorkerID,
		MachineID:    p.MachineID,
		Capabilities: caps,
		Version:      p.Version,
	}
	if err := h.broker.RegisterWorker(ctx, w); err != nil {
		return err
	}
	h.manager.RegisterWorkerCapabilities(p.WorkerID, caps)
	h.manager.Send(conn.ID, queue.Envelope{
		ID: uuid.NewString(), Type: TypeWorkerStatus, Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(WorkerStatusPayload{WorkerID: p.WorkerID, Status: queue.WorkerIdle}),
	})
	return nil
}

func (h *Handler) handleWorkerHeartbeat(ctx context.Context, env queue.Envelope) error {
	var p WorkerHeartbeatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	return h.broker.Heartbeat(ctx, p.WorkerID, p.SystemInfo)
}

func (h *Handler) handleWorkerStatus(ctx context.Context, env queue.Envelope) error {
	var p WorkerStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	return h.broker.UpdateWorkerStatus(ctx, p.WorkerID, p.Status, p.CurrentJobIDs)
}

func (h *Handler) handleUpdateJobProgress(ctx context.Context, env queue.Envelope) error {
	var p UpdateJobProgressPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	return h.broker.UpdateProgress(ctx, queue.ProgressFrame{
		JobID:                 p.JobID,
		ProgressPct:           p.ProgressPct,
		Message:               p.Message,
		CurrentStep:           p.CurrentStep,
		TotalSteps:            p.TotalSteps,
		EstimatedCompletionMs: p.EstimatedCompletionMs,
		WorkerID:              p.WorkerID,
	})
}

func (h *Handler) handleCompleteJob(ctx context.Context, env queue.Envelope) error {
	var p CompleteJobPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	job, err := h.broker.Complete(ctx, p.JobID, p.WorkerID, p.Result)
	if err != nil && !errors.Is(err, broker.ErrTerminal) {
		return err
	}
	if p.WorkerID != "" {
		if err := h.broker.UpdateWorkerStatus(ctx, p.WorkerID, queue.WorkerIdle, nil); err != nil && !errors.Is(err, broker.ErrNotFound) {
			h.log.Warn("msghandler: failed to mark worker idle", obs.String("worker_id", p.WorkerID), obs.Err(err))
		}
	}
	h.hooks.Publish(ctx, eventhooks.EventCompleted, job)
	h.manager.BroadcastToMonitors(queue.Envelope{
		ID: uuid.NewString(), Type: TypeJobCompleted, Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(job),
	})
	return nil
}

func (h *Handler) handleFailJob(ctx context.Context, env queue.Envelope) error {
	var p FailJobPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	retryable := h.classifier.CanRetry(p.ErrorClass)
	job, err := h.broker.Fail(ctx, p.JobID, p.WorkerID, p.Reason, retryable)
	if err != nil && !errors.Is(err, broker.ErrTerminal) {
		return err
	}
	if job.Status.Terminal() {
		h.hooks.Publish(ctx, eventhooks.EventFailed, job)
	}
	h.manager.BroadcastToMonitors(queue.Envelope{
		ID: uuid.NewString(), Type: TypeJobFailed, Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(job),
	})
	return nil
}

func (h *Handler) handleCancelJob(ctx context.Context, conn *connfabric.Connection, env queue.Envelope) error {
	var p CancelJobPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	job, err := h.broker.Cancel(ctx, p.JobID)
	if err != nil {
		return err
	}
	h.hooks.Publish(ctx, eventhooks.EventCancelled, job)
	if job.WorkerID != "" && job.Status == queue.StatusCancelled {
		h.manager.Send(job.WorkerID, queue.Envelope{
			ID: uuid.NewString(), Type: TypeCancelJob, Timestamp: time.Now().UnixMilli(),
			Payload: mustJSON(p),
		})
	}
	h.manager.BroadcastToMonitors(queue.Envelope{
		ID: uuid.NewString(), Type: TypeJobCancelled, Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(job),
	})
	return nil
}

// handleSyncJobState re-publishes current state on request. A JobID
// re-subscribes the requesting client's connection to that job's progress
// stream; an empty JobID runs the orphan and timeout sweeps instead.
func (h *Handler) handleSyncJobState(ctx context.Context, conn *connfabric.Connection, env queue.Envelope) error {
	var p SyncJobStatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	if p.JobID == "" {
		if _, err := h.broker.DetectOrphans(ctx); err != nil {
			return err
		}
		_, err := h.broker.CheckTimeouts(ctx)
		return err
	}
	h.hub.SubscribeWS(p.JobID, conn.ID)
	pos, err := h.broker.QueuePosition(ctx, p.JobID)
	if err != nil {
		return err
	}
	h.manager.Send(conn.ID, queue.Envelope{
		ID: uuid.NewString(), Type: TypeJobState, Timestamp: time.Now().UnixMilli(),
		Payload: mustJSON(map[string]interface{}{"job_id": p.JobID, "queue_position": pos}),
	})
	return nil
}

// handleServiceRequest is an observability passthrough: workers report
// backend-specific diagnostics that flow straight to monitors without
// touching job state.
func (h *Handler) handleServiceRequest(conn *connfabric.Connection, env queue.Envelope) error {
	var p ServiceRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	h.manager.BroadcastToMonitors(env)
	return nil
}
