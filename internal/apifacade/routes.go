// Copyright 2025 James Ross
package apifacade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stakeordie/emp-job-queue-sub016/internal/broker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/connfabric"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
)

// Routes builds the HTTP surface: a bare http.NewServeMux with path-suffix
// switching inside a catch-all handler rather than a router dependency.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/jobs", s.handleJobsCollection)
	mux.HandleFunc("/api/jobs/", s.handleJobsItem)

	mux.HandleFunc("/ws/worker/", s.handleWorkerWS)
	mux.HandleFunc("/ws/client/", s.handleClientWS)
	mux.HandleFunc("/ws/monitor/", s.handleMonitorWS)

	return mux
}

// handleHealth serves GET /health: 200 when the SSS is reachable, 503
// otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "sss unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleJobsCollection dispatches GET /api/jobs (list) and POST /api/jobs
// (submit).
func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListJobs(w, r)
	case http.MethodPost:
		s.handleSubmitJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleJobsItem dispatches the /api/jobs/:id family: GET the job, GET the
// progress SSE stream, or POST a cancellation.
func (s *Server) handleJobsItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "job id required")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetJob(w, r, jobID)
	case len(parts) == 2 && parts[1] == "progress" && r.Method == http.MethodGet:
		s.handleJobProgress(w, r, jobID)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancelJob(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleSubmitJob serves POST /api/jobs: 201 with {job_id,
// status:"queued"}, 4xx on a validation failure, 5xx on SSS
// unavailability.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !s.tenants.Known(req.CustomerID) {
		writeError(w, http.StatusBadRequest, "unknown customer")
		return
	}

	job := queue.NewJob(uuid.NewString(), req.ServiceRequired, req.Priority, req.Payload)
	job.Requirements = req.Requirements
	job.CustomerID = req.CustomerID
	job.WorkflowID = req.WorkflowID
	job.WorkflowPriority = req.WorkflowPriority
	job.WorkflowDatetime = req.WorkflowDatetime
	job.StepNumber = req.StepNumber
	if req.MaxRetries > 0 {
		job.MaxRetries = req.MaxRetries
	}

	saved, err := s.Broker.SubmitJob(r.Context(), job)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	s.Manager.Broadcast(connfabric.KindWorker, queue.Envelope{
		ID: uuid.NewString(), Type: "job_available", Timestamp: time.Now().UnixMilli(),
		Payload: mustMarshal(map[string]string{"job_id": saved.ID, "service_required": saved.ServiceRequired}),
	}, nil)
	s.Manager.BroadcastToMonitors(queue.Envelope{
		ID: uuid.NewString(), Type: "job_submitted", Timestamp: time.Now().UnixMilli(),
		Payload: mustMarshal(saved),
	})
	writeJSON(w, http.StatusCreated, SubmitJobResponse{JobID: saved.ID, Status: string(saved.Status)})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, broker.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("apifacade: submit_job failed", obs.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleGetJob serves GET /api/jobs/:id.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.Broker.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListJobs serves GET /api/jobs?status=&limit=&offset=.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := queue.Status(q.Get("status"))
	limit := parseInt64(q.Get("limit"), 50)
	offset := parseInt64(q.Get("offset"), 0)

	jobs, err := s.Broker.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// handleCancelJob serves POST /api/jobs/:id/cancel.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	var req CancelJobRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	job, err := s.Broker.Cancel(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if job.WorkerID != "" {
		s.Manager.Send(job.WorkerID, queue.Envelope{
			ID: uuid.NewString(), Type: "cancel_job", Timestamp: time.Now().UnixMilli(),
			Payload: mustMarshal(map[string]string{"job_id": jobID, "reason": req.Reason}),
		})
	}
	s.Manager.BroadcastToMonitors(queue.Envelope{
		ID: uuid.NewString(), Type: "job_cancelled", Timestamp: time.Now().UnixMilli(),
		Payload: mustMarshal(job),
	})
	writeJSON(w, http.StatusOK, job)
}

// handleJobProgress serves GET /api/jobs/:id/progress: an SSE stream with
// an initial "connected" event, one data frame per progress update, and a
// final terminal event before closing.
func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeSSE(w, "connected", map[string]string{"job_id": jobID})
	flusher.Flush()

	ch, cancel := s.Hub.SubscribeSSE(jobID)
	defer cancel()

	ctx := r.Context()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-ch:
			writeSSE(w, "progress", frame)
			flusher.Flush()
		case <-ticker.C:
			job, err := s.Broker.GetJob(ctx, jobID)
			if err != nil {
				return
			}
			if job.Status.Terminal() {
				writeSSE(w, string(job.Status), job)
				flusher.Flush()
				return
			}
		}
	}
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + event + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

func mustMarshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
