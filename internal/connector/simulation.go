// Copyright 2025 James Ross
package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
)

// SimulationConnector fakes a downstream AI service so the worker runtime
// can be exercised end-to-end in local testing and CI without
// ComfyUI/A1111/OpenAI reachable: a cancellable sleep per step stands in
// for real work.
type SimulationConnector struct {
	caps      queue.Capabilities
	StepCount int
	StepDelay time.Duration
	Recorder  ServiceJobRecorder
}

// NewSimulationConnector returns a connector advertising caps that accepts
// jobs tagged "simulation" by default.
func NewSimulationConnector(caps queue.Capabilities) *SimulationConnector {
	if len(caps.AcceptedServices) == 0 {
		caps.AcceptedServices = []string{"simulation"}
	}
	return &SimulationConnector{caps: caps, StepCount: 10, StepDelay: 100 * time.Millisecond}
}

func (s *SimulationConnector) Initialize(ctx context.Context) error { return nil }
func (s *SimulationConnector) Cleanup(ctx context.Context) error    { return nil }
func (s *SimulationConnector) HealthCheck(ctx context.Context) error { return nil }

func (s *SimulationConnector) CanProcess(job queue.Job) bool {
	for _, svc := range s.caps.AcceptedServices {
		if svc == job.ServiceRequired {
			return true
		}
	}
	return false
}

func (s *SimulationConnector) Capabilities() queue.Capabilities { return s.caps }

// Process simulates a multi-step job: records a synthetic service_job_id
// before doing any work, then emits one progress frame per step, honoring
// cancellation.
func (s *SimulationConnector) Process(ctx context.Context, job queue.Job, sink ProgressSink, cancel CancelToken) (Result, error) {
	serviceJobID := fmt.Sprintf("sim-%s", job.ID)
	if s.Recorder != nil {
		if err := s.Recorder.SetServiceJobID(ctx, job.ID, serviceJobID); err != nil {
			return Result{}, Retryable(err)
		}
	}
	steps := s.StepCount
	if steps <= 0 {
		steps = 1
	}

	if strings.Contains(strings.ToLower(job.ServiceRequired), "fail") {
		return Result{ServiceJobID: serviceJobID}, Terminal(fmt.Errorf("simulated terminal failure for %s", job.ID))
	}

	for step := 1; step <= steps; step++ {
		select {
		case <-ctx.Done():
			return Result{ServiceJobID: serviceJobID}, Retryable(ctx.Err())
		case <-cancel.Done():
			return Result{ServiceJobID: serviceJobID}, Terminal(fmt.Errorf("cancelled"))
		case <-time.After(s.StepDelay):
		}
		pct := float64(step) / float64(steps) * 100
		est := int64(s.StepDelay/time.Millisecond) * int64(steps-step)
		sink.Progress(pct, fmt.Sprintf("step %d/%d", step, steps), step, steps, est)
	}

	return Result{
		ServiceJobID: serviceJobID,
		Payload:      job.Payload,
	}, nil
}

func (s *SimulationConnector) Cancel(ctx context.Context, jobID string) error { return nil }
