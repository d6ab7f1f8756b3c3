// Copyright 2025 James Ross
package apifacade

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/stakeordie/emp-job-queue-sub016/internal/connfabric"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
)

type monitorConnectPayload struct {
	RequestFullState bool `json:"request_full_state"`
}

type fullStateSnapshot struct {
	Jobs      []queue.Job        `json:"jobs"`
	Workers   []connfabric.Stats `json:"worker_connections"`
	Clients   []connfabric.Stats `json:"client_connections"`
	Monitors  []connfabric.Stats `json:"monitor_connections"`
	Timestamp int64              `json:"timestamp"`
}

// handleMonitorMessage serves the on-demand full_state_snapshot: a monitor
// sends monitor_connect {request_full_state:true} and receives one complete
// snapshot of recent jobs and connection state back, outside the regular
// stats_broadcast cadence.
func (s *Server) handleMonitorMessage(c *connfabric.Connection, env queue.Envelope) {
	if env.Type != "monitor_connect" {
		return
	}
	var p monitorConnectPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || !p.RequestFullState {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jobs, err := s.Broker.ListJobs(ctx, "", 200, 0)
	if err != nil {
		s.log.Warn("apifacade: full_state_snapshot job listing failed", obs.Err(err))
		jobs = nil
	}
	workers, clients, monitors := s.Manager.Snapshot()

	snap := fullStateSnapshot{
		Jobs: jobs, Workers: workers, Clients: clients, Monitors: monitors,
		Timestamp: time.Now().UnixMilli(),
	}
	s.Manager.Send(c.ID, queue.Envelope{
		ID:        uuid.NewString(),
		Type:      "full_state_snapshot",
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustMarshal(snap),
	})
}
