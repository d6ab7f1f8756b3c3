// Copyright 2025 James Ross
package apifacade

import (
	"net/http"
	"strings"

	"github.com/stakeordie/emp-job-queue-sub016/internal/connfabric"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
)

// handleWorkerWS serves /ws/worker/<id>: the worker control channel
// (register, heartbeat, job events).
func (s *Server) handleWorkerWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ws/worker/")
	if _, err := s.Manager.Accept(w, r, connfabric.KindWorker, id); err != nil {
		s.log.Warn("apifacade: worker ws upgrade failed", obs.String("worker_id", id), obs.Err(err))
	}
}

// handleClientWS serves /ws/client/<id>: submissions and per-job progress
// subscriptions.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ws/client/")
	if _, err := s.Manager.Accept(w, r, connfabric.KindClient, id); err != nil {
		s.log.Warn("apifacade: client ws upgrade failed", obs.String("client_id", id), obs.Err(err))
	}
}

// handleMonitorWS serves /ws/monitor/<id>: stats_broadcast, job/worker
// events, and on-demand full_state_snapshot.
func (s *Server) handleMonitorWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ws/monitor/")
	if _, err := s.Manager.Accept(w, r, connfabric.KindMonitor, id); err != nil {
		s.log.Warn("apifacade: monitor ws upgrade failed", obs.String("monitor_id", id), obs.Err(err))
	}
}
