// Copyright 2025 James Ross
package connfabric

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
)

// QueueStats is the broker-side data the periodic stats_broadcast needs.
// Defined here (not imported from internal/broker) so
// connfabric stays free of a dependency on the broker package; the api
// layer supplies a closure that reads from its own *broker.Broker.
type QueueStats struct {
	Pending   int64
	Running   int64
	Completed int64
	Failed    int64
}

// StatsProvider is implemented by whatever owns queue-depth data (the
// broker, in practice). Kept as a narrow function type rather than an
// interface so callers can hand in a closure without an adapter type.
type StatsProvider func(ctx context.Context) (QueueStats, error)

// statsMessage is the stats_broadcast payload delivered to monitor
// connections: connection counts by kind, the per-worker connection
// snapshot, and the broker-supplied queue summary.
type statsMessage struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Timestamp      int64      `json:"timestamp"`
	Queue          QueueStats `json:"queue"`
	Workers        []Stats    `json:"workers"`
	WorkersOnline  int        `json:"workers_online"`
	ClientsOnline  int        `json:"clients_online"`
	MonitorsOnline int        `json:"monitors_online"`
}

// RunStatsBroadcast drives the periodic stats broadcast: every
// connection_manager.stats_interval, gather connection counts plus
// whatever the provider reports and push it to every monitor connection.
// A provider error is logged and skipped rather than aborting the loop.
func (m *Manager) RunStatsBroadcast(ctx context.Context, provider StatsProvider) {
	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			workers, clients, monitors := m.Snapshot()
			msg := statsMessage{
				ID:             uuid.NewString(),
				Type:           "stats_broadcast",
				Timestamp:      time.Now().UnixMilli(),
				Workers:        workers,
				WorkersOnline:  len(workers),
				ClientsOnline:  len(clients),
				MonitorsOnline: len(monitors),
			}
			if provider != nil {
				qs, err := provider(ctx)
				if err != nil {
					m.log.Warn("connfabric: stats provider failed", obs.Err(err))
				} else {
					msg.Queue = qs
				}
			}
			n := m.BroadcastToMonitors(msg)
			m.log.Debug("connfabric: stats broadcast", zap.Int("monitors_sent", n))
		}
	}
}
