// Copyright 2025 James Ross
// Package machine is the machine status aggregator: a per-machine process
// that composes a compact snapshot of its local workers and services and
// publishes it to a machine channel, on a change-driven cadence with a
// periodic floor.
package machine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
	"github.com/stakeordie/emp-job-queue-sub016/internal/redisstore"
)

// ServiceChecker reports whether a local downstream service is healthy.
// Distinct implementations exist per connector backend; the aggregator only
// needs the boolean rollup.
type ServiceChecker func(ctx context.Context) queue.ServiceHealth

// Aggregator composes and publishes MachineSnapshots for one machine.
type Aggregator struct {
	machineID   string
	rdb         *redis.Client
	keys        redisstore.Keys
	floor       time.Duration
	snapshotTTL time.Duration
	services    []ServiceChecker
	log         *zap.Logger

	startedAt time.Time
	changes   chan struct{}
}

// New builds an Aggregator. floor is the periodic publish cadence even when
// nothing has changed, so monitors see liveness. snapshotTTL bounds how
// long a stale snapshot survives a crashed machine before the registry
// entry expires on its own.
func New(machineID string, rdb *redis.Client, keys redisstore.Keys, floor, snapshotTTL time.Duration, services []ServiceChecker, log *zap.Logger) *Aggregator {
	return &Aggregator{
		machineID: machineID, rdb: rdb, keys: keys, floor: floor, snapshotTTL: snapshotTTL, services: services, log: log,
		startedAt: time.Now(),
		changes:   make(chan struct{}, 1),
	}
}

// NotifyChange wakes the publish loop immediately instead of waiting for
// the next floor tick, for worker connect/disconnect and service up/down
// events.
func (a *Aggregator) NotifyChange() {
	select {
	case a.changes <- struct{}{}:
	default:
	}
}

// WorkerLister supplies the current local worker summaries; implemented by
// whatever owns the worker registry (the connfabric Manager, in practice,
// via its locally cached capabilities plus connection state).
type WorkerLister func() []queue.WorkerSummary

// Run publishes snapshots on every change notification and at least once
// per floor interval, until ctx is done, at which point it publishes one
// final "shutdown" snapshot.
func (a *Aggregator) Run(ctx context.Context, workers WorkerLister) {
	ticker := time.NewTicker(a.floor)
	defer ticker.Stop()

	a.publish(ctx, workers, queue.MachineReady)
	for {
		select {
		case <-ctx.Done():
			a.publish(context.Background(), workers, queue.MachineShutdown)
			return
		case <-ticker.C:
			a.publish(ctx, workers, queue.MachineReady)
		case <-a.changes:
			a.publish(ctx, workers, queue.MachineReady)
		}
	}
}

func (a *Aggregator) publish(ctx context.Context, workers WorkerLister, status queue.MachineStatus) {
	services := make([]queue.ServiceHealth, 0, len(a.services))
	allHealthy := true
	for _, check := range a.services {
		h := check(ctx)
		services = append(services, h)
		if !h.Healthy {
			allHealthy = false
		}
	}
	if status == queue.MachineReady && !allHealthy {
		status = queue.MachineDegraded
	}

	snap := queue.MachineSnapshot{
		MachineID: a.machineID,
		Status:    status,
		Workers:   workers(),
		Services:  services,
		UptimeMs:  time.Since(a.startedAt).Milliseconds(),
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := snap.Marshal()
	if err != nil {
		a.log.Error("machine: snapshot marshal failed", obs.Err(err))
		return
	}
	pipe := a.rdb.TxPipeline()
	pipe.HSet(ctx, a.keys.Machine(a.machineID), "data", data)
	pipe.Expire(ctx, a.keys.Machine(a.machineID), a.snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		a.log.Warn("machine: snapshot persist failed", obs.Err(err))
	}
	if err := a.rdb.Publish(ctx, a.keys.MachineChannel(a.machineID), data).Err(); err != nil {
		a.log.Warn("machine: snapshot publish failed", obs.Err(err))
	}
}
