// Copyright 2025 James Ross
package workerruntime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stakeordie/emp-job-queue-sub016/internal/broker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/stakeordie/emp-job-queue-sub016/internal/connector"
	"github.com/stakeordie/emp-job-queue-sub016/internal/matcher"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
	"github.com/stakeordie/emp-job-queue-sub016/internal/retrypolicy"
)

func setup(t *testing.T) (*broker.Broker, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{
		Matcher: config.Matcher{
			ScanLimit: 200, ContentionRetries: 2,
			PendingQueueKey: "jobqueue:pending", JobKeyPrefix: "jobqueue:job:",
			WorkerKeyPrefix: "jobqueue:worker:", RunningJobsPrefix: "jobqueue:worker:running:",
		},
		Worker:      config.Worker{HeartbeatTTL: 5 * time.Second, HeartbeatInterval: 50 * time.Millisecond},
		Progress:    config.Progress{StreamPrefix: "jobqueue:progress:", MaxStreamLen: 100},
		ExactlyOnce: config.ExactlyOnce{Namespace: "jobqueue:idempotency", TTL: time.Minute},
	}
	m := matcher.New(rdb, cfg.Matcher, zap.NewNop())
	return broker.New(cfg, rdb, m, nil, zap.NewNop()), rdb
}

func TestRuntimeProcessesClaimedJob(t *testing.T) {
	b, _ := setup(t)
	ctx := context.Background()

	job := queue.NewJob("j1", "simulation", 50, nil)
	job.MaxRetries = 1
	_, err := b.SubmitJob(ctx, job)
	require.NoError(t, err)

	conn := connector.NewSimulationConnector(queue.Capabilities{AcceptedServices: []string{"simulation"}})
	conn.StepCount = 2
	conn.StepDelay = time.Millisecond

	cfg := config.Worker{
		HeartbeatInterval: time.Hour,
		PollBackoff:       config.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
	}
	caps := queue.Capabilities{AcceptedServices: []string{"simulation"}, MaxConcurrent: 1}
	rt := New("w1", b, conn, caps, cfg, retrypolicy.DefaultClassifier(), nil, zap.NewNop())

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		rt.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		j, err := b.QueuePosition(ctx, "j1")
		return err == nil && j == -1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRuntimeHonorsCancelDuringRun(t *testing.T) {
	b, _ := setup(t)
	ctx := context.Background()

	job := queue.NewJob("j1", "simulation", 50, nil)
	job.MaxRetries = 3
	_, err := b.SubmitJob(ctx, job)
	require.NoError(t, err)

	conn := connector.NewSimulationConnector(queue.Capabilities{AcceptedServices: []string{"simulation"}})
	conn.StepCount = 1000
	conn.StepDelay = 20 * time.Millisecond

	cfg := config.Worker{
		HeartbeatInterval: time.Hour,
		PollBackoff:       config.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
	}
	caps := queue.Capabilities{AcceptedServices: []string{"simulation"}, MaxConcurrent: 1}
	rt := New("w1", b, conn, caps, cfg, retrypolicy.DefaultClassifier(), nil, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		rt.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		pos, err := b.QueuePosition(ctx, "j1")
		return err == nil && pos == -1
	}, time.Second, 5*time.Millisecond)

	_, err = b.Cancel(ctx, "j1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := b.GetJob(ctx, "j1")
		return err == nil && j.Status == queue.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	// The cancelled job must stay terminal: the worker's fail_job after the
	// aborted run is a no-op against a terminal status.
	time.Sleep(100 * time.Millisecond)
	j, err := b.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, j.Status)

	cancel()
	<-done
}

func TestRuntimeReleasesInFlightOnShutdown(t *testing.T) {
	b, _ := setup(t)
	ctx := context.Background()

	job := queue.NewJob("j1", "simulation", 50, nil)
	job.MaxRetries = 1
	_, err := b.SubmitJob(ctx, job)
	require.NoError(t, err)

	conn := connector.NewSimulationConnector(queue.Capabilities{AcceptedServices: []string{"simulation"}})
	conn.StepCount = 1000
	conn.StepDelay = 50 * time.Millisecond

	cfg := config.Worker{
		HeartbeatInterval: time.Hour,
		PollBackoff:       config.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
	}
	caps := queue.Capabilities{AcceptedServices: []string{"simulation"}, MaxConcurrent: 1}
	rt := New("w1", b, conn, caps, cfg, retrypolicy.DefaultClassifier(), nil, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		rt.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		pos, err := b.QueuePosition(ctx, "j1")
		return err == nil && pos == -1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	pos, err := b.QueuePosition(ctx, "j1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, pos, int64(0))
}
