// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stakeordie/emp-job-queue-sub016/internal/apifacade"
	"github.com/stakeordie/emp-job-queue-sub016/internal/backpressure"
	"github.com/stakeordie/emp-job-queue-sub016/internal/breaker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/broker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/stakeordie/emp-job-queue-sub016/internal/connfabric"
	"github.com/stakeordie/emp-job-queue-sub016/internal/eventhooks"
	"github.com/stakeordie/emp-job-queue-sub016/internal/machine"
	"github.com/stakeordie/emp-job-queue-sub016/internal/matcher"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
	"github.com/stakeordie/emp-job-queue-sub016/internal/redisstore"
	"go.uber.org/zap"
)

var version = "dev"

// main starts the broker process: the SSS-backed matcher and job broker,
// wrapped in the API façade's HTTP+WebSocket surface. Run a separate
// cmd/worker process to pull and execute jobs.
func main() {
	var configPath string
	var addr string
	var machineID string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&addr, "addr", ":8080", "HTTP+WebSocket listen address")
	fs.StringVar(&machineID, "machine-id", "", "Machine identity for fleet status aggregation (defaults to hostname)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisstore.New(cfg)
	defer rdb.Close()

	readyCheck := func(c context.Context) error {
		return rdb.Ping(c).Err()
	}
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)

	m := matcher.New(rdb, cfg.Matcher, logger)
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	b := broker.New(cfg, rdb, m, cb, logger)

	startTimeoutWatchdog(ctx, b, logger)

	if cfg.Backpressure.Enabled {
		depthFn := func(c context.Context) (int64, error) {
			return rdb.ZCard(c, cfg.Matcher.PendingQueueKey).Result()
		}
		gate := backpressure.NewGate(cfg.Backpressure.HighWatermark, 0.8, time.Second, depthFn)
		go gate.Run(ctx)
		b.SetBackpressureGate(gate)
	}

	var hooks *eventhooks.Publisher
	if cfg.EventHooks.Enabled {
		hooks, err = eventhooks.Connect(cfg.EventHooks.NATSURL, cfg.EventHooks.Subject, logger)
		if err != nil {
			logger.Warn("event hooks disabled: connect failed", obs.Err(err))
			hooks = nil
		} else {
			defer hooks.Close()
		}
	}

	if machineID == "" {
		if host, err := os.Hostname(); err == nil {
			machineID = host
		} else {
			machineID = "machine-unknown"
		}
	}
	keys := redisstore.NewKeys(cfg.Matcher.PendingQueueKey, cfg.Matcher.JobKeyPrefix, cfg.Matcher.WorkerKeyPrefix, cfg.Matcher.RunningJobsPrefix)
	agg := machine.New(machineID, rdb, keys, cfg.Worker.HeartbeatTTL, cfg.Machine.SnapshotTTL, nil, logger)

	srv := apifacade.New(cfg, rdb, b, hooks, logger)

	go agg.Run(ctx, localWorkerSummaries(srv.Manager))

	if err := srv.Run(ctx, addr); err != nil {
		logger.Fatal("api façade stopped", obs.Err(err))
	}
}

// startTimeoutWatchdog periodically runs DetectOrphans and CheckTimeouts so
// the assign/progress watchdogs and orphan recovery fire even when no
// client sends a sync_job_state message.
func startTimeoutWatchdog(ctx context.Context, b *broker.Broker, log *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := b.DetectOrphans(ctx); err != nil {
					log.Warn("orphan watchdog failed", obs.Err(err))
				} else if n > 0 {
					log.Info("orphan watchdog recovered jobs", obs.Int("count", n))
				}
				if n, err := b.CheckTimeouts(ctx); err != nil {
					log.Warn("timeout watchdog failed", obs.Err(err))
				} else if n > 0 {
					log.Info("timeout watchdog released jobs", obs.Int("count", n))
				}
			}
		}
	}()
}

// localWorkerSummaries adapts the connection manager's live worker
// connections into the compact form the machine aggregator publishes;
// per-worker job counts live with the broker's job records, not the
// connection fabric, so this reports liveness only.
func localWorkerSummaries(mgr *connfabric.Manager) machine.WorkerLister {
	return func() []queue.WorkerSummary {
		workers, _, _ := mgr.Snapshot()
		out := make([]queue.WorkerSummary, 0, len(workers))
		for _, w := range workers {
			status := queue.WorkerOffline
			if w.Alive {
				status = queue.WorkerIdle
			}
			out = append(out, queue.WorkerSummary{WorkerID: w.WorkerID, Status: status})
		}
		return out
	}
}
