// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stakeordie/emp-job-queue-sub016/internal/breaker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/broker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/stakeordie/emp-job-queue-sub016/internal/connector"
	"github.com/stakeordie/emp-job-queue-sub016/internal/matcher"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
	"github.com/stakeordie/emp-job-queue-sub016/internal/redisstore"
	"github.com/stakeordie/emp-job-queue-sub016/internal/retrypolicy"
	"github.com/stakeordie/emp-job-queue-sub016/internal/servicetags"
	"github.com/stakeordie/emp-job-queue-sub016/internal/workerruntime"
)

var version = "dev"

// main runs one worker identity's pull loop against the shared state
// store. It ships with the simulation connector wired by default; a real
// deployment swaps in a connector.Connector backed by ComfyUI, A1111,
// OpenAI or another downstream service.
func main() {
	var configPath string
	var workerID string
	var workerType string
	var extraTags string
	var maxConcurrent int
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&workerID, "worker-id", "", "Worker identity (defaults to hostname-pid)")
	fs.StringVar(&workerType, "worker-type", "simulation", "Worker type key into service_tags mapping")
	fs.StringVar(&extraTags, "extra-tags", "", "Comma-separated additional accepted service tags")
	fs.IntVar(&maxConcurrent, "max-concurrent", 0, "Override worker.max_concurrent_jobs (0 keeps the config value)")
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
	if maxConcurrent > 0 {
		cfg.Worker.MaxConcurrentJobs = maxConcurrent
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisstore.New(cfg)
	defer rdb.Close()

	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	var extra []string
	if extraTags != "" {
		extra = strings.Split(extraTags, ",")
	}
	tags := servicetags.New(cfg.ServiceTags)
	accepted := tags.Expand(workerType, extra)

	caps := queue.Capabilities{
		AcceptedServices: accepted,
		MaxConcurrent:    cfg.Worker.MaxConcurrentJobs,
		Version:          version,
	}

	m := matcher.New(rdb, cfg.Matcher, logger)
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	b := broker.New(cfg, rdb, m, cb, logger)
	classifier := retrypolicy.DefaultClassifier()

	conn := connector.NewSimulationConnector(caps)
	conn.Recorder = b

	if err := b.RegisterWorker(context.Background(), queue.Worker{
		ID:           workerID,
		Capabilities: caps,
		Status:       queue.WorkerIdle,
	}); err != nil {
		logger.Fatal("worker registration failed", obs.Err(err))
	}

	rt := workerruntime.New(workerID, b, conn, caps, cfg.Worker, classifier, cb, logger)

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

	logger.Info("worker starting",
		obs.String("worker_id", workerID),
		obs.String("worker_type", workerType),
		obs.Int("max_concurrent", cfg.Worker.MaxConcurrentJobs),
	)
	rt.Run(ctx)
}
