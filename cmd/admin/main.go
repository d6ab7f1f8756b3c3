// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/stakeordie/emp-job-queue-sub016/internal/breaker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/broker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/stakeordie/emp-job-queue-sub016/internal/matcher"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
	"github.com/stakeordie/emp-job-queue-sub016/internal/redisstore"
)

var version = "dev"

// main is the operator CLI over the broker's own operations. No auth is
// added here: authn/authz is terminated upstream of this service.
func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "Path to YAML config")
	showVersion := fs.Bool("version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	args := fs.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
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

	rdb := redisstore.New(cfg)
	defer rdb.Close()

	m := matcher.New(rdb, cfg.Matcher, logger)
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	b := broker.New(cfg, rdb, m, cb, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "stats":
		cmdStats(ctx, b)
	case "failed":
		limit := int64(50)
		cmdList(ctx, b, queue.StatusFailed, limit)
	case "pending":
		cmdList(ctx, b, queue.StatusQueued, 50)
	case "orphans":
		cmdOrphans(ctx, b)
	case "timeouts":
		cmdTimeouts(ctx, b)
	case "peek":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: admin peek <job_id>")
			os.Exit(2)
		}
		cmdPeek(ctx, b, args[1])
	case "cancel":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: admin cancel <job_id>")
			os.Exit(2)
		}
		cmdCancel(ctx, b, args[1])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin [-config path] <stats|pending|failed|orphans|timeouts|peek <job_id>|cancel <job_id>>")
}

// cmdStats reports job counts for the pending, queued, assigned,
// in_progress, completed and failed statuses among the first 1000 jobs
// ListJobs returns from the submission index; other statuses are not shown.
func cmdStats(ctx context.Context, b *broker.Broker) {
	counts := map[queue.Status]int{}
	jobs, err := b.ListJobs(ctx, "", 1000, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list jobs: %v\n", err)
		os.Exit(1)
	}
	for _, j := range jobs {
		counts[j.Status]++
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "status\tcount\n")
	for _, s := range []queue.Status{queue.StatusPending, queue.StatusQueued, queue.StatusAssigned, queue.StatusInProgress, queue.StatusCompleted, queue.StatusFailed} {
		fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
	}
	w.Flush()
}

func cmdList(ctx context.Context, b *broker.Broker, status queue.Status, limit int64) {
	jobs, err := b.ListJobs(ctx, status, limit, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list jobs: %v\n", err)
		os.Exit(1)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "job_id\tservice\tpriority\tretries\tworker_id\n")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\n", j.ID, j.ServiceRequired, j.Priority, j.RetryCount, j.MaxRetries, j.WorkerID)
	}
	w.Flush()
}

func cmdOrphans(ctx context.Context, b *broker.Broker) {
	n, err := b.DetectOrphans(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "detect orphans: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("released %d orphaned job(s)\n", n)
}

// cmdTimeouts runs the same assign_timeout/progress_timeout sweep as the
// background watchdog, for operators who want it on demand.
func cmdTimeouts(ctx context.Context, b *broker.Broker) {
	n, err := b.CheckTimeouts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "check timeouts: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("released %d timed-out job(s)\n", n)
}

func cmdPeek(ctx context.Context, b *broker.Broker, jobID string) {
	j, err := b.GetJob(ctx, jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get job: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("job_id:           %s\n", j.ID)
	fmt.Printf("status:           %s\n", j.Status)
	fmt.Printf("service_required: %s\n", j.ServiceRequired)
	fmt.Printf("priority:         %d\n", j.Priority)
	fmt.Printf("worker_id:        %s\n", j.WorkerID)
	fmt.Printf("retry_count:      %d/%d\n", j.RetryCount, j.MaxRetries)
	fmt.Printf("last_failed:      %s\n", j.LastFailedWorker)
}

func cmdCancel(ctx context.Context, b *broker.Broker, jobID string) {
	j, err := b.Cancel(ctx, jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("job %s now %s\n", j.ID, j.Status)
}
