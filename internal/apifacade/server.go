// Copyright 2025 James Ross
package apifacade

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stakeordie/emp-job-queue-sub016/internal/broker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/stakeordie/emp-job-queue-sub016/internal/connfabric"
	"github.com/stakeordie/emp-job-queue-sub016/internal/eventhooks"
	"github.com/stakeordie/emp-job-queue-sub016/internal/msghandler"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/progress"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
	"github.com/stakeordie/emp-job-queue-sub016/internal/retrypolicy"
	"github.com/stakeordie/emp-job-queue-sub016/internal/servicetags"
	"github.com/stakeordie/emp-job-queue-sub016/internal/tenant"
)

// Server composes the Broker, Connection Manager, Message Handler and
// Progress Fabric into one HTTP+WebSocket process. It owns no durable
// state of its own.
type Server struct {
	cfg     *config.Config
	rdb     *redis.Client
	Broker  *broker.Broker
	Manager *connfabric.Manager
	Handler *msghandler.Handler
	Hub     *progress.Hub
	Fabric  *progress.Fabric
	tenants *tenant.Registry
	log     *zap.Logger

	httpServer *http.Server

	stopHeartbeat chan struct{}
}

// New wires every core component over rdb per cfg. hooks may be nil (event
// hooks disabled).
func New(cfg *config.Config, rdb *redis.Client, b *broker.Broker, hooks *eventhooks.Publisher, log *zap.Logger) *Server {
	manager := connfabric.New(cfg.ConnectionManager, log)
	hub := progress.NewHub()
	tags := servicetags.New(cfg.ServiceTags)
	tenants := tenant.NewRegistry(cfg.Tenant.KnownCustomers...)
	classifier := retrypolicy.DefaultClassifier()
	handler := msghandler.New(b, manager, hub, tags, tenants, classifier, hooks, log)
	fabric := progress.New(rdb, cfg.Progress, hub, manager, log)

	manager.OnWorkerMessage = func(c *connfabric.Connection, env queue.Envelope) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = handler.Dispatch(ctx, c, env)
	}
	manager.OnClientMessage = func(c *connfabric.Connection, env queue.Envelope) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = handler.Dispatch(ctx, c, env)
	}
	manager.OnWorkerDisconnect = func(c *connfabric.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.UpdateWorkerStatus(ctx, c.WorkerID, queue.WorkerOffline, nil); err != nil {
			log.Warn("apifacade: failed to mark disconnected worker offline", obs.String("worker_id", c.WorkerID), obs.Err(err))
		}
	}

	s := &Server{
		cfg: cfg, rdb: rdb, Broker: b, Manager: manager, Handler: handler, Hub: hub, Fabric: fabric,
		tenants: tenants, log: log, stopHeartbeat: make(chan struct{}),
	}
	manager.OnMonitorMessage = s.handleMonitorMessage
	return s
}

// Run starts the connection manager's heartbeat/cleanup loop, the progress
// fabric subscriber, the periodic stats broadcast, and the HTTP server, and
// blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.Manager.Run(s.stopHeartbeat)
	go func() {
		if err := s.Fabric.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("apifacade: progress fabric stopped", obs.Err(err))
		}
	}()
	go s.Manager.RunStatsBroadcast(ctx, s.queueStatsProvider)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}
	s.log.Info("apifacade: listening", obs.String("addr", addr))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Shutdown stops the heartbeat loop and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopHeartbeat)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// queueStatsProvider adapts the Broker's queue-depth counters to
// connfabric.StatsProvider for the periodic stats broadcast.
func (s *Server) queueStatsProvider(ctx context.Context) (connfabric.QueueStats, error) {
	pending, err := s.rdb.ZCard(ctx, s.cfg.Matcher.PendingQueueKey).Result()
	if err != nil {
		return connfabric.QueueStats{}, err
	}
	jobs, err := s.Broker.ListJobs(ctx, "", 200, 0)
	if err != nil {
		return connfabric.QueueStats{Pending: pending}, nil
	}
	var running, completed, failed int64
	for _, j := range jobs {
		switch j.Status {
		case queue.StatusAssigned, queue.StatusAccepted, queue.StatusInProgress:
			running++
		case queue.StatusCompleted:
			completed++
		case queue.StatusFailed, queue.StatusTimeout:
			failed++
		}
	}
	return connfabric.QueueStats{Pending: pending, Running: running, Completed: completed, Failed: failed}, nil
}

