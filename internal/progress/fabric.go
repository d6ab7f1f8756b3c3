// Copyright 2025 James Ross
package progress

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/stakeordie/emp-job-queue-sub016/internal/connfabric"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
)

// Fabric is the stream subscriber: it watches stream-append keyspace
// notifications and re-broadcasts the latest frame of each touched job to
// SSE, WebSocket, and monitor subscribers.
type Fabric struct {
	rdb     *redis.Client
	cfg     config.Progress
	hub     *Hub
	manager *connfabric.Manager
	log     *zap.Logger
}

// New builds a Fabric. manager may be nil in tests that only exercise the
// Hub's SSE path.
func New(rdb *redis.Client, cfg config.Progress, hub *Hub, manager *connfabric.Manager, log *zap.Logger) *Fabric {
	return &Fabric{rdb: rdb, cfg: cfg, hub: hub, manager: manager, log: log}
}

// Run subscribes to xadd keyspace events and blocks until ctx is done. The
// Redis server must have notify-keyspace-events including "t" (stream
// commands) and "E" (keyevent events) enabled; without them no
// notifications arrive and progress fan-out stays silent.
func (f *Fabric) Run(ctx context.Context) error {
	db := f.rdb.Options().DB
	pattern := "__keyevent@" + strconv.Itoa(db) + "__:xadd"
	sub := f.rdb.PSubscribe(ctx, pattern)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			f.handleNotification(ctx, msg.Payload)
		}
	}
}

// handleNotification reads the latest entry off the stream named in the
// notification payload and re-emits it. Intermediate frames a slow
// notification coalesces over are skipped; progress is idempotent by the
// latest frame.
func (f *Fabric) handleNotification(ctx context.Context, streamKey string) {
	if !strings.HasPrefix(streamKey, f.cfg.StreamPrefix) {
		return
	}
	jobID := strings.TrimPrefix(streamKey, f.cfg.StreamPrefix)

	entries, err := f.rdb.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
	if err != nil || len(entries) == 0 {
		if err != nil {
			f.log.Warn("progress: read latest entry failed", obs.String("job_id", jobID), obs.Err(err))
		}
		return
	}
	frame := parseFrame(jobID, entries[0].Values)
	f.publish(jobID, frame)
}

func (f *Fabric) publish(jobID string, frame queue.ProgressFrame) {
	f.hub.publishSSE(jobID, frame)
	if f.manager == nil {
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	env := queue.Envelope{
		ID:        uuid.NewString(),
		Type:      "update_job_progress",
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	for _, connID := range f.hub.wsTargets(jobID) {
		f.manager.Send(connID, env)
	}
	f.manager.BroadcastToMonitors(env)
}

func parseFrame(jobID string, values map[string]interface{}) queue.ProgressFrame {
	frame := queue.ProgressFrame{JobID: jobID}
	if v, ok := values["progress_pct"]; ok {
		frame.ProgressPct = toFloat(v)
	}
	if v, ok := values["message"]; ok {
		frame.Message = toString(v)
	}
	if v, ok := values["current_step"]; ok {
		frame.CurrentStep = int(toFloat(v))
	}
	if v, ok := values["total_steps"]; ok {
		frame.TotalSteps = int(toFloat(v))
	}
	if v, ok := values["estimated_completion_ms"]; ok {
		frame.EstimatedCompletionMs = int64(toFloat(v))
	}
	if v, ok := values["worker_id"]; ok {
		frame.WorkerID = toString(v)
	}
	if v, ok := values["timestamp"]; ok {
		frame.Timestamp = int64(toFloat(v))
	}
	return frame
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}
