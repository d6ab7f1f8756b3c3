// Copyright 2025 James Ross
// Package eventhooks fans job lifecycle transitions out to an external NATS
// subject, separate from the in-process progress fan-out of
// internal/progress. Downstream systems (billing, analytics, audit)
// subscribe to the subject instead of polling the broker.
package eventhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
)

// EventType identifies a job lifecycle transition.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventAssigned  EventType = "assigned"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is the payload published for one job lifecycle transition.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Publisher fans job lifecycle events out to a NATS subject. A nil
// Publisher (or one with a nil connection) is a no-op, so eventhooks stays
// optional infrastructure behind config.EventHooks.Enabled.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

// Connect dials NATS and returns a Publisher publishing to subject. Returns
// a nil *Publisher, nil error when natsURL is empty, so callers can always
// invoke Publish without a nil-check branch at call sites.
func Connect(natsURL, subject string, log *zap.Logger) (*Publisher, error) {
	if natsURL == "" {
		return nil, nil
	}
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, subject: subject, log: log}, nil
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
}

// Publish fans a job lifecycle transition out. Publish failures are logged
// and swallowed: event hooks are an observability aid, and a dropped
// event-hook publish must never fail the underlying transition it reports.
func (p *Publisher) Publish(ctx context.Context, evtType EventType, job queue.Job) {
	if p == nil || p.conn == nil {
		return
	}
	evt := Event{
		Type:      evtType,
		JobID:     job.ID,
		Status:    string(job.Status),
		WorkerID:  job.WorkerID,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		if p.log != nil {
			p.log.Warn("eventhooks: publish failed", obs.String("job_id", job.ID), obs.String("event", string(evtType)), obs.Err(err))
		}
	}
}
