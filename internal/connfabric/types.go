// Copyright 2025 James Ross
// Package connfabric is the connection manager: a per-process registry of
// WebSocket connections partitioned into worker, client and monitor kinds,
// with send/broadcast, heartbeat/eviction, chunked large-message transport,
// and periodic stats broadcast.
package connfabric

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Kind partitions connections by the role of the peer behind them.
type Kind string

const (
	KindWorker  Kind = "worker"
	KindClient  Kind = "client"
	KindMonitor Kind = "monitor"
)

// Connection is the Manager's live-peer record. It is owned exclusively by
// the Manager that accepted it and never shared across processes.
type Connection struct {
	ID          string
	Kind        Kind
	WorkerID    string
	ClientID    string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte

	mu           sync.Mutex
	lastActivity time.Time
	alive        bool
	bytesSent    int64
	bytesRecv    int64
	messagesSent int64
	messagesRecv int64
}

func newConnection(id string, kind Kind, conn *websocket.Conn) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		Kind:         kind,
		ConnectedAt:  now,
		conn:         conn,
		send:         make(chan []byte, 64),
		lastActivity: now,
		alive:        true,
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Alive reports the CM's last-known liveness for this connection, driven by
// both socket-level pong and the stale-cleanup sweep.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *Connection) markDead() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

// LastActivity returns the last time a message or a pong was read from this
// connection; writes do not update it.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Stats is a point-in-time snapshot of one connection's counters.
type Stats struct {
	ID           string `json:"id"`
	Kind         Kind   `json:"kind"`
	WorkerID     string `json:"worker_id,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ConnectedAt  int64  `json:"connected_at"`
	BytesSent    int64  `json:"bytes_sent"`
	BytesRecv    int64  `json:"bytes_recv"`
	MessagesSent int64  `json:"messages_sent"`
	MessagesRecv int64  `json:"messages_recv"`
	Alive        bool   `json:"alive"`
}

func (c *Connection) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ID:           c.ID,
		Kind:         c.Kind,
		WorkerID:     c.WorkerID,
		ClientID:     c.ClientID,
		ConnectedAt:  c.ConnectedAt.UnixMilli(),
		BytesSent:    c.bytesSent,
		BytesRecv:    c.bytesRecv,
		MessagesSent: c.messagesSent,
		MessagesRecv: c.messagesRecv,
		Alive:        c.alive,
	}
}
