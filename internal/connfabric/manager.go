// Copyright 2025 James Ross
package connfabric

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
)

// Manager is the connection manager: process-scoped, created at start and
// destroyed at stop. Cross-process sharing only ever happens through the
// SSS, never through these maps.
type Manager struct {
	cfg config.ConnectionManager
	log *zap.Logger

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	workers  map[string]*Connection // keyed by connection ID
	clients  map[string]*Connection
	monitors map[string]*Connection
	byWorker map[string]*Connection // worker_id -> connection, for routed send
	byClient map[string]*Connection // client_id -> connection

	capsMu sync.RWMutex
	caps   map[string]queue.Capabilities // locally cached worker capabilities

	inbound *reassembler // per-receiving-connection buffers keyed by chunk_id (global is fine: chunk_id is a uuid)

	OnWorkerMessage    func(*Connection, queue.Envelope)
	OnClientMessage    func(*Connection, queue.Envelope)
	OnMonitorMessage   func(*Connection, queue.Envelope)
	OnWorkerConnect    func(*Connection)
	OnWorkerDisconnect func(*Connection)
	OnClientConnect    func(*Connection)
	OnClientDisconnect func(*Connection)
}

// New builds a Manager. cfg drives message sizing, chunking, heartbeat and
// timeout tunables.
func New(cfg config.ConnectionManager, log *zap.Logger) *Manager {
	return &Manager{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		workers:  make(map[string]*Connection),
		clients:  make(map[string]*Connection),
		monitors: make(map[string]*Connection),
		byWorker: make(map[string]*Connection),
		byClient: make(map[string]*Connection),
		caps:     make(map[string]queue.Capabilities),
		inbound:  newReassembler(cfg.MaxChunkedMessageAge),
	}
}

// Accept upgrades an incoming HTTP request to a WebSocket and registers the
// resulting Connection under kind, keyed by peerID (the worker_id or
// client_id from the URL path for worker/client kinds, a generated id for
// monitors). It starts the read and write pumps and returns once the
// connection is registered; the pumps run until the socket closes.
func (m *Manager) Accept(w http.ResponseWriter, r *http.Request, kind Kind, peerID string) (*Connection, error) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if peerID == "" {
		peerID = uuid.NewString()
	}
	c := newConnection(peerID, kind, ws)

	m.mu.Lock()
	switch kind {
	case KindWorker:
		c.WorkerID = peerID
		m.workers[c.ID] = c
		m.byWorker[peerID] = c
	case KindClient:
		c.ClientID = peerID
		m.clients[c.ID] = c
		m.byClient[peerID] = c
	default:
		m.monitors[c.ID] = c
	}
	m.mu.Unlock()
	obs.ConnectionsActive.WithLabelValues(string(kind)).Inc()

	switch kind {
	case KindWorker:
		if m.OnWorkerConnect != nil {
			m.OnWorkerConnect(c)
		}
	case KindClient:
		if m.OnClientConnect != nil {
			m.OnClientConnect(c)
		}
	}

	go m.writePump(c)
	go m.readPump(c)

	return c, nil
}

func (m *Manager) remove(c *Connection) {
	m.mu.Lock()
	switch c.Kind {
	case KindWorker:
		delete(m.workers, c.ID)
		if m.byWorker[c.WorkerID] == c {
			delete(m.byWorker, c.WorkerID)
		}
	case KindClient:
		delete(m.clients, c.ID)
		if m.byClient[c.ClientID] == c {
			delete(m.byClient, c.ClientID)
		}
	default:
		delete(m.monitors, c.ID)
	}
	m.mu.Unlock()
	obs.ConnectionsActive.WithLabelValues(string(c.Kind)).Dec()
}

func (m *Manager) readPump(c *Connection) {
	defer func() {
		c.markDead()
		_ = c.conn.Close()
		m.remove(c)
		switch c.Kind {
		case KindWorker:
			if m.OnWorkerDisconnect != nil {
				m.OnWorkerDisconnect(c)
			}
		case KindClient:
			if m.OnClientDisconnect != nil {
				m.OnClientDisconnect(c)
			}
		}
	}()

	c.conn.SetReadLimit(m.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(m.cfg.ConnectionTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(m.cfg.ConnectionTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		c.mu.Lock()
		c.messagesRecv++
		c.bytesRecv += int64(len(data))
		c.mu.Unlock()

		env, ok := m.decode(data)
		if !ok {
			continue
		}
		m.dispatch(c, env)
	}
}

// decode handles both plain envelopes and chunk fragments transparently:
// the peer buffers chunks until the final one arrives, then delivers the
// reconstructed message to the application exactly as if it had arrived
// whole.
func (m *Manager) decode(data []byte) (queue.Envelope, bool) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		m.log.Warn("connfabric: dropping undecodable message", obs.Err(err))
		return queue.Envelope{}, false
	}
	if probe.Type != queue.ChunkMessageType {
		var env queue.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.log.Warn("connfabric: dropping malformed envelope", obs.Err(err))
			return queue.Envelope{}, false
		}
		return env, true
	}

	var ce queue.ChunkEnvelope
	if err := json.Unmarshal(data, &ce); err != nil {
		m.log.Warn("connfabric: dropping malformed chunk", obs.Err(err))
		return queue.Envelope{}, false
	}
	full, ready := m.inbound.add(ce)
	if !ready {
		return queue.Envelope{}, false
	}
	var env queue.Envelope
	if err := json.Unmarshal(full, &env); err != nil {
		m.log.Error("connfabric: reassembled message failed to decode", obs.Err(err))
		return queue.Envelope{}, false
	}
	return env, true
}

func (m *Manager) dispatch(c *Connection, env queue.Envelope) {
	switch c.Kind {
	case KindWorker:
		if m.OnWorkerMessage != nil {
			m.OnWorkerMessage(c, env)
		}
	case KindClient:
		if m.OnClientMessage != nil {
			m.OnClientMessage(c, env)
		}
	case KindMonitor:
		if m.OnMonitorMessage != nil {
			m.OnMonitorMessage(c, env)
		}
	}
}

func (m *Manager) writePump(c *Connection) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.cfg.ConnectionTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			c.mu.Lock()
			c.messagesSent++
			c.bytesSent += int64(len(data))
			c.mu.Unlock()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.cfg.ConnectionTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue pushes data onto the connection's write channel without blocking
// the caller; a full channel means the peer is not draining fast enough, so
// the write is dropped and the connection is flagged dead rather than
// stalling the Manager on one slow socket.
func (m *Manager) enqueue(c *Connection, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		c.markDead()
		return false
	}
}

// Send size-checks against max_message_size, fragments above
// chunk_size_bytes, and writes to the target connection.
// targetID is resolved against worker_id, then client_id, then raw
// connection id, so callers don't need to know which kind they're
// addressing.
func (m *Manager) Send(targetID string, v interface{}) bool {
	c := m.lookup(targetID)
	if c == nil || !c.Alive() {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		m.log.Error("connfabric: marshal failed", obs.Err(err))
		return false
	}
	if int64(len(data)) > m.cfg.MaxMessageSize {
		m.log.Error("connfabric: message exceeds max_message_size, dropping", obs.Int("size", len(data)))
		return false
	}
	if int64(len(data)) <= m.cfg.ChunkSizeBytes {
		return m.enqueue(c, data)
	}
	ok := true
	for _, chunk := range splitChunks(data, m.cfg.ChunkSizeBytes) {
		cd, err := json.Marshal(chunk)
		if err != nil {
			return false
		}
		if !m.enqueue(c, cd) {
			ok = false
		}
	}
	return ok
}

// Lookup resolves targetID against worker_id, client_id, then raw
// connection id, returning nil if none match. Exposed for callers (such as
// the message handler) that need the Connection itself rather than just a
// Send.
func (m *Manager) Lookup(targetID string) *Connection {
	return m.lookup(targetID)
}

func (m *Manager) lookup(targetID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.byWorker[targetID]; ok {
		return c
	}
	if c, ok := m.byClient[targetID]; ok {
		return c
	}
	if c, ok := m.workers[targetID]; ok {
		return c
	}
	if c, ok := m.clients[targetID]; ok {
		return c
	}
	if c, ok := m.monitors[targetID]; ok {
		return c
	}
	return nil
}

// Broadcast fans out to every connection of kind passing filter (a nil
// filter matches everything).
func (m *Manager) Broadcast(kind Kind, v interface{}, filter func(*Connection) bool) int {
	data, err := json.Marshal(v)
	if err != nil {
		m.log.Error("connfabric: broadcast marshal failed", obs.Err(err))
		return 0
	}
	targets := m.connectionsOf(kind)
	count := 0
	for _, c := range targets {
		if filter != nil && !filter(c) {
			continue
		}
		if !c.Alive() {
			continue
		}
		if int64(len(data)) > m.cfg.ChunkSizeBytes {
			for _, chunk := range splitChunks(data, m.cfg.ChunkSizeBytes) {
				cd, _ := json.Marshal(chunk)
				m.enqueue(c, cd)
			}
		} else if !m.enqueue(c, data) {
			continue
		}
		count++
	}
	return count
}

// BroadcastToMonitors is the convenience wrapper targeting only monitor
// connections.
func (m *Manager) BroadcastToMonitors(v interface{}) int {
	return m.Broadcast(KindMonitor, v, nil)
}

func (m *Manager) connectionsOf(kind Kind) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var src map[string]*Connection
	switch kind {
	case KindWorker:
		src = m.workers
	case KindClient:
		src = m.clients
	default:
		src = m.monitors
	}
	out := make([]*Connection, 0, len(src))
	for _, c := range src {
		out = append(out, c)
	}
	return out
}

// PingAllResult counts the application-level pings PingAll issued.
type PingAllResult struct {
	Workers int
	Clients int
}

// PingAll issues an application-level ping to every worker and client
// connection; socket-level liveness is also driven independently by pong
// (see writePump/readPump).
func (m *Manager) PingAll() PingAllResult {
	env := queue.Envelope{ID: uuid.NewString(), Type: "ping", Timestamp: time.Now().UnixMilli()}
	data, _ := json.Marshal(env)
	res := PingAllResult{}
	for _, c := range m.connectionsOf(KindWorker) {
		if m.enqueue(c, data) {
			res.Workers++
		}
	}
	for _, c := range m.connectionsOf(KindClient) {
		if m.enqueue(c, data) {
			res.Clients++
		}
	}
	return res
}

// CleanupResult counts the connections CleanupStale evicted.
type CleanupResult struct {
	EvictedWorkers int
	EvictedClients int
}

// CleanupStale evicts connections idle longer than the connection timeout
// or whose socket is already known dead. A worker whose connection is
// evicted here has its jobs released via the broker's orphan path, driven
// by worker-registry presence TTL rather than directly by this sweep.
func (m *Manager) CleanupStale() CleanupResult {
	cutoff := time.Now().Add(-m.cfg.ConnectionTimeout)
	var res CleanupResult

	m.mu.RLock()
	var stale []*Connection
	for _, c := range m.workers {
		if !c.Alive() || c.LastActivity().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	for _, c := range m.clients {
		if !c.Alive() || c.LastActivity().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range stale {
		c.markDead()
		_ = c.conn.Close()
		m.remove(c)
		if c.Kind == KindWorker {
			res.EvictedWorkers++
			if m.OnWorkerDisconnect != nil {
				m.OnWorkerDisconnect(c)
			}
		} else {
			res.EvictedClients++
			if m.OnClientDisconnect != nil {
				m.OnClientDisconnect(c)
			}
		}
	}
	m.inbound.sweep()
	return res
}

// RegisterWorkerCapabilities stores capabilities locally for message
// routing; the Broker independently persists them to the SSS. Local-only
// state is never read back across processes.
func (m *Manager) RegisterWorkerCapabilities(workerID string, caps queue.Capabilities) {
	m.capsMu.Lock()
	m.caps[workerID] = caps
	m.capsMu.Unlock()
}

// WorkerCapabilities returns the locally cached capabilities for workerID,
// if any.
func (m *Manager) WorkerCapabilities(workerID string) (queue.Capabilities, bool) {
	m.capsMu.RLock()
	defer m.capsMu.RUnlock()
	c, ok := m.caps[workerID]
	return c, ok
}

// Snapshot returns the per-connection Stats of every registered connection,
// grouped by kind; the stats broadcast and the API façade's monitor view use it.
func (m *Manager) Snapshot() (workers, clients, monitors []Stats) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.workers {
		workers = append(workers, c.snapshot())
	}
	for _, c := range m.clients {
		clients = append(clients, c.snapshot())
	}
	for _, c := range m.monitors {
		monitors = append(monitors, c.snapshot())
	}
	return
}

// Run drives the heartbeat cadence: every heartbeat interval, ping each
// connection and sweep the stale ones.
func (m *Manager) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.PingAll()
			res := m.CleanupStale()
			if res.EvictedWorkers > 0 || res.EvictedClients > 0 {
				m.log.Info("connfabric: evicted stale connections",
					obs.Int("workers", res.EvictedWorkers), obs.Int("clients", res.EvictedClients))
			}
		}
	}
}
