// Copyright 2025 James Ross
package connfabric

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
)

func testManager() *Manager {
	cfg := config.ConnectionManager{
		MaxMessageSize:       1 << 20,
		ChunkSizeBytes:       1 << 20,
		MaxChunkedMessageAge: time.Second,
		HeartbeatInterval:    50 * time.Millisecond,
		ConnectionTimeout:    time.Second,
		StatsInterval:        time.Second,
		WriteBufferSize:      4096,
		ReadBufferSize:       4096,
	}
	return New(cfg, zap.NewNop())
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestAcceptRegistersWorkerConnection(t *testing.T) {
	m := testManager()
	connected := make(chan struct{}, 1)
	m.OnWorkerConnect = func(c *Connection) { connected <- struct{}{} }

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := m.Accept(w, r, KindWorker, "worker-1")
		require.NoError(t, err)
	}))
	defer srv.Close()

	client := dialWS(t, srv)
	defer client.Close()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("worker connect callback never fired")
	}

	workers, _, _ := m.Snapshot()
	require.Len(t, workers, 1)
	assert.Equal(t, "worker-1", workers[0].WorkerID)
}

func TestSendDeliversToRegisteredWorker(t *testing.T) {
	m := testManager()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := m.Accept(w, r, KindWorker, "worker-2")
		require.NoError(t, err)
	}))
	defer srv.Close()

	client := dialWS(t, srv)
	defer client.Close()

	time.Sleep(20 * time.Millisecond)
	ok := m.Send("worker-2", map[string]string{"type": "assign_job"})
	assert.True(t, ok)

	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "assign_job")
}

func TestCleanupStaleEvictsDeadConnections(t *testing.T) {
	m := testManager()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := m.Accept(w, r, KindWorker, "worker-3")
		require.NoError(t, err)
	}))
	defer srv.Close()

	client := dialWS(t, srv)
	defer client.Close()
	time.Sleep(20 * time.Millisecond)

	m.mu.RLock()
	var c *Connection
	for _, conn := range m.workers {
		c = conn
	}
	m.mu.RUnlock()
	require.NotNil(t, c)
	c.markDead()

	res := m.CleanupStale()
	assert.Equal(t, 1, res.EvictedWorkers)
}
