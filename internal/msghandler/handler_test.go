// Copyright 2025 James Ross
package msghandler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stakeordie/emp-job-queue-sub016/internal/broker"
	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/stakeordie/emp-job-queue-sub016/internal/connfabric"
	"github.com/stakeordie/emp-job-queue-sub016/internal/matcher"
	"github.com/stakeordie/emp-job-queue-sub016/internal/progress"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
	"github.com/stakeordie/emp-job-queue-sub016/internal/retrypolicy"
	"github.com/stakeordie/emp-job-queue-sub016/internal/servicetags"
	"github.com/stakeordie/emp-job-queue-sub016/internal/tenant"
)

func setup(t *testing.T) (*Handler, *connfabric.Manager, *httptest.Server) {
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
		Worker:      config.Worker{HeartbeatTTL: 5 * time.Second},
		Progress:    config.Progress{StreamPrefix: "jobqueue:progress:", MaxStreamLen: 100},
		ExactlyOnce: config.ExactlyOnce{Namespace: "jobqueue:idempotency", TTL: time.Minute},
	}
	m := matcher.New(rdb, cfg.Matcher, zap.NewNop())
	b := broker.New(cfg, rdb, m, nil, zap.NewNop())

	cmCfg := config.ConnectionManager{
		MaxMessageSize: 1 << 20, ChunkSizeBytes: 1 << 20, MaxChunkedMessageAge: time.Second,
		HeartbeatInterval: time.Minute, ConnectionTimeout: time.Minute, StatsInterval: time.Minute,
		WriteBufferSize: 4096, ReadBufferSize: 4096,
	}
	cm := connfabric.New(cmCfg, zap.NewNop())

	h := New(b, cm, progress.NewHub(), servicetags.New(nil), tenant.NewRegistry(), retrypolicy.DefaultClassifier(), nil, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := connfabric.KindClient
		if r.URL.Query().Get("kind") == "worker" {
			kind = connfabric.KindWorker
		}
		conn, err := cm.Accept(w, r, kind, r.URL.Query().Get("id"))
		require.NoError(t, err)
		_ = conn
	}))
	t.Cleanup(srv.Close)

	return h, cm, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleSubmitJobRespondsWithJobSubmitted(t *testing.T) {
	h, cm, srv := setup(t)
	_ = cm
	client := dial(t, srv, "?kind=client&id=c1")
	time.Sleep(20 * time.Millisecond)

	payload, _ := json.Marshal(SubmitJobPayload{ServiceRequired: "comfyui", Priority: 50})
	env := queue.Envelope{ID: "m1", Type: TypeSubmitJob, Payload: payload}

	conn := findConn(t, cm, "c1")
	require.NoError(t, h.Dispatch(context.Background(), conn, env))

	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), TypeJobSubmitted)
}

func TestDispatchUnknownTypeIsNoop(t *testing.T) {
	h, cm, srv := setup(t)
	_ = srv
	conn := &connfabric.Connection{ID: "x"}
	_ = cm
	err := h.Dispatch(context.Background(), conn, queue.Envelope{Type: "bogus"})
	require.NoError(t, err)
}

func TestRegisterWorkerThenHeartbeat(t *testing.T) {
	h, cm, srv := setup(t)
	dial(t, srv, "?kind=worker&id=w1")
	time.Sleep(20 * time.Millisecond)
	conn := findConn(t, cm, "w1")

	regPayload, _ := json.Marshal(RegisterWorkerPayload{WorkerID: "w1", WorkerType: "comfyui-gpu", MaxConcurrent: 2})
	require.NoError(t, h.Dispatch(context.Background(), conn, queue.Envelope{Type: TypeRegisterWorker, Payload: regPayload}))

	hbPayload, _ := json.Marshal(WorkerHeartbeatPayload{WorkerID: "w1"})
	require.NoError(t, h.Dispatch(context.Background(), conn, queue.Envelope{Type: TypeWorkerHeartbeat, Payload: hbPayload}))
}

func findConn(t *testing.T, cm *connfabric.Manager, peerID string) *connfabric.Connection {
	t.Helper()
	for i := 0; i < 50; i++ {
		if c := cm.Lookup(peerID); c != nil {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection for peer %s not found", peerID)
	return nil
}
