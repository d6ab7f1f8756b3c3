// Copyright 2025 James Ross
// Package progress is the progress stream fan-out: a keyspace-notification
// subscriber watches every job's Redis Stream for appends and re-broadcasts
// the latest frame to SSE connections, WebSocket clients subscribed to that
// job, and all monitor connections.
package progress

import (
	"sync"

	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
)

// Hub fans progress frames out to subscribers. It holds no Redis state of
// its own; Fabric.Run feeds it frames read off the SSS streams.
type Hub struct {
	mu     sync.Mutex
	sse    map[string]map[chan queue.ProgressFrame]struct{}
	wsSubs map[string]map[string]struct{} // job_id -> client connection ids
}

// NewHub builds an empty fan-out hub.
func NewHub() *Hub {
	return &Hub{
		sse:    make(map[string]map[chan queue.ProgressFrame]struct{}),
		wsSubs: make(map[string]map[string]struct{}),
	}
}

// SubscribeSSE registers a channel to receive every frame published for
// jobID. The returned cancel func must be called once the SSE connection
// closes. The channel is buffered by 1: progress is idempotent by latest
// frame, so a slow reader simply misses intermediate frames rather than
// blocking the publisher.
func (h *Hub) SubscribeSSE(jobID string) (<-chan queue.ProgressFrame, func()) {
	ch := make(chan queue.ProgressFrame, 1)
	h.mu.Lock()
	set, ok := h.sse[jobID]
	if !ok {
		set = make(map[chan queue.ProgressFrame]struct{})
		h.sse[jobID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.sse[jobID], ch)
		if len(h.sse[jobID]) == 0 {
			delete(h.sse, jobID)
		}
		h.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// SubscribeWS records that clientConnID wants frames for jobID delivered
// over its WebSocket connection.
func (h *Hub) SubscribeWS(jobID, clientConnID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.wsSubs[jobID]
	if !ok {
		set = make(map[string]struct{})
		h.wsSubs[jobID] = set
	}
	set[clientConnID] = struct{}{}
}

// UnsubscribeWS removes a WebSocket subscription, called on disconnect or
// explicit unsubscribe.
func (h *Hub) UnsubscribeWS(jobID, clientConnID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.wsSubs[jobID], clientConnID)
	if len(h.wsSubs[jobID]) == 0 {
		delete(h.wsSubs, jobID)
	}
}

// wsTargets returns the client connection ids currently subscribed to
// jobID, for the Fabric to route frames to via the connection manager.
func (h *Hub) wsTargets(jobID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.wsSubs[jobID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// publishSSE delivers frame to every SSE subscriber of jobID, dropping it
// for any reader whose buffer is already full.
func (h *Hub) publishSSE(jobID string, frame queue.ProgressFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.sse[jobID] {
		select {
		case ch <- frame:
		default:
		}
	}
}
