// Copyright 2025 James Ross
package connfabric

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
)

func TestSplitAndReassembleRoundTrips(t *testing.T) {
	env := queue.Envelope{ID: "e1", Type: "submit_job", Timestamp: 1}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	chunks := splitChunks(data, 8)
	assert.Greater(t, len(chunks), 1)

	r := newReassembler(time.Minute)
	var out []byte
	for i, c := range chunks {
		full, ready := r.add(c)
		if i < len(chunks)-1 {
			assert.False(t, ready)
		} else {
			require.True(t, ready)
			out = full
		}
	}
	assert.Equal(t, data, out)
}

func TestReassemblerDropsOnHashMismatch(t *testing.T) {
	env := queue.Envelope{ID: "e1", Type: "submit_job", Timestamp: 1}
	data, _ := json.Marshal(env)
	chunks := splitChunks(data, 1024)
	require.Len(t, chunks, 1)

	chunks[0].Chunk.DataHash = "0000"
	r := newReassembler(time.Minute)
	_, ready := r.add(chunks[0])
	assert.False(t, ready)
}

func TestSweepExpiresOldBuffers(t *testing.T) {
	r := newReassembler(time.Millisecond)
	ce := queue.ChunkEnvelope{
		ID:   "c1",
		Type: queue.ChunkMessageType,
		Chunk: queue.ChunkInfo{
			ChunkID:     "abc",
			ChunkIndex:  0,
			TotalChunks: 2,
			DataHash:    "irrelevant",
		},
		Data: []byte("partial"),
	}
	_, ready := r.add(ce)
	assert.False(t, ready)

	time.Sleep(5 * time.Millisecond)
	expired := r.sweep()
	assert.Equal(t, 1, expired)
}
