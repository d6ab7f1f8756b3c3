// Copyright 2025 James Ross
package connfabric

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stakeordie/emp-job-queue-sub016/internal/obs"
	"github.com/stakeordie/emp-job-queue-sub016/internal/queue"
)

// chunkBuffer is the per-message reassembly state: received fragments
// keyed by index, expired after max_chunked_message_age.
type chunkBuffer struct {
	totalChunks int
	received    map[int][]byte
	dataHash    string
	createdAt   time.Time
}

type reassembler struct {
	mu      sync.Mutex
	buffers map[string]*chunkBuffer
	maxAge  time.Duration
}

func newReassembler(maxAge time.Duration) *reassembler {
	return &reassembler{buffers: make(map[string]*chunkBuffer), maxAge: maxAge}
}

// add buffers one fragment and returns the reassembled message once every
// chunk has arrived: the fragments are concatenated in index order and the
// digest checked against the advertised data_hash before delivery. A hash
// mismatch drops the message silently (counted, not surfaced to the
// sender).
func (r *reassembler) add(ce queue.ChunkEnvelope) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[ce.Chunk.ChunkID]
	if !ok {
		buf = &chunkBuffer{
			totalChunks: ce.Chunk.TotalChunks,
			received:    make(map[int][]byte, ce.Chunk.TotalChunks),
			dataHash:    ce.Chunk.DataHash,
			createdAt:   time.Now(),
		}
		r.buffers[ce.Chunk.ChunkID] = buf
	}
	buf.received[ce.Chunk.ChunkIndex] = ce.Data

	if len(buf.received) < buf.totalChunks {
		return nil, false
	}

	delete(r.buffers, ce.Chunk.ChunkID)

	full := make([]byte, 0)
	for i := 0; i < buf.totalChunks; i++ {
		part, ok := buf.received[i]
		if !ok {
			obs.ChunkedMessagesDropped.Inc()
			return nil, false
		}
		full = append(full, part...)
	}

	sum := sha256.Sum256(full)
	if hex.EncodeToString(sum[:]) != buf.dataHash {
		obs.ChunkedMessagesDropped.Inc()
		return nil, false
	}
	obs.ChunkedMessagesReassembled.Inc()
	return full, true
}

// sweep drops reassembly buffers older than maxAge, bounding memory use
// under adversarial or crashed senders.
func (r *reassembler) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	expired := 0
	cutoff := time.Now().Add(-r.maxAge)
	for id, buf := range r.buffers {
		if buf.createdAt.Before(cutoff) {
			delete(r.buffers, id)
			expired++
			obs.ChunkedMessagesDropped.Inc()
		}
	}
	return expired
}

// splitChunks fragments data into chunkSize-sized pieces wrapped in
// ChunkEnvelopes sharing one chunk_id and data_hash.
func splitChunks(data []byte, chunkSize int64) []queue.ChunkEnvelope {
	if chunkSize <= 0 {
		chunkSize = int64(len(data))
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	chunkID := uuid.NewString()

	total := (len(data) + int(chunkSize) - 1) / int(chunkSize)
	if total == 0 {
		total = 1
	}
	chunks := make([]queue.ChunkEnvelope, 0, total)
	now := time.Now().UnixMilli()
	for i := 0; i < total; i++ {
		start := i * int(chunkSize)
		end := start + int(chunkSize)
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, queue.ChunkEnvelope{
			ID:        uuid.NewString(),
			Type:      queue.ChunkMessageType,
			Timestamp: now,
			Chunk: queue.ChunkInfo{
				ChunkID:     chunkID,
				ChunkIndex:  i,
				TotalChunks: total,
				DataHash:    hash,
			},
			Data: append([]byte(nil), data[start:end]...),
		})
	}
	return chunks
}
