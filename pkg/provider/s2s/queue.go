package s2s

import (
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio/pcm"
)

// DefaultQueueDepth is the outbound queue depth used by adapters when none is
// configured: sixteen 256 ms capture frames, about four seconds of audio.
const DefaultQueueDepth = 16

// OutboundQueue is a bounded, non-blocking FIFO of outbound chunks shared by
// the adapters. When full, Push discards the oldest queued chunk to make room,
// so a stalled transport loses stale audio rather than blocking capture.
type OutboundQueue struct {
	ch      chan pcm.WireChunk
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewOutboundQueue creates a queue holding at most depth chunks. A depth below
// one selects [DefaultQueueDepth].
func NewOutboundQueue(depth int) *OutboundQueue {
	if depth < 1 {
		depth = DefaultQueueDepth
	}
	return &OutboundQueue{ch: make(chan pcm.WireChunk, depth)}
}

// Push enqueues c without blocking. It returns [ErrSessionClosed] after Close.
func (q *OutboundQueue) Push(c pcm.WireChunk) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrSessionClosed
	}
	for {
		select {
		case q.ch <- c:
			return nil
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// C returns the receive side. It is closed by Close after the remaining
// chunks have been consumed.
func (q *OutboundQueue) C() <-chan pcm.WireChunk { return q.ch }

// Dropped returns how many chunks were discarded because the queue was full.
func (q *OutboundQueue) Dropped() uint64 { return q.dropped.Load() }

// Len returns the number of queued chunks.
func (q *OutboundQueue) Len() int { return len(q.ch) }

// Close stops accepting chunks. Idempotent.
func (q *OutboundQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
