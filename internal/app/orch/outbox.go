package orch

import (
	"sync"

	"github.com/dkeye/callsig/internal/domain"
)

// outbox queues local candidates for a single writer. push never blocks and
// never drops; the writer takes whatever has accumulated in one batch.
type outbox struct {
	mu     sync.Mutex
	queue  []domain.ICECandidate
	closed bool
	wake   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (b *outbox) push(c domain.ICECandidate) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, c)
	b.mu.Unlock()
	b.signal()
}

func (b *outbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *outbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// next blocks until candidates are queued and returns them in push order.
// ok is false once the outbox is closed and drained.
func (b *outbox) next() (batch []domain.ICECandidate, ok bool) {
	for {
		b.mu.Lock()
		batch, b.queue = b.queue, nil
		closed := b.closed
		b.mu.Unlock()
		if len(batch) > 0 {
			return batch, true
		}
		if closed {
			return nil, false
		}
		<-b.wake
	}
}
