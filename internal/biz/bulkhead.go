package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Breakwater/internal/model"
)

// BulkheadConfig holds the capacity limits of one bulkhead.
type BulkheadConfig struct {
	// MaxConcurrency is the number of calls allowed in flight at once.
	MaxConcurrency int
	// MaxQueue is the number of callers allowed to wait for a slot.
	MaxQueue int
	// QueueWait bounds how long an enqueued caller waits for a slot.
	QueueWait time.Duration
}

// withDefaults fills zero fields with conservative defaults.
func (c BulkheadConfig) withDefaults() BulkheadConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
	if c.MaxQueue < 0 {
		c.MaxQueue = 0
	}
	if c.QueueWait <= 0 {
		c.QueueWait = 2 * time.Second
	}
	return c
}

// BulkheadFullError is returned when a call is rejected at admission because
// both the in-flight slots and the wait queue are full.
type BulkheadFullError struct {
	Resource string
	MaxQueue int
}

// Error implements the error interface.
func (e *BulkheadFullError) Error() string {
	return fmt.Sprintf("bulkhead full: resource=%s max_queue=%d", e.Resource, e.MaxQueue)
}

// BulkheadTimeoutError is returned when an enqueued call was not admitted
// before the queue-wait timeout elapsed. Callers can distinguish it from
// BulkheadFullError (rejected at the door) for backoff decisions.
type BulkheadTimeoutError struct {
	Resource string
	Waited   time.Duration
}

// Error implements the error interface.
func (e *BulkheadTimeoutError) Error() string {
	return fmt.Sprintf("bulkhead queue wait timed out: resource=%s waited=%s", e.Resource, e.Waited)
}

// Bulkhead bounds the number of in-flight calls against one resource and
// queues overflow callers FIFO. Every successful Acquire must be matched by
// exactly one Release.
type Bulkhead struct {
	name string
	cfg  BulkheadConfig

	mu       sync.Mutex
	inFlight int
	// queue holds one buffered channel per waiter; a releaser hands its
	// slot to the queue head by sending a token under the lock.
	queue []chan struct{}
}

// NewBulkhead creates a bulkhead for the named resource.
func NewBulkhead(name string, cfg BulkheadConfig) *Bulkhead {
	return &Bulkhead{
		name: name,
		cfg:  cfg.withDefaults(),
	}
}

// Acquire admits the caller immediately when a slot is free, enqueues it
// when the queue has room, and rejects it with *BulkheadFullError otherwise.
// An enqueued caller suspends until a slot is handed over, the queue-wait
// timeout elapses (*BulkheadTimeoutError) or ctx is cancelled (ctx.Err()).
func (b *Bulkhead) Acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.inFlight < b.cfg.MaxConcurrency {
		b.inFlight++
		b.mu.Unlock()
		return nil
	}
	if len(b.queue) >= b.cfg.MaxQueue {
		b.mu.Unlock()
		return &BulkheadFullError{Resource: b.name, MaxQueue: b.cfg.MaxQueue}
	}
	slot := make(chan struct{}, 1)
	b.queue = append(b.queue, slot)
	b.mu.Unlock()

	timer := time.NewTimer(b.cfg.QueueWait)
	defer timer.Stop()

	select {
	case <-slot:
		// The releaser transferred its in-flight slot to us.
		return nil
	case <-timer.C:
		if b.abandon(slot) {
			return &BulkheadTimeoutError{Resource: b.name, Waited: b.cfg.QueueWait}
		}
		// A slot was handed over concurrently with the timeout; the
		// grant wins and the caller proceeds as admitted.
		return nil
	case <-ctx.Done():
		if b.abandon(slot) {
			return ctx.Err()
		}
		return nil
	}
}

// Release frees the caller's slot. If a caller is queued, the slot is handed
// to the queue head without touching the in-flight count; otherwise the
// count is decremented.
func (b *Bulkhead) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 {
		slot := b.queue[0]
		b.queue = b.queue[1:]
		slot <- struct{}{}
		return
	}
	if b.inFlight > 0 {
		b.inFlight--
	}
}

// abandon removes a waiter from the queue. It returns false when the waiter
// was already dequeued by a releaser, in which case the grant token is
// already in the channel.
func (b *Bulkhead) abandon(slot chan struct{}) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.queue {
		if w == slot {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Stats returns an immutable snapshot for diagnostics.
func (b *Bulkhead) Stats() model.BulkheadStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.BulkheadStats{
		Resource:       b.name,
		MaxConcurrency: b.cfg.MaxConcurrency,
		MaxQueue:       b.cfg.MaxQueue,
		InFlight:       b.inFlight,
		Queued:         len(b.queue),
		Utilization:    float64(b.inFlight) / float64(b.cfg.MaxConcurrency),
	}
}
