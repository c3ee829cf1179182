package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/adalundhe/liveshare/core/protocol"
	"github.com/adalundhe/liveshare/core/scheduler"
)

// Default micro-batching parameters: flush at roughly frame rate, or
// sooner once the batch is full.
const (
	BatchInterval            = 16 * time.Millisecond
	BatchIntervalInteractive = 8 * time.Millisecond
	MaxBatchSize             = 100
)

// Batcher coalesces low-priority messages into batch frames. Adding the
// first message arms a flush timer; hitting the size cap flushes
// immediately.
type Batcher struct {
	interval time.Duration
	maxSize  int
	sched    *scheduler.Scheduler
	flush    func(protocol.Batch)

	mu      sync.Mutex
	pending []json.RawMessage
	task    *scheduler.Task
}

// NewBatcher creates a batcher that hands full batches to flush.
func NewBatcher(sched *scheduler.Scheduler, interval time.Duration, maxSize int, flush func(protocol.Batch)) *Batcher {
	if interval <= 0 {
		interval = BatchInterval
	}
	if maxSize <= 0 {
		maxSize = MaxBatchSize
	}
	return &Batcher{
		interval: interval,
		maxSize:  maxSize,
		sched:    sched,
		flush:    flush,
	}
}

// Add queues one encoded message.
func (b *Batcher) Add(raw json.RawMessage) {
	b.mu.Lock()
	b.pending = append(b.pending, raw)
	full := len(b.pending) >= b.maxSize
	if !full && b.task == nil {
		b.task = b.sched.After(b.interval, b.Flush)
	}
	b.mu.Unlock()

	if full {
		b.Flush()
	}
}

// Flush emits the pending batch, if any.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.task != nil {
		b.task.Cancel()
		b.task = nil
	}
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := protocol.Batch{
		Messages:  b.pending,
		Count:     len(b.pending),
		Timestamp: time.Now().UnixMilli(),
	}
	b.pending = nil
	b.mu.Unlock()

	b.flush(batch)
}

// Pending reports how many messages await the next flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
