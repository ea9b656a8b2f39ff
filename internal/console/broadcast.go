package console

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Broadcaster periodically snapshots state, delta-compresses against the
// previous snapshot, and batches updates. Critical events bypass the batch
// and go out immediately.
type Broadcaster struct {
	hub      *Hub
	provider SnapshotProvider

	snapshotInterval time.Duration
	batchInterval    time.Duration
	maxBatchSize     int

	mu      sync.Mutex
	prev    map[string]any
	pending []Frame

	logger *slog.Logger
}

// NewBroadcaster builds the broadcaster. Defaults: 1s snapshots, 250ms
// batches.
func NewBroadcaster(hub *Hub, provider SnapshotProvider, snapshotInterval, batchInterval time.Duration, maxBatchSize int, logger *slog.Logger) *Broadcaster {
	if snapshotInterval <= 0 {
		snapshotInterval = time.Second
	}
	if batchInterval <= 0 {
		batchInterval = 250 * time.Millisecond
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 32
	}
	return &Broadcaster{
		hub:              hub,
		provider:         provider,
		snapshotInterval: snapshotInterval,
		batchInterval:    batchInterval,
		maxBatchSize:     maxBatchSize,
		logger:           logger.With("component", "console_broadcast"),
	}
}

// Run drives the snapshot and batch tickers until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	snapTicker := time.NewTicker(b.snapshotInterval)
	batchTicker := time.NewTicker(b.batchInterval)
	defer snapTicker.Stop()
	defer batchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapTicker.C:
			b.snapshot()
		case <-batchTicker.C:
			b.Flush()
		}
	}
}

// Publish queues a non-critical frame for the next batch flush.
func (b *Broadcaster) Publish(frameType string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, Frame{Type: frameType, Timestamp: time.Now(), Data: data})
}

// PublishCritical sends a frame immediately, bypassing batching.
func (b *Broadcaster) PublishCritical(frameType string, data any) {
	b.hub.Broadcast(Frame{Type: frameType, Timestamp: time.Now(), Data: data})
}

// snapshot produces a STATE_UPDATE containing only fields that changed
// since the previous snapshot. The first snapshot is sent whole.
func (b *Broadcaster) snapshot() {
	current := b.provider()

	b.mu.Lock()
	delta := diffSnapshot(b.prev, current)
	b.prev = current
	if len(delta) == 0 {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, Frame{Type: FrameStateUpdate, Timestamp: time.Now(), Data: delta})
	b.mu.Unlock()
}

// Flush drains the pending queue. A single frame goes out as itself; more
// become one BATCH frame, capped at maxBatchSize per flush.
func (b *Broadcaster) Flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	n := len(b.pending)
	if n > b.maxBatchSize {
		n = b.maxBatchSize
	}
	batch := b.pending[:n:n]
	b.pending = append([]Frame(nil), b.pending[n:]...)
	b.mu.Unlock()

	if len(batch) == 1 {
		b.hub.Broadcast(batch[0])
		return
	}
	b.hub.Broadcast(Frame{Type: FrameBatch, Timestamp: time.Now(), Data: batch})
}

// diffSnapshot returns the keys of current whose values differ from prev,
// plus a tombstone (nil) for keys that disappeared. A nil prev returns
// current unchanged.
func diffSnapshot(prev, current map[string]any) map[string]any {
	if prev == nil {
		return current
	}
	delta := make(map[string]any)
	for k, v := range current {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old, v) {
			delta[k] = v
		}
	}
	for k := range prev {
		if _, ok := current[k]; !ok {
			delta[k] = nil
		}
	}
	return delta
}
