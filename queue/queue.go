// Package queue implements the durable, bounded FIFO buffer of pending
// telemetry events. The persisted snapshot is the source of truth: every
// mutation is written through to the backing store before it is acknowledged,
// so a process restart reconstructs exactly the acknowledged state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beaconlabs/beaconq/internal/metrics"
	"github.com/beaconlabs/beaconq/storage"
)

// snapshotVersion is bumped on any incompatible change to the persisted
// layout. Older or unknown versions are discarded on Load rather than
// migrated; the queue holds telemetry, not records worth crash-looping over.
const snapshotVersion = 1

// ErrCorruptSnapshot reports that the persisted queue could not be decoded
// and was reset to empty.
var ErrCorruptSnapshot = errors.New("queue: corrupt snapshot, queue reset")

// PersistenceError wraps a backing-store failure. It is the only error
// producers ever see from Enqueue.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("queue: persist (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Event is one pending telemetry payload plus its queue-managed envelope.
// Everything except Attempts is immutable once enqueued.
type Event struct {
	ID         uint64          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

// snapshot is the single versioned record persisted under the storage key.
type snapshot struct {
	Version int     `json:"version"`
	NextID  uint64  `json:"next_id"`
	Dropped uint64  `json:"dropped"`
	Events  []Event `json:"events"`
}

// perEventOverhead approximates the envelope cost of one event in the
// serialized snapshot, used for the byte budget alongside the payload size.
const perEventOverhead = 96

type Config struct {
	Store    storage.Store
	Key      string // storage key for the snapshot record
	MaxCount int    // max pending events; 0 disables the count bound
	MaxBytes int    // max approximate serialized bytes; 0 disables the byte bound
}

// Queue is the ordered durable buffer. All methods are safe for concurrent
// use; mutations hold one mutex so RemovePrefix is atomic with respect to
// Enqueue.
type Queue struct {
	store    storage.Store
	key      string
	maxCount int
	maxBytes int

	mu      sync.Mutex
	events  []Event
	nextID  uint64
	dropped uint64
	bytes   int

	now func() time.Time
}

func New(cfg Config) *Queue {
	key := cfg.Key
	if key == "" {
		key = "beaconq.queue.v1"
	}
	q := &Queue{
		store:    cfg.Store,
		key:      key,
		maxCount: cfg.MaxCount,
		maxBytes: cfg.MaxBytes,
		now:      func() time.Time { return time.Now().UTC() },
	}
	q.nextID = seedID(q.now())
	return q
}

// seedID derives a starting ID from the wall clock with room for a
// per-millisecond sequence, so IDs stay strictly increasing across restarts
// even when the persisted high-water mark is lost.
func seedID(t time.Time) uint64 {
	return uint64(t.UnixMilli()) << 12
}

func eventCost(e Event) int {
	return len(e.Payload) + perEventOverhead
}

// Load reconstructs the in-memory sequence from the backing store. It is
// called once before the queue is used. A missing record yields an empty
// queue; an undecodable or wrong-version record resets the queue to empty,
// rewrites an empty snapshot, and returns an error wrapping
// ErrCorruptSnapshot so the caller can report it. Data loss is preferred
// over crash-looping.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.store.Get(ctx, q.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &PersistenceError{Op: "load", Err: err}
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil || snap.Version != snapshotVersion {
		q.events = nil
		q.bytes = 0
		metrics.RecordCorruptionReset()
		metrics.UpdateQueueDepth(0)
		if perr := q.persistLocked(ctx, "reset"); perr != nil {
			return fmt.Errorf("%w: %v", ErrCorruptSnapshot, perr)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, snap.Version)
	}

	q.events = snap.Events
	q.dropped = snap.Dropped
	if snap.NextID > q.nextID {
		q.nextID = snap.NextID
	}
	q.bytes = 0
	for _, e := range q.events {
		q.bytes += eventCost(e)
	}
	metrics.UpdateQueueDepth(len(q.events))
	return nil
}

// Enqueue appends a new event and persists the sequence before returning the
// assigned ID. When the queue is full the oldest events are evicted to make
// room (drop-oldest backpressure). On a persist failure the in-memory state
// is rolled back and a PersistenceError returned, so the two copies never
// diverge.
func (q *Queue) Enqueue(ctx context.Context, payload any) (uint64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("queue: encode payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ev := Event{
		ID:         q.nextID,
		Payload:    body,
		EnqueuedAt: q.now(),
	}

	prevEvents := q.events
	prevBytes := q.bytes
	prevDropped := q.dropped
	prevNext := q.nextID

	evicted := 0
	cost := eventCost(ev)
	for len(q.events) > 0 &&
		((q.maxCount > 0 && len(q.events)+1 > q.maxCount) ||
			(q.maxBytes > 0 && q.bytes+cost > q.maxBytes)) {
		q.bytes -= eventCost(q.events[0])
		q.events = q.events[1:]
		evicted++
	}

	q.events = append(q.events, ev)
	q.bytes += cost
	q.dropped += uint64(evicted)
	q.nextID++

	if err := q.persistLocked(ctx, "enqueue"); err != nil {
		q.events = prevEvents
		q.bytes = prevBytes
		q.dropped = prevDropped
		q.nextID = prevNext
		return 0, err
	}

	metrics.RecordEnqueued(evicted)
	metrics.UpdateQueueDepth(len(q.events))
	return ev.ID, nil
}

// PeekBatch returns up to maxCount oldest pending events without removing
// them. The returned slice is a copy; callers may not mutate queue state
// through it.
func (q *Queue) PeekBatch(maxCount int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxCount <= 0 || maxCount > len(q.events) {
		maxCount = len(q.events)
	}
	if maxCount == 0 {
		return nil
	}
	batch := make([]Event, maxCount)
	copy(batch, q.events[:maxCount])
	return batch
}

// RemovePrefix durably removes all events with ID <= upToID, after confirmed
// delivery or abandonment. Events enqueued after the batch was read have
// larger IDs and survive.
func (q *Queue) RemovePrefix(ctx context.Context, upToID uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(q.events) && q.events[n].ID <= upToID {
		n++
	}
	if n == 0 {
		return nil
	}

	prevEvents := q.events
	prevBytes := q.bytes
	for _, e := range q.events[:n] {
		q.bytes -= eventCost(e)
	}
	q.events = append([]Event(nil), q.events[n:]...)

	if err := q.persistLocked(ctx, "remove"); err != nil {
		q.events = prevEvents
		q.bytes = prevBytes
		return err
	}
	metrics.UpdateQueueDepth(len(q.events))
	return nil
}

// MarkAttempted increments the attempt count of every pending event with
// ID <= upToID and persists the change. Attempts is the one mutable envelope
// field; it never decreases.
func (q *Queue) MarkAttempted(ctx context.Context, upToID uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(q.events) && q.events[n].ID <= upToID {
		q.events[n].Attempts++
		n++
	}
	if n == 0 {
		return nil
	}
	if err := q.persistLocked(ctx, "mark"); err != nil {
		for i := 0; i < n; i++ {
			q.events[i].Attempts--
		}
		return err
	}
	return nil
}

// Size returns the number of pending events.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// OldestTimestamp returns the enqueue time of the oldest pending event.
func (q *Queue) OldestTimestamp() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return time.Time{}, false
	}
	return q.events[0].EnqueuedAt, true
}

// Dropped returns the monotonic count of events evicted by drop-oldest
// backpressure.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) persistLocked(ctx context.Context, op string) error {
	snap := snapshot{
		Version: snapshotVersion,
		NextID:  q.nextID,
		Dropped: q.dropped,
		Events:  q.events,
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	if err := q.store.Set(ctx, q.key, string(b)); err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	return nil
}
