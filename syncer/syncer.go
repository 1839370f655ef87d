// Package syncer drives flush attempts against the remote collector. It owns
// the retry/backoff policy, the single-flight rule, and the status surface;
// the queue remains the durable source of truth and is only mutated here
// after confirmed delivery or abandonment.
package syncer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/beaconlabs/beaconq/collector"
	"github.com/beaconlabs/beaconq/internal/logging"
	"github.com/beaconlabs/beaconq/internal/metrics"
	"github.com/beaconlabs/beaconq/internal/tracing"
	"github.com/beaconlabs/beaconq/netmon"
	"github.com/beaconlabs/beaconq/queue"
)

// State is the engine's position in its flush lifecycle.
type State int32

const (
	StateIdle State = iota
	StateFlushing
	StateBackoffWait
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFlushing:
		return "flushing"
	case StateBackoffWait:
		return "backoff_wait"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Outcome classifies one flush attempt.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered" // whole batch confirmed
	OutcomePartial   Outcome = "partial"   // a prefix confirmed, remainder requeued
	OutcomeFailed    Outcome = "failed"    // nothing confirmed, backoff scheduled
	OutcomeEmpty     Outcome = "empty"     // nothing to send
	OutcomeOffline   Outcome = "offline"   // no connectivity, no attempt made
	OutcomeInFlight  Outcome = "in_flight" // coalesced into an already running flush
	OutcomeDeferred  Outcome = "deferred"  // backoff window not yet elapsed
	OutcomeDisabled  Outcome = "disabled"  // engine shut down
)

// FlushResult describes the most recent flush attempt.
type FlushResult struct {
	Outcome   Outcome   `json:"outcome"`
	Delivered int       `json:"delivered"`
	Abandoned int       `json:"abandoned"`
	Reason    string    `json:"reason,omitempty"` // failure classification when Outcome is failed
	At        time.Time `json:"at"`

	Err error `json:"-"`
}

// Status is the read-side snapshot surfaced to observers.
type Status struct {
	Size                int         `json:"size"`
	OldestTimestamp     *time.Time  `json:"oldest_timestamp,omitempty"`
	DroppedCount        uint64      `json:"dropped_count"`
	LastFlush           FlushResult `json:"last_flush"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	State               string      `json:"state"`
}

type Config struct {
	BatchSize       int             // max events per flush
	MaxAttempts     int             // attempt ceiling before abandonment
	Backoff         []time.Duration // attempt-indexed retry schedule
	JitterPct       float64         // backoff jitter fraction (0.0-1.0)
	FlushInterval   time.Duration   // periodic trigger cadence
	DeliveryTimeout time.Duration   // per-attempt delivery timeout

	// OnAbandoned receives the report for every dropped poison event.
	// Defaults to a log line.
	OnAbandoned func(Abandoned)

	// Now and Rand are injectable for tests.
	Now  func() time.Time
	Rand *rand.Rand
}

// Engine is the sync state machine. One flush is in flight at most; triggers
// arriving while flushing coalesce into no-ops.
type Engine struct {
	q   *queue.Queue
	del collector.Deliverer
	mon netmon.Monitor
	cfg Config
	log *logging.Logger
	rng *rand.Rand
	now func() time.Time

	mu                  sync.Mutex
	state               State
	disabled            bool
	lastAttemptAt       time.Time
	lastSuccessAt       time.Time
	consecutiveFailures int
	nextEligibleAt      time.Time
	lastResult          FlushResult

	notify  chan Status
	trigger chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	unsub   func()
	once    sync.Once
}

func New(q *queue.Queue, del collector.Deliverer, mon netmon.Monitor, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.JitterPct <= 0 {
		cfg.JitterPct = 0.25
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 15 * time.Second
	}
	e := &Engine{
		q:       q,
		del:     del,
		mon:     mon,
		cfg:     cfg,
		log:     logging.New("beaconq-syncer"),
		rng:     cfg.Rand,
		now:     cfg.Now,
		notify:  make(chan Status, 1),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.cfg.OnAbandoned == nil {
		e.cfg.OnAbandoned = func(a Abandoned) {
			e.log.Plain().WithEvent(a.Event.ID).WithField("attempts", a.Attempts).Warn("event abandoned")
		}
	}
	return e
}

// Start subscribes to connectivity notifications and begins the periodic
// flush loop.
func (e *Engine) Start() {
	e.unsub = e.mon.Subscribe(func(online bool) {
		if online {
			e.kick()
		}
	})
	e.wg.Add(1)
	go e.run()
}

// kick requests a flush without blocking; a pending request is enough, so
// repeated notifications collapse into one.
func (e *Engine) kick() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush(context.Background(), false)
		case <-e.trigger:
			e.flush(context.Background(), false)
		}
	}
}

// ForceSync runs a flush attempt immediately, bypassing the backoff window
// but not connectivity: forcing while offline is a no-op reporting Offline.
// It is safe to call while a flush is already in flight.
func (e *Engine) ForceSync(ctx context.Context) (FlushResult, error) {
	res := e.flush(ctx, true)
	return res, res.Err
}

// Status returns a consistent snapshot of queue and sync state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	st := Status{
		Size:                e.q.Size(),
		DroppedCount:        e.q.Dropped(),
		LastFlush:           e.lastResult,
		ConsecutiveFailures: e.consecutiveFailures,
		State:               e.state.String(),
	}
	if ts, ok := e.q.OldestTimestamp(); ok {
		st.OldestTimestamp = &ts
	}
	return st
}

// Notifications returns the push channel for status changes. The channel
// holds the latest snapshot only; a slow reader sees the newest state, never
// a backlog. Poll Status() instead if ordering of intermediate states
// matters.
func (e *Engine) Notifications() <-chan Status {
	return e.notify
}

func (e *Engine) publishStatus() {
	e.mu.Lock()
	st := e.statusLocked()
	e.mu.Unlock()
	// latest-wins, never blocks a mutation
	for {
		select {
		case e.notify <- st:
			return
		default:
			select {
			case <-e.notify:
			default:
			}
		}
	}
}

// Shutdown disables all future automatic flushing and waits for any
// in-flight flush to finish. Queued events remain durable for the next
// session. Idempotent.
func (e *Engine) Shutdown() {
	e.once.Do(func() {
		e.mu.Lock()
		e.disabled = true
		if e.state != StateFlushing {
			e.state = StateDisabled
		}
		e.mu.Unlock()
		if e.unsub != nil {
			e.unsub()
		}
		close(e.done)
		e.wg.Wait()
	})
}

// flush runs one guarded flush attempt. force bypasses the backoff window.
func (e *Engine) flush(ctx context.Context, force bool) FlushResult {
	now := e.now()

	e.mu.Lock()
	if e.disabled {
		e.mu.Unlock()
		return FlushResult{Outcome: OutcomeDisabled, At: now}
	}
	if e.state == StateFlushing {
		e.mu.Unlock()
		return FlushResult{Outcome: OutcomeInFlight, At: now}
	}
	if !force && now.Before(e.nextEligibleAt) {
		e.mu.Unlock()
		return FlushResult{Outcome: OutcomeDeferred, At: now}
	}
	if !e.mon.Online() {
		res := FlushResult{Outcome: OutcomeOffline, At: now}
		e.lastResult = res
		e.mu.Unlock()
		metrics.RecordFlush(string(OutcomeOffline), 0)
		e.publishStatus()
		return res
	}
	e.state = StateFlushing
	e.mu.Unlock()

	start := e.now()
	res := e.flushOnce(ctx)
	res.At = start
	elapsed := e.now().Sub(start)

	e.mu.Lock()
	e.lastAttemptAt = start
	e.lastResult = res
	switch res.Outcome {
	case OutcomeDelivered, OutcomePartial:
		// any accepted prefix counts as progress
		e.consecutiveFailures = 0
		e.nextEligibleAt = time.Time{}
		e.lastSuccessAt = e.now()
		e.state = StateIdle
	case OutcomeEmpty:
		e.state = StateIdle
	case OutcomeFailed:
		e.consecutiveFailures++
		delay := computeDelay(e.consecutiveFailures, e.cfg.Backoff, e.cfg.JitterPct, e.rng)
		e.nextEligibleAt = e.now().Add(delay)
		e.state = StateBackoffWait
		metrics.RecordRetry(res.Reason)
		e.log.Plain().WithFields(map[string]any{
			"failures": e.consecutiveFailures,
			"delay":    delay.String(),
			"reason":   res.Reason,
		}).Warn("flush failed, backoff scheduled")
	}
	if e.disabled {
		e.state = StateDisabled
	}
	e.mu.Unlock()

	metrics.RecordFlush(string(res.Outcome), elapsed.Seconds())
	e.publishStatus()
	return res
}

// flushOnce pulls one batch, drops poison events at the head, and attempts
// delivery. Only a confirmed prefix is removed from the queue; a failure
// leaves the queue untouched except for the attempt counts.
func (e *Engine) flushOnce(ctx context.Context) FlushResult {
	ctx, span := tracing.StartSpan(ctx, "syncer.flush")
	defer span.End()

	batch := e.q.PeekBatch(e.cfg.BatchSize)

	// Poison protection. Attempt counts are non-increasing in ID order, so
	// events past the ceiling always form a head prefix.
	abandoned := 0
	for abandoned < len(batch) && batch[abandoned].Attempts >= e.cfg.MaxAttempts {
		abandoned++
	}
	if abandoned > 0 {
		tracing.AddSpanEvent(ctx, "syncer.abandon", attribute.Int("count", abandoned))
		for _, ev := range batch[:abandoned] {
			e.cfg.OnAbandoned(newAbandoned(ev, "max attempts reached"))
		}
		if err := e.q.RemovePrefix(ctx, batch[abandoned-1].ID); err != nil {
			// background persistence failure: log, retry next cycle
			tracing.SetSpanError(ctx, err)
			e.log.WithContext(ctx).WithError(err).Error("abandon removal failed")
			return FlushResult{Outcome: OutcomeFailed, Reason: "persistence", Err: err}
		}
		metrics.RecordAbandoned(abandoned)
		metrics.UpdateQueueDepth(e.q.Size())
		batch = batch[abandoned:]
	}

	if len(batch) == 0 {
		return FlushResult{Outcome: OutcomeEmpty, Abandoned: abandoned}
	}

	last := batch[len(batch)-1].ID
	span.SetAttributes(
		attribute.Int("batch_size", len(batch)),
		attribute.Int64("last_id", int64(last)),
	)

	if err := e.q.MarkAttempted(ctx, last); err != nil {
		tracing.SetSpanError(ctx, err)
		e.log.WithContext(ctx).WithError(err).Error("attempt accounting failed")
		return FlushResult{Outcome: OutcomeFailed, Abandoned: abandoned, Reason: "persistence", Err: err}
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
	defer cancel()
	accepted, err := e.del.Deliver(dctx, batch)
	if accepted > len(batch) {
		accepted = len(batch)
	}

	if accepted > 0 {
		if rmErr := e.q.RemovePrefix(ctx, batch[accepted-1].ID); rmErr != nil {
			// The collector confirmed the prefix but the removal did not
			// persist; the next flush may redeliver it. Collectors dedup on
			// event ID.
			tracing.SetSpanError(ctx, rmErr)
			e.log.WithContext(ctx).WithError(rmErr).Error("confirmed prefix removal failed")
			return FlushResult{Outcome: OutcomeFailed, Delivered: accepted, Abandoned: abandoned, Reason: "persistence", Err: rmErr}
		}
	}

	switch {
	case err == nil && accepted == len(batch):
		e.log.WithContext(ctx).WithField("delivered", accepted).Debug("flush delivered")
		return FlushResult{Outcome: OutcomeDelivered, Delivered: accepted, Abandoned: abandoned}
	case accepted > 0:
		e.log.WithContext(ctx).WithFields(map[string]any{
			"delivered": accepted,
			"remaining": len(batch) - accepted,
		}).Info("flush partially accepted")
		return FlushResult{Outcome: OutcomePartial, Delivered: accepted, Abandoned: abandoned, Err: err}
	case err != nil:
		tracing.SetSpanError(ctx, err)
		return FlushResult{Outcome: OutcomeFailed, Abandoned: abandoned, Reason: collector.Reason(err), Err: err}
	default:
		// 2xx with accepted=0: the collector refused the whole batch
		return FlushResult{Outcome: OutcomeFailed, Abandoned: abandoned, Reason: "rejected"}
	}
}
