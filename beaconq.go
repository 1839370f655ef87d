// Package beaconq is an offline-tolerant buffer for telemetry events. Events
// are accepted anywhere in the application, persisted through an injected
// key-value store so they survive restarts, and delivered in order to a
// remote collector once connectivity allows, with capped backoff between
// failed attempts.
//
// One Client is constructed per process and handed to producers; there is no
// package-level queue.
package beaconq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beaconlabs/beaconq/collector"
	"github.com/beaconlabs/beaconq/internal/logging"
	"github.com/beaconlabs/beaconq/netmon"
	"github.com/beaconlabs/beaconq/queue"
	"github.com/beaconlabs/beaconq/storage"
	"github.com/beaconlabs/beaconq/syncer"
)

// EventID identifies an enqueued event. IDs are strictly increasing, so they
// double as the FIFO order.
type EventID = uint64

// Config wires the three injected capabilities and the queue/sync tunables.
// Zero values fall back to the defaults documented on each field.
type Config struct {
	Store     storage.Store       // required: durable key-value backend
	Monitor   netmon.Monitor      // required: connectivity observer
	Collector collector.Deliverer // required: batch delivery transport

	QueueKey string // storage key, default "beaconq.queue.v1"
	MaxCount int    // queue capacity in events, default 1000
	MaxBytes int    // queue capacity in approximate bytes, default 1 MiB

	BatchSize       int             // events per flush, default 100
	MaxAttempts     int             // attempt ceiling, default 6
	Backoff         []time.Duration // retry schedule, default 1s..10m
	JitterPct       float64         // backoff jitter, default 0.25
	FlushInterval   time.Duration   // periodic trigger, default 30s
	DeliveryTimeout time.Duration   // per-attempt timeout, default 15s

	OnAbandoned func(syncer.Abandoned) // poison-event reports, default log line
}

// Client owns the queue and the sync engine for one process.
type Client struct {
	q      *queue.Queue
	engine *syncer.Engine
	log    *logging.Logger
}

// Open loads the persisted queue and starts the sync engine. A corrupt
// persisted record is reported and discarded, not fatal; only a store
// failure aborts Open.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Store == nil || cfg.Monitor == nil || cfg.Collector == nil {
		return nil, errors.New("beaconq: store, monitor and collector are required")
	}

	log := logging.New("beaconq")

	q := queue.New(queue.Config{
		Store:    cfg.Store,
		Key:      cfg.QueueKey,
		MaxCount: defaultInt(cfg.MaxCount, 1000),
		MaxBytes: defaultInt(cfg.MaxBytes, 1<<20),
	})
	if err := q.Load(ctx); err != nil {
		if !errors.Is(err, queue.ErrCorruptSnapshot) {
			return nil, fmt.Errorf("beaconq: load queue: %w", err)
		}
		log.Plain().WithError(err).Warn("persisted queue unreadable, starting empty")
	}

	engine := syncer.New(q, cfg.Collector, cfg.Monitor, syncer.Config{
		BatchSize:       cfg.BatchSize,
		MaxAttempts:     cfg.MaxAttempts,
		Backoff:         cfg.Backoff,
		JitterPct:       cfg.JitterPct,
		FlushInterval:   cfg.FlushInterval,
		DeliveryTimeout: cfg.DeliveryTimeout,
		OnAbandoned:     cfg.OnAbandoned,
	})
	engine.Start()

	return &Client{q: q, engine: engine, log: log}, nil
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Enqueue appends one event and returns once it is durably persisted. The
// payload must be JSON-serializable; it is opaque to the queue. Network
// state never affects Enqueue; the only possible failure is the store.
func (c *Client) Enqueue(ctx context.Context, payload any) (EventID, error) {
	return c.q.Enqueue(ctx, payload)
}

// ForceSync attempts a flush immediately, regardless of the periodic timer
// and any backoff window. Offline is reported in the result, not as an
// error.
func (c *Client) ForceSync(ctx context.Context) (syncer.FlushResult, error) {
	return c.engine.ForceSync(ctx)
}

// Status returns the current queue and sync snapshot.
func (c *Client) Status() syncer.Status {
	return c.engine.Status()
}

// Notifications returns a channel carrying the latest status after each
// completed flush. See syncer.Engine.Notifications for its coalescing
// semantics.
func (c *Client) Notifications() <-chan syncer.Status {
	return c.engine.Notifications()
}

// Shutdown stops all automatic flushing, waits for an in-flight flush to
// finish, and leaves queued events durable for the next session. Idempotent.
func (c *Client) Shutdown() {
	c.engine.Shutdown()
}
