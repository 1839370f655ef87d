package beaconq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beaconlabs/beaconq/collector"
	"github.com/beaconlabs/beaconq/netmon"
	"github.com/beaconlabs/beaconq/storage"
	"github.com/beaconlabs/beaconq/syncer"
)

// quietMonitor flips connectivity without emitting notifications, keeping
// flush timing under the test's control.
type quietMonitor struct {
	online atomic.Bool
}

func newQuietMonitor(online bool) *quietMonitor {
	m := &quietMonitor{}
	m.online.Store(online)
	return m
}

func (m *quietMonitor) Online() bool                       { return m.online.Load() }
func (m *quietMonitor) Subscribe(func(online bool)) func() { return func() {} }

type fakeCollector struct {
	handler http.HandlerFunc
	srv     *httptest.Server
	batches atomic.Int64
}

// newFakeCollector spins up a collector endpoint answering with the given
// accepted count, or full acceptance when accept < 0.
func newFakeCollector(t *testing.T, accept int) *fakeCollector {
	t.Helper()
	fc := &fakeCollector{}
	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fc.batches.Add(1)
		if accept < 0 {
			w.WriteHeader(http.StatusOK)
			return
		}
		fmt.Fprintf(w, `{"accepted":%d}`, accept)
	}))
	t.Cleanup(fc.srv.Close)
	return fc
}

func openTestClient(t *testing.T, store storage.Store, mon netmon.Monitor, url string) *Client {
	t.Helper()
	client, err := Open(context.Background(), Config{
		Store:         store,
		Monitor:       mon,
		Collector:     collector.NewHTTP(url, "", 2*time.Second),
		FlushInterval: time.Hour, // keep the periodic trigger out of tests
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(client.Shutdown)
	return client
}

func TestOpenRequiresInjectedCapabilities(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing store", Config{Monitor: netmon.NewManual(true), Collector: collector.NewHTTP("http://x", "", 0)}},
		{"missing monitor", Config{Store: storage.NewMemory(), Collector: collector.NewHTTP("http://x", "", 0)}},
		{"missing collector", Config{Store: storage.NewMemory(), Monitor: netmon.NewManual(true)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(context.Background(), tt.cfg); err == nil {
				t.Error("Open() error = nil, want required-capability error")
			}
		})
	}
}

func TestEnqueueWhileOfflineThenForceSync(t *testing.T) {
	fc := newFakeCollector(t, -1)
	store := storage.NewMemory()
	mon := newQuietMonitor(false)
	client := openTestClient(t, store, mon, fc.srv.URL)

	ctx := context.Background()
	var ids []EventID
	for i := 0; i < 3; i++ {
		id, err := client.Enqueue(ctx, map[string]any{"seq": i})
		if err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("ids not strictly increasing: %v", ids)
		}
	}

	// offline: flush is a clean no-op, events stay queued
	res, err := client.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync() offline error: %v", err)
	}
	if res.Outcome != syncer.OutcomeOffline {
		t.Errorf("offline outcome = %q, want %q", res.Outcome, syncer.OutcomeOffline)
	}
	if got := client.Status().Size; got != 3 {
		t.Errorf("size after offline flush = %d, want 3", got)
	}

	mon.online.Store(true)
	res, err = client.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync() online error: %v", err)
	}
	if res.Outcome != syncer.OutcomeDelivered {
		t.Errorf("online outcome = %q, want %q", res.Outcome, syncer.OutcomeDelivered)
	}
	if res.Delivered != 3 {
		t.Errorf("delivered = %d, want 3", res.Delivered)
	}
	if got := client.Status().Size; got != 0 {
		t.Errorf("size after delivery = %d, want 0", got)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	fc := newFakeCollector(t, -1)
	store := storage.NewMemory()
	ctx := context.Background()

	first := openTestClient(t, store, netmon.NewManual(false), fc.srv.URL)
	var lastID EventID
	for i := 0; i < 4; i++ {
		id, err := first.Enqueue(ctx, map[string]string{"k": "v"})
		if err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
		lastID = id
	}
	first.Shutdown()

	// same store, fresh process
	second := openTestClient(t, store, netmon.NewManual(true), fc.srv.URL)
	if got := second.Status().Size; got != 4 {
		t.Fatalf("size after restart = %d, want 4", got)
	}
	id, err := second.Enqueue(ctx, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Enqueue() after restart error: %v", err)
	}
	if id <= lastID {
		t.Errorf("post-restart id %d not greater than pre-restart id %d", id, lastID)
	}

	res, err := second.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync() error: %v", err)
	}
	if res.Delivered != 5 {
		t.Errorf("delivered = %d, want 5", res.Delivered)
	}
}

func TestOpenToleratesCorruptPersistedQueue(t *testing.T) {
	fc := newFakeCollector(t, -1)
	store := storage.NewMemory()
	ctx := context.Background()

	if err := store.Set(ctx, "beaconq.queue.v1", "{garbage"); err != nil {
		t.Fatalf("seed corrupt record: %v", err)
	}

	client := openTestClient(t, store, netmon.NewManual(true), fc.srv.URL)
	if got := client.Status().Size; got != 0 {
		t.Errorf("size after corrupt load = %d, want 0", got)
	}

	// queue is usable after the reset
	if _, err := client.Enqueue(ctx, map[string]int{"n": 1}); err != nil {
		t.Fatalf("Enqueue() after reset error: %v", err)
	}
	res, err := client.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync() error: %v", err)
	}
	if res.Outcome != syncer.OutcomeDelivered {
		t.Errorf("outcome = %q, want %q", res.Outcome, syncer.OutcomeDelivered)
	}
}

func TestPartialAcceptanceKeepsRemainder(t *testing.T) {
	fc := newFakeCollector(t, 2)
	store := storage.NewMemory()
	client := openTestClient(t, store, netmon.NewManual(true), fc.srv.URL)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := client.Enqueue(ctx, map[string]int{"n": i}); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	res, err := client.ForceSync(ctx)
	if err != nil {
		t.Fatalf("ForceSync() error: %v", err)
	}
	if res.Outcome != syncer.OutcomePartial {
		t.Errorf("outcome = %q, want %q", res.Outcome, syncer.OutcomePartial)
	}
	if res.Delivered != 2 {
		t.Errorf("delivered = %d, want 2", res.Delivered)
	}

	st := client.Status()
	if st.Size != 3 {
		t.Errorf("size after partial = %d, want 3", st.Size)
	}
	if st.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 after progress", st.ConsecutiveFailures)
	}
}

func TestNotificationsCarryStatus(t *testing.T) {
	fc := newFakeCollector(t, -1)
	client := openTestClient(t, storage.NewMemory(), netmon.NewManual(true), fc.srv.URL)

	ctx := context.Background()
	if _, err := client.Enqueue(ctx, json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if _, err := client.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync() error: %v", err)
	}

	select {
	case st := <-client.Notifications():
		if st.LastFlush.Outcome != syncer.OutcomeDelivered {
			t.Errorf("notified outcome = %q, want %q", st.LastFlush.Outcome, syncer.OutcomeDelivered)
		}
		if st.Size != 0 {
			t.Errorf("notified size = %d, want 0", st.Size)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status notification after flush")
	}
}

func TestShutdownLeavesEventsDurable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := storage.NewMemory()
	client := openTestClient(t, store, netmon.NewManual(true), srv.URL)

	ctx := context.Background()
	if _, err := client.Enqueue(ctx, map[string]int{"n": 1}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if res, _ := client.ForceSync(ctx); res.Outcome != syncer.OutcomeFailed {
		t.Fatalf("outcome = %q, want %q", res.Outcome, syncer.OutcomeFailed)
	}

	client.Shutdown()
	client.Shutdown() // idempotent

	res, err := client.ForceSync(ctx)
	if err != nil {
		t.Errorf("ForceSync() after Shutdown error: %v", err)
	}
	if res.Outcome != syncer.OutcomeDisabled {
		t.Errorf("outcome after shutdown = %q, want %q", res.Outcome, syncer.OutcomeDisabled)
	}

	// a fresh session over the same store still sees the event
	if _, err := store.Get(ctx, "beaconq.queue.v1"); err != nil {
		t.Fatalf("persisted queue missing after shutdown: %v", err)
	}
	fc := newFakeCollector(t, -1)
	next := openTestClient(t, store, netmon.NewManual(true), fc.srv.URL)
	if got := next.Status().Size; got != 1 {
		t.Errorf("size in next session = %d, want 1", got)
	}
}

func TestEnqueueFailsWhenStoreFails(t *testing.T) {
	fc := newFakeCollector(t, -1)
	store := &failingStore{Store: storage.NewMemory()}
	client := openTestClient(t, store, netmon.NewManual(false), fc.srv.URL)

	store.fail = true
	if _, err := client.Enqueue(context.Background(), map[string]int{"n": 1}); err == nil {
		t.Error("Enqueue() error = nil, want persistence error")
	}
	if got := client.Status().Size; got != 0 {
		t.Errorf("size after failed enqueue = %d, want 0", got)
	}
}

type failingStore struct {
	storage.Store
	fail bool
}

func (s *failingStore) Set(ctx context.Context, key, value string) error {
	if s.fail {
		return errors.New("write refused")
	}
	return s.Store.Set(ctx, key, value)
}
