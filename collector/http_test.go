package collector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/beaconlabs/beaconq/queue"
)

func testEvents(n int) []queue.Event {
	events := make([]queue.Event, n)
	for i := range events {
		events[i] = queue.Event{
			ID:         uint64(i + 1),
			Payload:    json.RawMessage(`{"n":1}`),
			EnqueuedAt: time.Now().UTC(),
		}
	}
	return events
}

func TestHTTPDeliverAcceptsWholeBatch(t *testing.T) {
	var gotEnv Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotEnv); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, "", 5*time.Second)
	accepted, err := h.Deliver(context.Background(), testEvents(3))
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if accepted != 3 {
		t.Errorf("accepted = %d, want 3 (empty body means full acceptance)", accepted)
	}
	if gotEnv.Version != EnvelopeVersion {
		t.Errorf("envelope version = %q, want %q", gotEnv.Version, EnvelopeVersion)
	}
	if gotEnv.BatchID == "" {
		t.Error("envelope batch_id is empty")
	}
	if len(gotEnv.Events) != 3 {
		t.Errorf("envelope events = %d, want 3", len(gotEnv.Events))
	}
}

func TestHTTPDeliverPartialAcceptance(t *testing.T) {
	tests := []struct {
		name         string
		responseBody string
		wantAccepted int
	}{
		{"prefix accepted", `{"accepted":2}`, 2},
		{"nothing accepted", `{"accepted":0}`, 0},
		{"over-report clamped", `{"accepted":99}`, 3},
		{"negative clamped", `{"accepted":-1}`, 0},
		{"no accepted field", `{}`, 3},
		{"unparseable body", `not json`, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.responseBody)
			}))
			defer srv.Close()

			h := NewHTTP(srv.URL, "", 5*time.Second)
			accepted, err := h.Deliver(context.Background(), testEvents(3))
			if err != nil {
				t.Fatalf("Deliver() error: %v", err)
			}
			if accepted != tt.wantAccepted {
				t.Errorf("accepted = %d, want %d", accepted, tt.wantAccepted)
			}
		})
	}
}

func TestHTTPDeliverSignsRequests(t *testing.T) {
	const secret = "s3cret"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get(TimestampHeader)
		sig := strings.TrimPrefix(r.Header.Get(SignatureHeader), "sha256=")
		if ts == "" || sig == "" {
			t.Error("missing signature headers")
		}

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		mac.Write([]byte(ts))
		want := hex.EncodeToString(mac.Sum(nil))
		if sig != want {
			t.Errorf("signature = %s, want %s", sig, want)
		}
		if r.Header.Get(BatchIDHeader) == "" {
			t.Error("missing batch id header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, secret, 5*time.Second)
	if _, err := h.Deliver(context.Background(), testEvents(1)); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
}

func TestHTTPDeliverFailureClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantReason string
	}{
		{"server error", 500, "http_5xx"},
		{"bad gateway", 502, "http_5xx"},
		{"rate limited", 429, "http_429"},
		{"client error", 400, "http_4xx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			h := NewHTTP(srv.URL, "", 5*time.Second)
			accepted, err := h.Deliver(context.Background(), testEvents(2))
			if accepted != 0 {
				t.Errorf("accepted = %d, want 0", accepted)
			}
			var derr *Error
			if !errors.As(err, &derr) {
				t.Fatalf("Deliver() error = %v, want *Error", err)
			}
			if derr.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", derr.Reason, tt.wantReason)
			}
			if derr.Status != tt.status {
				t.Errorf("Status = %d, want %d", derr.Status, tt.status)
			}
		})
	}
}

func TestHTTPDeliverTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect and
		// cancels the request context; otherwise Close() deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, "", 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := h.Deliver(ctx, testEvents(1))
	if err == nil {
		t.Fatal("Deliver() error = nil, want timeout")
	}
	if got := Reason(err); got != "timeout" {
		t.Errorf("Reason(err) = %q, want timeout", got)
	}
}

func TestHTTPDeliverConnectionRefused(t *testing.T) {
	// a closed server is a reliable refused connection
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	h := NewHTTP(url, "", time.Second)
	_, err := h.Deliver(context.Background(), testEvents(1))
	if err == nil {
		t.Fatal("Deliver() error = nil, want connection error")
	}
	if got := Reason(err); got != "connection_refused" && got != "network" {
		t.Errorf("Reason(err) = %q, want connection_refused or network", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{"deadline", context.DeadlineExceeded, 0, "timeout"},
		{"timeout text", errors.New("i/o timeout"), 0, "timeout"},
		{"refused", errors.New("dial tcp: connection refused"), 0, "connection_refused"},
		{"dns", errors.New("lookup collector: no such host"), 0, "dns_error"},
		{"other transport", errors.New("connection reset by peer"), 0, "network"},
		{"5xx", nil, 503, "http_5xx"},
		{"429", nil, 429, "http_429"},
		{"4xx", nil, 404, "http_4xx"},
		{"2xx fallthrough", nil, 200, "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err, tt.status); got != tt.want {
				t.Errorf("classify(%v, %d) = %q, want %q", tt.err, tt.status, got, tt.want)
			}
		})
	}
}

func TestReason(t *testing.T) {
	if got := Reason(&Error{Reason: "http_5xx"}); got != "http_5xx" {
		t.Errorf("Reason() = %q, want http_5xx", got)
	}
	if got := Reason(errors.New("plain")); got != "other" {
		t.Errorf("Reason(plain error) = %q, want other", got)
	}
}
