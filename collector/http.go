package collector

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/beaconlabs/beaconq/internal/tracing"
	"github.com/beaconlabs/beaconq/queue"
)

const (
	// EnvelopeVersion is the batch envelope schema version.
	EnvelopeVersion = "v1"

	SignatureHeader = "X-Beaconq-Signature" // sha256=<hex>
	TimestampHeader = "X-Beaconq-Timestamp" // unix seconds
	BatchIDHeader   = "X-Beaconq-Batch-Id"
)

// Envelope is the wire record for one flush batch.
type Envelope struct {
	Version      string            `json:"version"`
	BatchID      string            `json:"batch_id"`
	SentAt       string            `json:"sent_at"` // RFC3339
	Events       []queue.Event     `json:"events"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// response is the collector's acknowledgement. A missing or empty body
// means the whole batch was accepted.
type response struct {
	Accepted *int `json:"accepted"`
}

// HTTP posts batch envelopes to a collector endpoint. When Secret is set,
// requests carry the HMAC-SHA256 signature over body||timestamp that the
// collector verifies.
type HTTP struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewHTTP(url, secret string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTP{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) Deliver(ctx context.Context, events []queue.Event) (int, error) {
	batchID := uuid.NewString()
	ctx, span := tracing.StartSpan(ctx, "collector.deliver",
		attribute.String("batch_id", batchID),
		attribute.Int("batch_size", len(events)),
	)
	defer span.End()

	env := Envelope{
		Version:      EnvelopeVersion,
		BatchID:      batchID,
		SentAt:       time.Now().UTC().Format(time.RFC3339Nano),
		Events:       events,
		TraceHeaders: tracing.PropagateTrace(ctx),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("collector: encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("collector: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(BatchIDHeader, batchID)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(TimestampHeader, ts)
	if h.Secret != "" {
		mac := hmac.New(sha256.New, []byte(h.Secret))
		mac.Write(body)
		mac.Write([]byte(ts))
		req.Header.Set(SignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, doErr := h.Client.Do(req)
	if doErr != nil {
		err := &Error{Reason: classify(doErr, 0), Err: doErr}
		tracing.SetSpanError(ctx, err)
		return 0, err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := &Error{Reason: classify(nil, resp.StatusCode), Status: resp.StatusCode}
		tracing.SetSpanError(ctx, err)
		return 0, err
	}

	accepted := len(events)
	if b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16)); err == nil && len(b) > 0 {
		var r response
		if err := json.Unmarshal(b, &r); err == nil && r.Accepted != nil {
			accepted = *r.Accepted
			if accepted < 0 {
				accepted = 0
			}
			if accepted > len(events) {
				accepted = len(events)
			}
		}
	}
	span.SetAttributes(attribute.Int("batch_accepted", accepted))
	return accepted, nil
}
