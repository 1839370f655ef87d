// Package collector delivers batches of queued events to a remote collector.
// The queue treats payloads as opaque; this package owns the batch envelope
// and the transport.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/beaconlabs/beaconq/queue"
)

// Deliverer attempts delivery of one batch as a single operation. accepted
// reports how many events from the front of the batch the collector
// confirmed; accepted < len(events) with a nil error is a valid partial
// acceptance. A non-nil error means nothing beyond accepted was confirmed.
type Deliverer interface {
	Deliver(ctx context.Context, events []queue.Event) (accepted int, err error)
}

// Error is a classified delivery failure.
type Error struct {
	Reason string // timeout, connection_refused, dns_error, network, http_5xx, http_429, http_4xx, other
	Status int    // HTTP status when applicable, else 0
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("collector: delivery failed (%s, status %d)", e.Reason, e.Status)
	}
	return fmt.Sprintf("collector: delivery failed (%s): %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Reason extracts the classified failure reason from err, or "other".
func Reason(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return "other"
}

// classify maps a transport error or HTTP status to a retry-reason label.
func classify(doErr error, status int) string {
	if doErr != nil {
		if errors.Is(doErr, context.DeadlineExceeded) {
			return "timeout"
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
