package syncer

import (
	"time"

	"github.com/beaconlabs/beaconq/queue"
)

const AbandonedType = "event.abandoned"

// Abandoned is the report emitted when an event exceeds the attempt ceiling
// and is dropped rather than retried forever.
type Abandoned struct {
	Type     string      `json:"type"`    // "event.abandoned"
	Version  string      `json:"version"` // schema version
	At       string      `json:"at"`      // RFC3339 time the event was dropped
	Reason   string      `json:"reason"`  // human/debug text
	Attempts int         `json:"attempts"`
	Event    queue.Event `json:"event"` // full event snapshot
}

func newAbandoned(e queue.Event, reason string) Abandoned {
	return Abandoned{
		Type:     AbandonedType,
		Version:  "v1",
		At:       time.Now().UTC().Format(time.RFC3339Nano),
		Reason:   reason,
		Attempts: e.Attempts,
		Event:    e,
	}
}
