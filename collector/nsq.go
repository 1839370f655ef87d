package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"github.com/beaconlabs/beaconq/internal/tracing"
	"github.com/beaconlabs/beaconq/queue"
)

// NSQ publishes batch envelopes to an NSQ topic instead of posting them over
// HTTP, for deployments where the collector consumes from a broker. Publish
// is all-or-nothing: a successful publish accepts the whole batch.
type NSQ struct {
	producer *nsq.Producer
	topic    string
}

func NewNSQ(nsqdTCPAddr, topic string) (*NSQ, error) {
	prod, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("collector: nsq producer: %w", err)
	}
	return &NSQ{producer: prod, topic: topic}, nil
}

func (n *NSQ) Deliver(ctx context.Context, events []queue.Event) (int, error) {
	env := Envelope{
		Version:      EnvelopeVersion,
		BatchID:      uuid.NewString(),
		SentAt:       time.Now().UTC().Format(time.RFC3339Nano),
		Events:       events,
		TraceHeaders: tracing.PropagateTrace(ctx),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("collector: encode envelope: %w", err)
	}
	if err := n.producer.Publish(n.topic, body); err != nil {
		return 0, &Error{Reason: "network", Err: err}
	}
	return len(events), nil
}

// Stop releases the underlying producer.
func (n *NSQ) Stop() {
	n.producer.Stop()
}
