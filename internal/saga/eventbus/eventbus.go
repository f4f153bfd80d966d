// Package eventbus fans saga events out to in-process subscribers, feeding
// the live websocket stream. Delivery is best effort; the durable journal
// in storage is the source of truth.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/louisbranch/sagaflow/internal/saga"
)

// Topic carries every saga event.
const Topic = "saga.events"

const outputBuffer = 64

// metadataTransactionID lets subscribers filter without decoding the body.
const metadataTransactionID = "transaction_id"

// Envelope is the wire form of a saga event on the bus.
type Envelope struct {
	TransactionID string          `json:"transaction_id"`
	Seq           uint64          `json:"seq,omitempty"`
	Type          saga.EventType  `json:"type"`
	StepName      string          `json:"step_name,omitempty"`
	Message       string          `json:"message,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Bus is an in-process publish/subscribe hub over a single topic.
type Bus struct {
	pubSub *gochannel.GoChannel
}

// New builds a bus. Subscribers only receive events published after they
// subscribe; there is no replay.
func New() *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: outputBuffer,
		}, watermill.NopLogger{}),
	}
}

// PublishEvent implements engine.EventPublisher.
func (b *Bus) PublishEvent(_ context.Context, event saga.Event) error {
	payload, err := json.Marshal(Envelope{
		TransactionID: event.TransactionID,
		Seq:           event.Seq,
		Type:          event.Type,
		StepName:      event.StepName,
		Message:       event.Message,
		Payload:       event.Payload,
		CreatedAt:     event.CreatedAt,
	})
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataTransactionID, event.TransactionID)
	return b.pubSub.Publish(Topic, msg)
}

// Subscribe returns a channel of envelopes, closed when the context ends or
// the bus closes. Undecodable messages are dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	messages, err := b.pubSub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}
	out := make(chan Envelope)
	go func() {
		defer close(out)
		for msg := range messages {
			var envelope Envelope
			if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
				msg.Ack()
				continue
			}
			select {
			case out <- envelope:
				msg.Ack()
			case <-ctx.Done():
				msg.Ack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down; subscriber channels close after in-flight
// messages drain.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}
