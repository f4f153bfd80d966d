package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/sagaflow/internal/saga"
)

func TestPublishReachesSubscriber(t *testing.T) {
	t.Parallel()
	bus := New()
	t.Cleanup(func() { bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	want := saga.Event{
		TransactionID: "txn-bus",
		Seq:           4,
		Type:          saga.EventStepSucceeded,
		StepName:      "credit_wallet",
		Message:       "step succeeded",
		CreatedAt:     time.Date(2025, time.March, 12, 9, 0, 0, 0, time.UTC),
	}
	if err := bus.PublishEvent(ctx, want); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	select {
	case got := <-events:
		if got.TransactionID != want.TransactionID || got.Type != want.Type || got.Seq != want.Seq {
			t.Fatalf("envelope = %+v, want %+v", got, want)
		}
		if got.StepName != want.StepName {
			t.Fatalf("StepName = %q, want %q", got.StepName, want.StepName)
		}
		if !got.CreatedAt.Equal(want.CreatedAt) {
			t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
	}
}

func TestSubscribeChannelClosesWithContext(t *testing.T) {
	t.Parallel()
	bus := New()
	t.Cleanup(func() { bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	events, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()

	select {
	case _, open := <-events:
		if open {
			t.Fatal("received an envelope after cancel, want closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestFanOutToMultipleSubscribers(t *testing.T) {
	t.Parallel()
	bus := New()
	t.Cleanup(func() { bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	second, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	event := saga.Event{TransactionID: "txn-fan", Type: saga.EventCompleted, CreatedAt: time.Now().UTC()}
	if err := bus.PublishEvent(ctx, event); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	for i, ch := range []<-chan Envelope{first, second} {
		select {
		case got := <-ch:
			if got.TransactionID != event.TransactionID {
				t.Fatalf("subscriber %d TransactionID = %q, want %q", i, got.TransactionID, event.TransactionID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}
