package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	received := make(chan any, 2)
	_ = b.Subscribe(EventFeedStalled, func(_ context.Context, payload any) error {
		received <- payload
		return nil
	})
	_ = b.Subscribe(EventFeedStalled, func(_ context.Context, payload any) error {
		received <- payload
		return nil
	})

	if err := b.Publish(context.Background(), EventFeedStalled, "BTC-USD"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("expected both subscribers to receive the event")
		}
	}
}

func TestPublishJoinsSubscriberErrors(t *testing.T) {
	b := New()
	_ = b.Subscribe(EventModelQuarantined, func(context.Context, any) error { return fmt.Errorf("boom") })

	err := b.Publish(context.Background(), EventModelQuarantined, nil)
	if err == nil {
		t.Fatalf("expected joined error from failing subscriber")
	}
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	b := New()
	if err := b.Publish(context.Background(), "unused.event", nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestSubscribeRejectsEmptyEventOrNilHandler(t *testing.T) {
	b := New()
	if err := b.Subscribe("", func(context.Context, any) error { return nil }); err == nil {
		t.Fatalf("expected error for empty event name")
	}
	if err := b.Subscribe("x", nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}
}

func TestPublishTimesOutSlowSubscriber(t *testing.T) {
	b := NewWithTimeout(10 * time.Millisecond)
	_ = b.Subscribe(EventScoreTickFailed, func(ctx context.Context, _ any) error {
		<-ctx.Done()
		return ctx.Err()
	})
	err := b.Publish(context.Background(), EventScoreTickFailed, nil)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestEventsAndSubscribers(t *testing.T) {
	b := New()
	_ = b.Subscribe(EventCheckpointEmitted, func(context.Context, any) error { return nil })
	if b.Subscribers(EventCheckpointEmitted) != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	events := b.Events()
	if len(events) != 1 || events[0] != EventCheckpointEmitted {
		t.Fatalf("unexpected events list: %v", events)
	}
}
