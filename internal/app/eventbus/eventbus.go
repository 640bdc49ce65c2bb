// Package eventbus provides a small in-process pub-sub used to fan operator
// alerts (feed stalls, model quarantines, checkpoint failures) out to
// whichever handlers have registered with Subscribe, without those
// producers and consumers depending on each other directly.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout bounds how long Publish waits for any one subscriber.
const DefaultTimeout = 5 * time.Second

// Handler receives a published event's payload.
type Handler func(ctx context.Context, payload any) error

// Bus fans events out to subscribers concurrently, with a per-subscriber
// timeout so one slow listener cannot stall publication to the others.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]Handler
	timeout time.Duration
}

// New returns a Bus using DefaultTimeout.
func New() *Bus {
	return &Bus{
		subs:    make(map[string][]Handler),
		timeout: DefaultTimeout,
	}
}

// NewWithTimeout returns a Bus using the given per-subscriber timeout.
func NewWithTimeout(timeout time.Duration) *Bus {
	b := New()
	if timeout > 0 {
		b.timeout = timeout
	}
	return b
}

// Subscribe registers a handler for an event name.
func (b *Bus) Subscribe(event string, handler Handler) error {
	if event == "" {
		return fmt.Errorf("eventbus: event name required")
	}
	if handler == nil {
		return fmt.Errorf("eventbus: handler is nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[event] = append(b.subs[event], handler)
	return nil
}

// Publish fans payload out to every subscriber of event concurrently,
// joining any subscriber errors (including per-subscriber timeouts) into a
// single returned error.
func (b *Bus) Publish(ctx context.Context, event string, payload any) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[event]...)
	timeout := b.timeout
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	errCh := make(chan error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(idx int, handler Handler) {
			defer wg.Done()
			hctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := handler(hctx, payload); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					errCh <- fmt.Errorf("subscriber[%d]: timeout after %v", idx, timeout)
					return
				}
				errCh <- fmt.Errorf("subscriber[%d]: %w", idx, err)
			}
		}(i, h)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Subscribers returns the number of handlers registered for event.
func (b *Bus) Subscribers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// Events lists every event name with at least one subscriber.
func (b *Bus) Events() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := make([]string, 0, len(b.subs))
	for event := range b.subs {
		events = append(events, event)
	}
	return events
}

// Operator alert event names published by the feed worker, predict
// orchestrator, score engine, and checkpoint builder.
const (
	EventFeedStalled       = "feed.stalled"
	EventBackfillFailed    = "backfill.failed"
	EventModelQuarantined  = "model.quarantined"
	EventScoreTickFailed   = "score.tick_failed"
	EventCheckpointEmitted = "checkpoint.emitted"
	EventCheckpointFailed  = "checkpoint.failed"
)

// Alert is the payload shape published on every operator alert event.
type Alert struct {
	Event   string
	Subject string
	Message string
	At      time.Time
}
