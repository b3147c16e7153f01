package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/clubfleet/internal/bus"
)

// EventWaiter correlates asynchronous inbound events back to an in-flight
// operation on one bot. Construct it before sending the request so the
// reply cannot slip past between send and wait.
type EventWaiter struct {
	b   *bus.Bus
	sub *bus.Subscription
}

// NewEventWaiter subscribes to every event for the bot.
func NewEventWaiter(b *bus.Bus, botID string) *EventWaiter {
	return &EventWaiter{b: b, sub: b.Subscribe(bus.ConnPrefix(botID))}
}

// Close releases the subscription.
func (w *EventWaiter) Close() {
	w.b.Unsubscribe(w.sub)
}

// WaitFor blocks until an event with payload type T arrives, the timeout
// elapses, or the bot disconnects. A disconnect fails the wait unless T is
// the disconnect event itself.
func WaitFor[T any](ctx context.Context, w *EventWaiter, timeout time.Duration) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("await %T: %w", zero, ctx.Err())
		case ev, ok := <-w.sub.Ch():
			if !ok {
				return zero, ErrConnectionClosed
			}
			if payload, match := ev.Payload.(T); match {
				return payload, nil
			}
			if _, gone := ev.Payload.(bus.DisconnectedEvent); gone {
				return zero, ErrConnectionClosed
			}
		}
	}
}
