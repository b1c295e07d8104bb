package bus

import (
	"context"
	"sync"

	"github.com/kookgo/kookgo/pkg/event"
	"github.com/kookgo/kookgo/pkg/logger"
)

const defaultHighWater = 1000

// EventBus hands events from the gateway read loop to the dispatcher. It is
// an unbounded FIFO: Publish never blocks, so a slow processor grows the
// backlog instead of stalling the socket.
type EventBus struct {
	mu        sync.Mutex
	queue     []*event.Event
	notify    chan struct{}
	closed    bool
	highWater int
	warned    bool
	stats     Stats
}

type Option func(*EventBus)

// WithHighWater sets the backlog size that triggers a warning. Zero
// disables the warning.
func WithHighWater(n int) Option {
	return func(b *EventBus) {
		b.highWater = n
	}
}

func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{
		notify:    make(chan struct{}, 1),
		highWater: defaultHighWater,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends ev. It returns false once the bus is closed.
func (b *EventBus) Publish(ev *event.Event) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, ev)
	b.stats.Published++
	depth := len(b.queue)
	if depth > b.stats.MaxDepth {
		b.stats.MaxDepth = depth
	}
	warn := b.highWater > 0 && depth >= b.highWater && !b.warned
	if warn {
		b.warned = true
	}
	// notify is closed by Close, so the send must happen under mu.
	select {
	case b.notify <- struct{}{}:
	default:
	}
	b.mu.Unlock()

	if warn {
		logger.WarnCF("bus", "Dispatch backlog above high-water mark", map[string]any{
			"depth":      depth,
			"high_water": b.highWater,
		})
	}
	return true
}

// Consume returns the next event in publish order. The bool is false when
// the context is cancelled, or when the bus is closed and drained.
func (b *EventBus) Consume(ctx context.Context) (*event.Event, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.stats.Consumed++
			if b.warned && len(b.queue) < b.highWater/2 {
				b.warned = false
			}
			b.mu.Unlock()
			return ev, true
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-b.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Len is the current backlog.
func (b *EventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *EventBus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Depth = len(b.queue)
	return s
}

// Close stops accepting events. Queued events can still be consumed.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}
