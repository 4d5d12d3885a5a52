package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/user/ptymux/internal/wire"
)

const (
	defaultEventHistory  = 256
	eventListenerBacklog = 64
)

// Event is a server event stamped with its position on the bus. IDs start
// at 1 and increase by one per published event.
type Event struct {
	ID uint64 `json:"id"`
	wire.ServerEvent
}

// Bus fans server events out to listeners. It keeps a short history so a
// reconnecting listener can resume after the last id it saw.
type Bus struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	next      uint64
	history   []Event
	limit     int
	listeners map[*Listener]struct{}
}

// NewBus creates a bus that remembers the last history events. Zero uses
// the default.
func NewBus(history int, logger *slog.Logger) *Bus {
	if history <= 0 {
		history = defaultEventHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:    logger,
		now:       time.Now,
		limit:     history,
		listeners: make(map[*Listener]struct{}),
	}
}

// Publish stamps and delivers an event. Listeners that cannot keep up are
// detached instead of blocking the publisher.
func (b *Bus) Publish(event wire.ServerEvent) Event {
	if event.Time.IsZero() {
		event.Time = b.now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	stamped := Event{ID: b.next, ServerEvent: event}
	b.history = append(b.history, stamped)
	if len(b.history) > b.limit {
		b.history = append(b.history[:0], b.history[len(b.history)-b.limit:]...)
	}

	for l := range b.listeners {
		select {
		case l.ch <- stamped:
		default:
			b.logger.Warn("event listener too slow, detaching", "kind", event.Kind, "event_id", stamped.ID)
			b.detachLocked(l)
		}
	}
	return stamped
}

// Subscribe registers a listener. When afterID is non-zero, remembered
// events with a greater id are queued first.
func (b *Bus) Subscribe(afterID uint64) *Listener {
	b.mu.Lock()
	defer b.mu.Unlock()

	var backlog []Event
	if afterID > 0 {
		for _, event := range b.history {
			if event.ID > afterID {
				backlog = append(backlog, event)
			}
		}
	}

	l := &Listener{
		bus: b,
		ch:  make(chan Event, len(backlog)+eventListenerBacklog),
	}
	for _, event := range backlog {
		l.ch <- event
	}
	b.listeners[l] = struct{}{}
	return l
}

// LastID returns the id of the most recent event, zero if none.
func (b *Bus) LastID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

func (b *Bus) detachLocked(l *Listener) {
	if _, ok := b.listeners[l]; !ok {
		return
	}
	delete(b.listeners, l)
	close(l.ch)
}

// Listener receives events from a Bus.
type Listener struct {
	bus *Bus
	ch  chan Event
}

// C delivers events in publish order. It is closed by Close or when the
// listener falls too far behind.
func (l *Listener) C() <-chan Event { return l.ch }

// Close detaches the listener. Safe to call more than once.
func (l *Listener) Close() {
	l.bus.mu.Lock()
	defer l.bus.mu.Unlock()
	l.bus.detachLocked(l)
}
