package events

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"authcoord/pkg/logging"
)

// Listener receives events. It is called synchronously on the emitting
// goroutine and must not block.
type Listener func(Event)

// Bus is an explicitly constructed observer registry.
//
// Every listener subscribed at the time of Emit receives the event. A
// panicking listener is recovered and logged; the remaining listeners still run.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]Listener
	templates *MessageTemplateEngine
	now       func() time.Time

	panics atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[uint64]Listener),
		templates: NewMessageTemplateEngine(),
		now:       time.Now,
	}
}

// Subscribe registers l and returns a function that removes it.
func (b *Bus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Emit renders the message for reason and delivers the event to every listener
// in subscription order. A nil Bus discards events.
func (b *Bus) Emit(reason EventReason, data EventData) {
	if b == nil {
		return
	}

	ev := Event{
		Reason:    reason,
		Type:      getEventType(reason),
		Message:   b.templates.Render(reason, data),
		Data:      data,
		Timestamp: b.now(),
	}

	logging.Debug("Events", "%s: %s", ev.Reason, ev.Message)

	for _, l := range b.snapshot() {
		b.deliver(l, ev)
	}
}

// Templates exposes the message engine for customization.
func (b *Bus) Templates() *MessageTemplateEngine {
	return b.templates
}

// ListenerPanics returns how many listener invocations panicked.
func (b *Bus) ListenerPanics() int64 {
	return b.panics.Load()
}

// Len returns the number of subscribed listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// snapshot copies the listener set so delivery runs without the lock held
// and listeners may subscribe or unsubscribe from inside a callback.
func (b *Bus) snapshot() []Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]uint64, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.listeners[id])
	}
	return out
}

func (b *Bus) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			logging.Error("Events", fmt.Errorf("%v", r), "Listener panicked handling %s", ev.Reason)
		}
	}()
	l(ev)
}
