package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/bartab-session/pkg/idx"
	"github.com/aussiebroadwan/bartab-session/pkg/slogx"
)

type Handler func(Event)

type subscription struct {
	id   idx.ID
	name Name
	all  bool
	h    Handler
}

// Bus delivers events synchronously, in subscription order, on the
// publisher's goroutine. A nil *Bus drops everything.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
	now    func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: slogx.OrDefault(logger),
		now:    time.Now,
	}
}

// Subscribe registers h for name. The returned func removes it and is safe
// to call more than once.
func (b *Bus) Subscribe(name Name, h Handler) func() {
	return b.add(subscription{id: idx.New(), name: name, h: h})
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.add(subscription{id: idx.New(), all: true, h: h})
}

func (b *Bus) add(s subscription) func() {
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, cur := range b.subs {
				if cur.id == s.id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish stamps ev with the current time when unset and hands it to every
// matching handler. Handlers may subscribe or unsubscribe while running.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	snapshot := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.all || s.name == ev.Name {
			snapshot = append(snapshot, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.deliver(s, ev)
	}
}

// Emit is shorthand for Publish(Event{Name: name, Payload: payload}).
func (b *Bus) Emit(name Name, payload any) {
	b.Publish(Event{Name: name, Payload: payload})
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(ev.Name),
				"subscription", s.id.String(),
				"panic", r,
			)
		}
	}()
	s.h(ev)
}
