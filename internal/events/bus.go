package events

import (
	"log"
	"sync"
)

// Handler receives events published on the bus
type Handler func(Event)

// Bus is an in-process, synchronous event bus. Handlers run in
// subscription order on the publishing goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for every event
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// OnTransition registers a handler for AlertTransitioned events only
func (b *Bus) OnTransition(fn func(AlertTransitioned)) {
	b.Subscribe(func(e Event) {
		if e.Kind == KindAlertTransitioned && e.Transition != nil {
			fn(*e.Transition)
		}
	})
}

// OnBreach registers a handler for SLABreached events only
func (b *Bus) OnBreach(fn func(SLABreached)) {
	b.Subscribe(func(e Event) {
		if e.Kind == KindSLABreached && e.Breach != nil {
			fn(*e.Breach)
		}
	})
}

// Publish delivers e to every handler. A panicking handler is logged
// and does not stop delivery to the others.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("EventBus: handler panic on %s for alert %s: %v", e.Kind, e.AlertID, r)
				}
			}()
			h(e)
		}()
	}
}
