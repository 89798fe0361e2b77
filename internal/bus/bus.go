// Package bus provides the in-process event bus used by the engine.
// Delivery is synchronous and at-least-once to local handlers; nothing about
// a wire transport is assumed.
package bus

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/engine"
)

// Bus is a mutex-guarded handler registry keyed by event type.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[string]engine.EventHandler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string]map[string]engine.EventHandler),
	}
}

// AddHandler subscribes a handler to an event type and returns the handler
// id used for removal.
func (b *Bus) AddHandler(eventType string, handler engine.EventHandler) string {
	id := uuid.New().String()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]engine.EventHandler)
	}
	b.handlers[eventType][id] = handler
	return id
}

// RemoveHandler unsubscribes a handler by id, reporting whether it existed.
func (b *Bus) RemoveHandler(eventType string, handlerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	byID, ok := b.handlers[eventType]
	if !ok {
		return false
	}
	if _, ok := byID[handlerID]; !ok {
		return false
	}
	delete(byID, handlerID)
	if len(byID) == 0 {
		delete(b.handlers, eventType)
	}
	return true
}

// Emit delivers the payload to every handler of the event type. A panicking
// handler is logged and does not stop delivery to the others.
func (b *Bus) Emit(eventType string, payload any) {
	b.mu.RLock()
	byID := b.handlers[eventType]
	handlers := make([]engine.EventHandler, 0, len(byID))
	for _, h := range byID {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[bus] handler panic on %s: %v", eventType, r)
				}
			}()
			h(payload)
		}()
	}
}
