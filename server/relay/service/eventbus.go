package service

import (
	"sync"

	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/domain"
)

// Bus is an in-process publish/subscribe channel between the write path
// and the membership cache. Delivery is synchronous on the publisher's
// goroutine, so events published in sequence by one operation are observed
// by every subscriber in that same sequence. Delivery is at-most-once: a
// failing subscriber is logged and skipped, never retried.
type Bus struct {
	mu       sync.RWMutex
	handlers []func(domain.Event)
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for the lifetime of the process.
func (b *Bus) Subscribe(handler func(domain.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish delivers evt to every registered subscriber in registration
// order. A panicking subscriber does not prevent delivery to the rest and
// does not crash the publisher.
func (b *Bus) Publish(evt domain.Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.dispatch(handler, evt)
	}
}

func (b *Bus) dispatch(handler func(domain.Event), evt domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			commonlog.Errorf("event=bus action=dispatch status=panic kind=%s event_id=%s recovered=%v", evt.Kind(), evt.Meta().EventID, r)
		}
	}()
	handler(evt)
}
