// Package eventbus carries cross-component notifications: job completion
// and power-state changes.
//
// Delivery is best-effort. Waiters that miss a notification fall back to
// polling, so no correctness depends on it.
package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/pkg/logger"
)

// Handler processes one notification payload.
type Handler func(ctx context.Context, payload []byte)

// Bus publishes and routes notifications by topic.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler for topic and returns a function that
	// removes it.
	Subscribe(topic string, handler Handler) (unsubscribe func())
}

// registry routes payloads to subscribed handlers.
type registry struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]map[uint64]Handler)}
}

func (r *registry) subscribe(topic string, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	if r.handlers[topic] == nil {
		r.handlers[topic] = make(map[uint64]Handler)
	}
	r.handlers[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.handlers[topic], id)
		})
	}
}

// dispatch calls every handler for topic sequentially. A panicking handler
// is logged and does not stop the others.
func (r *registry) dispatch(ctx context.Context, topic string, payload []byte) {
	r.mu.RLock()
	hs := make([]Handler, 0, len(r.handlers[topic]))
	for _, h := range r.handlers[topic] {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("Event handler panicked",
						zap.String("topic", topic),
						zap.Any("panic", p),
						zap.Stack("stack"),
					)
				}
			}()
			h(ctx, payload)
		}()
	}
}

// Memory is an in-process bus. Publish delivers synchronously.
type Memory struct {
	reg *registry
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{reg: newRegistry()}
}

// Publish implements Bus.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.reg.dispatch(ctx, topic, payload)
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(topic string, handler Handler) func() {
	return m.reg.subscribe(topic, handler)
}
