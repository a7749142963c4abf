// Package bus relays application events between server nodes. Every node,
// including the publisher, receives each envelope through its subscription.
package bus

import (
	"context"
	"encoding/json"
	"sync"
)

// Envelope is the wire format shared by every bus implementation.
type Envelope struct {
	Kind       string          `json:"kind"`
	Origin     string          `json:"origin"`
	Recipients []string        `json:"recipients,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Handler consumes envelopes delivered by a Bus. ctx carries the trace
// context of the publisher when the transport propagates one.
type Handler func(ctx context.Context, env Envelope)

// Bus is a fan-out channel between nodes.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers envelopes to h until ctx is done or the bus is closed.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// NewEnvelope encodes payload into an envelope of kind.
func NewEnvelope(kind, origin string, recipients []string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Origin: origin, Recipients: recipients, Payload: data}, nil
}

// Local is an in-process Bus for single node deployments and tests.
type Local struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
	closed   bool
}

func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

func (l *Local) Publish(ctx context.Context, env Envelope) error {
	l.mu.RLock()
	handlers := make([]Handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, env)
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, h Handler) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	id := l.next
	l.next++
	l.handlers[id] = h
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}()
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.handlers = make(map[int]Handler)
	l.mu.Unlock()
	return nil
}
