package presence

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const DefaultOutboxSize = 64

type outbox struct {
	connectionID string
	sender       Sender
	ch           chan PresenceChangeEvent
}

// Broadcaster fans presence events out to every subscribed connection. Each
// recipient owns a bounded FIFO drained by its own goroutine, so one slow or
// broken recipient never delays the others and per-recipient order holds.
type Broadcaster struct {
	logger *zap.Logger
	size   int

	mu       sync.RWMutex
	outboxes map[string]*outbox
	closed   bool
	wg       sync.WaitGroup

	dropped metric.Int64Counter
}

func NewBroadcaster(logger *zap.Logger, outboxSize int) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	b := &Broadcaster{
		logger:   logger,
		size:     outboxSize,
		outboxes: make(map[string]*outbox),
	}
	b.dropped, _ = otel.Meter("huddle/presence").Int64Counter("presence_deliveries_dropped_total",
		metric.WithDescription("Presence events dropped for a single recipient"))
	return b
}

// Subscribe registers connectionID as a recipient reached through sender.
// Subscribing twice keeps the first outbox.
func (b *Broadcaster) Subscribe(connectionID string, sender Sender) {
	if sender == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.outboxes[connectionID]; ok {
		return
	}
	ob := &outbox{
		connectionID: connectionID,
		sender:       sender,
		ch:           make(chan PresenceChangeEvent, b.size),
	}
	b.outboxes[connectionID] = ob
	b.wg.Add(1)
	go b.drain(ob)
}

// Unsubscribe stops delivery to connectionID. Queued events are still sent.
func (b *Broadcaster) Unsubscribe(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ob, ok := b.outboxes[connectionID]; ok {
		delete(b.outboxes, connectionID)
		close(ob.ch)
	}
}

// Publish queues evt for every recipient except evt.Origin. It never blocks
// on a recipient and never fails.
func (b *Broadcaster) Publish(evt PresenceChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ob := range b.outboxes {
		if evt.Origin != "" && id == evt.Origin {
			continue
		}
		select {
		case ob.ch <- evt:
		default:
			b.fail(&DeliveryError{ConnectionID: id, Err: ErrOutboxFull}, evt)
		}
	}
}

// Recipients returns the number of subscribed connections.
func (b *Broadcaster) Recipients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.outboxes)
}

// Close stops every outbox and waits until queued events are handed to their
// senders or ctx is done.
func (b *Broadcaster) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for id, ob := range b.outboxes {
			delete(b.outboxes, id)
			close(ob.ch)
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broadcaster) drain(ob *outbox) {
	defer b.wg.Done()
	for evt := range ob.ch {
		if err := ob.sender.Send(ob.connectionID, evt); err != nil {
			b.fail(&DeliveryError{ConnectionID: ob.connectionID, Err: err}, evt)
		}
	}
}

func (b *Broadcaster) fail(err *DeliveryError, evt PresenceChangeEvent) {
	b.dropped.Add(context.Background(), 1)
	b.logger.Warn("presence delivery dropped",
		zap.String("connection", err.ConnectionID),
		zap.String("user", evt.UserID),
		zap.String("status", string(evt.Status)),
		zap.Error(err))
}
