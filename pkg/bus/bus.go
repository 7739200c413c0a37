// Package bus implements the MessageBus of spec.md §4.1: a topic-filtered
// in-process pub/sub for Event, Action, ActionDone, ActionError,
// ActionInfo and ActionProgress messages. Delivery is best-effort,
// in-process fan-out with no persistence; crash semantics are "messages
// in flight are lost" (recovery is the task handler's job, via storage).
//
// Grounded on the teacher's pkg/events Broker: a subscriber map guarded by
// a mutex and a dedicated dispatch goroutine per subscription, generalized
// from a single global channel to per-subscription bounded queues with
// topic filtering and backpressure (emit blocks for room instead of
// silently dropping).
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// DefaultQueueSize is the bound on each subscriber's queue.
const DefaultQueueSize = 64

// Queue is a scoped acquisition returned by Subscribe. Calling Close
// removes the queue from the bus's fan-out set and drains it; callers
// must always Close what they Subscribe.
type Queue struct {
	bus  *Bus
	id   uint64
	ch   chan types.Message
	done chan struct{} // closed by unsubscribe
	once sync.Once
}

// Recv blocks until a message arrives, the queue is closed, or ctx is
// done. The second return is false when the queue has been closed with
// no further messages pending.
func (q *Queue) Recv(ctx context.Context) (types.Message, bool) {
	select {
	case m, ok := <-q.ch:
		return m, ok
	case <-q.done:
		return types.Message{}, false
	case <-ctx.Done():
		return types.Message{}, false
	}
}

// C exposes the underlying channel for callers that want to select on it
// directly alongside other cases.
func (q *Queue) C() <-chan types.Message { return q.ch }

// Close releases the subscription. Safe to call more than once.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.bus.unsubscribe(q.id)
	})
}

type subscription struct {
	subscriberID types.SubscriberID
	messageTypes map[string]bool // nil/empty means "all"
	ch           chan types.Message
	done         chan struct{} // closed by unsubscribe; never ch itself, so Emit can never send on a closed channel
}

func (s *subscription) accepts(messageType string) bool {
	if len(s.messageTypes) == 0 {
		return true
	}
	return s.messageTypes[messageType]
}

// Bus is the MessageBus: a registry of subscription queues fanned out to
// on every Emit.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	logger zerolog.Logger
}

// New creates an empty MessageBus.
func New() *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscription),
		logger: log.WithComponent("bus"),
	}
}

// Subscribe acquires a scoped Queue that receives every Message whose
// MessageType is in messageTypes, or every Message at all when
// messageTypes is empty ("all" per spec.md §4.1).
func (b *Bus) Subscribe(subscriberID types.SubscriberID, messageTypes ...string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	filter := make(map[string]bool, len(messageTypes))
	for _, mt := range messageTypes {
		filter[mt] = true
	}

	b.nextID++
	id := b.nextID
	sub := &subscription{
		subscriberID: subscriberID,
		messageTypes: filter,
		ch:           make(chan types.Message, DefaultQueueSize),
		done:         make(chan struct{}),
	}
	b.subs[id] = sub
	metrics.BusSubscribersTotal.Set(float64(len(b.subs)))

	return &Queue{bus: b, id: id, ch: sub.ch, done: sub.done}
}

// unsubscribe removes the subscription and signals its done channel so
// any Emit goroutine still trying to deliver to it gives up instead of
// sending. sub.ch itself is never closed: a concurrent Emit may still
// hold a reference to it, and closing it out from under an in-flight
// send would panic.
func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	metrics.BusSubscribersTotal.Set(float64(len(b.subs)))
	b.mu.Unlock()

	if !ok {
		return
	}
	close(sub.done)
	for {
		select {
		case <-sub.ch:
		default:
			return
		}
	}
}

// Emit delivers message to every current subscription matching its
// MessageType. It completes once the message has been enqueued to every
// matching queue; a full queue makes Emit block for room unless ctx is
// cancelled first, per spec.md §4.1's backpressure contract.
func (b *Bus) Emit(ctx context.Context, message types.Message) error {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.accepts(message.MessageType) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	metrics.BusMessagesEmitted.WithLabelValues(string(message.Kind)).Inc()

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			select {
			case sub.ch <- message:
			case <-sub.done:
				metrics.BusQueueDropped.Inc()
			case <-ctx.Done():
				metrics.BusQueueDropped.Inc()
				b.logger.Warn().Str("subscriber_id", string(sub.subscriberID)).Msg("emit cancelled before delivery")
			}
		}(sub)
	}
	wg.Wait()
	return ctx.Err()
}

// EmitEvent is the convenience form of Emit for fire-and-forget Events.
func (b *Bus) EmitEvent(ctx context.Context, messageType string, data any) error {
	return b.Emit(ctx, types.NewEvent(messageType, data))
}
