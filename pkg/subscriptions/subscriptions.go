// Package subscriptions implements the SubscriptionHandler of spec.md
// §4.2: the registry of which external subscribers accept which message
// types, with which wait/timeout policy. The TaskHandler consults this
// registry to decide fan-out and to know which acknowledgements a step
// is waiting for.
package subscriptions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/bus"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// Handler is the SubscriptionHandler: a single-writer-locked registry of
// types.Subscription, keyed by subscriber then message type.
type Handler struct {
	mu    sync.Mutex
	bySub map[types.SubscriberID]map[string]types.Subscription

	// order records insertion sequence per message type so
	// ListSubscriberFor returns a stable, insertion-ordered list even
	// after removals and re-additions.
	order map[string][]types.SubscriberID

	bus    *bus.Bus
	logger zerolog.Logger
}

// New creates an empty registry that emits "subscriber-changed" events
// on b whenever a subscription is added.
func New(b *bus.Bus) *Handler {
	return &Handler{
		bySub:  make(map[types.SubscriberID]map[string]types.Subscription),
		order:  make(map[string][]types.SubscriberID),
		bus:    b,
		logger: log.WithComponent("subscriptions"),
	}
}

// AddSubscription upserts (sid, messageType) with the given wait policy
// and timeout, and emits Event("subscriber-changed"). Timeout must be
// > 0 per spec.md §3's Subscription invariant.
func (h *Handler) AddSubscription(ctx context.Context, sid types.SubscriberID, messageType string, waitForCompletion bool, timeout time.Duration) error {
	sub := types.Subscription{
		SubscriberID:      sid,
		MessageType:       messageType,
		WaitForCompletion: waitForCompletion,
		Timeout:           timeout,
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	perType, ok := h.bySub[sid]
	if !ok {
		perType = make(map[string]types.Subscription)
		h.bySub[sid] = perType
	}
	_, existed := perType[messageType]
	perType[messageType] = sub
	if !existed {
		h.order[messageType] = append(h.order[messageType], sid)
	}
	metrics.SubscriptionsTotal.WithLabelValues(messageType).Set(float64(len(h.order[messageType])))
	h.mu.Unlock()

	h.logger.Debug().Str("subscriber_id", string(sid)).Str("message_type", messageType).Msg("subscription added")
	return h.bus.EmitEvent(ctx, "subscriber-changed", map[string]string{
		"subscriber_id": string(sid),
		"message_type":  messageType,
	})
}

// RemoveSubscription drops (sid, messageType). Idempotent: removing an
// absent subscription is not an error.
func (h *Handler) RemoveSubscription(sid types.SubscriberID, messageType string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if perType, ok := h.bySub[sid]; ok {
		delete(perType, messageType)
		if len(perType) == 0 {
			delete(h.bySub, sid)
		}
	}
	h.order[messageType] = removeID(h.order[messageType], sid)
	metrics.SubscriptionsTotal.WithLabelValues(messageType).Set(float64(len(h.order[messageType])))
}

// RemoveSubscriber drops every subscription held by sid.
func (h *Handler) RemoveSubscriber(sid types.SubscriberID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	perType, ok := h.bySub[sid]
	if !ok {
		return
	}
	for messageType := range perType {
		h.order[messageType] = removeID(h.order[messageType], sid)
		metrics.SubscriptionsTotal.WithLabelValues(messageType).Set(float64(len(h.order[messageType])))
	}
	delete(h.bySub, sid)
}

// ListSubscriberFor returns, in stable insertion order, a snapshot of the
// subscriptions currently accepting messageType. Per spec.md §4.2's
// invariant, this reflects only subscribers registered at the moment of
// the call; the caller must snapshot before emitting the corresponding
// Action so later registrations cannot retroactively join a running step.
func (h *Handler) ListSubscriberFor(messageType string) []types.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := h.order[messageType]
	out := make([]types.Subscription, 0, len(ids))
	for _, sid := range ids {
		if sub, ok := h.bySub[sid][messageType]; ok {
			out = append(out, sub)
		}
	}
	return out
}

func removeID(ids []types.SubscriberID, target types.SubscriberID) []types.SubscriberID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
