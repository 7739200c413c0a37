package subscriptions_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/bus"
	"github.com/cuemby/warden/pkg/subscriptions"
	"github.com/cuemby/warden/pkg/types"
)

func TestAddSubscriptionRejectsNonPositiveTimeout(t *testing.T) {
	h := subscriptions.New(bus.New())
	err := h.AddSubscription(context.Background(), types.NewSubscriberID(), "cleanup", true, 0)
	assert.Error(t, err)
}

func TestAddSubscriptionEmitsSubscriberChanged(t *testing.T) {
	b := bus.New()
	h := subscriptions.New(b)
	watcher := b.Subscribe(types.NewSubscriberID(), "subscriber-changed")
	defer watcher.Close()

	sid := types.NewSubscriberID()
	require.NoError(t, h.AddSubscription(context.Background(), sid, "cleanup", true, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := watcher.Recv(ctx)
	require.True(t, ok)
	assert.Equal(t, "subscriber-changed", msg.MessageType)
}

func TestListSubscriberForIsInsertionOrdered(t *testing.T) {
	h := subscriptions.New(bus.New())
	ctx := context.Background()

	sidA := types.NewSubscriberID()
	sidB := types.NewSubscriberID()
	sidC := types.NewSubscriberID()

	require.NoError(t, h.AddSubscription(ctx, sidA, "cleanup", true, time.Minute))
	require.NoError(t, h.AddSubscription(ctx, sidB, "cleanup", true, time.Minute))
	require.NoError(t, h.AddSubscription(ctx, sidC, "cleanup", true, time.Minute))

	subs := h.ListSubscriberFor("cleanup")
	require.Len(t, subs, 3)
	assert.Equal(t, sidA, subs[0].SubscriberID)
	assert.Equal(t, sidB, subs[1].SubscriberID)
	assert.Equal(t, sidC, subs[2].SubscriberID)
}

func TestRemoveSubscriptionIsIdempotent(t *testing.T) {
	h := subscriptions.New(bus.New())
	ctx := context.Background()
	sid := types.NewSubscriberID()
	require.NoError(t, h.AddSubscription(ctx, sid, "cleanup", true, time.Minute))

	h.RemoveSubscription(sid, "cleanup")
	assert.Empty(t, h.ListSubscriberFor("cleanup"))

	// Removing again must not panic or error.
	h.RemoveSubscription(sid, "cleanup")
	assert.Empty(t, h.ListSubscriberFor("cleanup"))
}

func TestRemoveSubscriberDropsEveryMessageType(t *testing.T) {
	h := subscriptions.New(bus.New())
	ctx := context.Background()
	sid := types.NewSubscriberID()
	require.NoError(t, h.AddSubscription(ctx, sid, "cleanup", true, time.Minute))
	require.NoError(t, h.AddSubscription(ctx, sid, "backup", false, time.Minute))

	h.RemoveSubscriber(sid)

	assert.Empty(t, h.ListSubscriberFor("cleanup"))
	assert.Empty(t, h.ListSubscriberFor("backup"))
}

func TestListSubscriberForSnapshotsAtCallTime(t *testing.T) {
	h := subscriptions.New(bus.New())
	ctx := context.Background()
	sidEarly := types.NewSubscriberID()
	require.NoError(t, h.AddSubscription(ctx, sidEarly, "cleanup", true, time.Minute))

	snapshot := h.ListSubscriberFor("cleanup")

	sidLate := types.NewSubscriberID()
	require.NoError(t, h.AddSubscription(ctx, sidLate, "cleanup", true, time.Minute))

	// The previously taken snapshot must not observe the later registration.
	require.Len(t, snapshot, 1)
	assert.Equal(t, sidEarly, snapshot[0].SubscriberID)

	// A fresh call does observe it.
	assert.Len(t, h.ListSubscriberFor("cleanup"), 2)
}
