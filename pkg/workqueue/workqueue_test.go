package workqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/types"
	"github.com/cuemby/warden/pkg/workqueue"
)

func newQueue(t *testing.T) *workqueue.Queue {
	t.Helper()
	q := workqueue.New(workqueue.Config{BackoffBase: time.Millisecond})
	t.Cleanup(q.Close)
	return q
}

func TestAttachAndDeliverMatchingTask(t *testing.T) {
	q := newQueue(t)
	workerID := types.NewWorkerID()
	sess, err := q.Attach(workerID, []string{"tag"}, types.AttributeFilters{"region": "^us-.*$"})
	require.NoError(t, err)
	defer sess.Detach()

	future := q.AddTask(types.WorkerTask{ID: "t1", Name: "tag", Attributes: map[string]string{"region": "us-east-1"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := sess.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)

	q.AcknowledgeTask(workerID, task.ID, nil)
	result, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestTaskNotMatchingFilterIsNotDelivered(t *testing.T) {
	q := newQueue(t)
	sess, err := q.Attach(types.NewWorkerID(), []string{"tag"}, types.AttributeFilters{"region": "^us-.*$"})
	require.NoError(t, err)
	defer sess.Detach()

	q.AddTask(types.WorkerTask{ID: "t1", Name: "tag", Attributes: map[string]string{"region": "eu-west-1"}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sess.Next(ctx)
	assert.Error(t, err)
}

func TestAcknowledgeResolvesFuture(t *testing.T) {
	q := newQueue(t)
	workerID := types.NewWorkerID()
	sess, err := q.Attach(workerID, []string{"tag"}, nil)
	require.NoError(t, err)
	defer sess.Detach()

	future := q.AddTask(types.WorkerTask{ID: "t1", Name: "tag"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := sess.Next(ctx)
	require.NoError(t, err)

	q.AcknowledgeTask(workerID, task.ID, "ok")

	result, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestDuplicateAcknowledgeIsIgnored(t *testing.T) {
	q := newQueue(t)
	workerID := types.NewWorkerID()
	sess, err := q.Attach(workerID, []string{"tag"}, nil)
	require.NoError(t, err)
	defer sess.Detach()

	future := q.AddTask(types.WorkerTask{ID: "t1", Name: "tag"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := sess.Next(ctx)
	require.NoError(t, err)

	q.AcknowledgeTask(workerID, task.ID, "ok")
	q.AcknowledgeTask(workerID, task.ID, "ok-again") // must not double-resolve or panic

	result, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestErrorTaskRetriesThenFailsAfterMaxAttempts(t *testing.T) {
	q := newQueue(t)
	workerID := types.NewWorkerID()
	sess, err := q.Attach(workerID, []string{"tag"}, nil)
	require.NoError(t, err)
	defer sess.Detach()

	future := q.AddTask(types.WorkerTask{ID: "t1", Name: "tag"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for attempt := 0; attempt < workqueue.MaxAttempts; attempt++ {
		task, err := sess.Next(ctx)
		require.NoError(t, err)
		q.ErrorTask(workerID, task.ID, assertError{})
	}

	result, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Error(t, result.Err)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

// TestSweepRequeuesAllExpiredClaimsInSameFIFO guards against a
// regression where the sweep only kept the last expiry it processed per
// task name, silently re-inserting any earlier expired claim in the
// same tick.
func TestSweepRequeuesAllExpiredClaimsInSameFIFO(t *testing.T) {
	q := newQueue(t)
	workerID := types.NewWorkerID()
	sess, err := q.Attach(workerID, []string{"tag"}, nil)
	require.NoError(t, err)
	defer sess.Detach()

	q.AddTask(types.WorkerTask{ID: "t1", Name: "tag", Timeout: 10 * time.Millisecond})
	q.AddTask(types.WorkerTask{ID: "t2", Name: "tag", Timeout: 10 * time.Millisecond})

	claimCtx, claimCancel := context.WithTimeout(context.Background(), time.Second)
	defer claimCancel()
	claimed := map[string]bool{}
	for i := 0; i < 2; i++ {
		task, err := sess.Next(claimCtx)
		require.NoError(t, err)
		claimed[task.ID] = true
	}
	require.True(t, claimed["t1"] && claimed["t2"])

	// Let both claims pass their timeout, then wait for the sweep loop
	// (1s tick) to requeue them and pull both back.
	time.Sleep(50 * time.Millisecond)

	redeliverCtx, redeliverCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer redeliverCancel()
	redelivered := map[string]bool{}
	for i := 0; i < 2; i++ {
		task, err := sess.Next(redeliverCtx)
		require.NoError(t, err)
		redelivered[task.ID] = true
	}
	assert.True(t, redelivered["t1"], "t1's expired claim must be requeued")
	assert.True(t, redelivered["t2"], "t2's expired claim must be requeued")
}
