// Package workqueue implements the WorkerTaskQueue of spec.md §4.3: a
// router from WorkerTask to worker sessions that attach with a set of
// attribute filters. Delivery is FIFO per task name, at-least-once, with
// exponential backoff retries and TTL requeue. Workers pull: a task goes
// to whichever matching worker calls Next first, with no round-robin
// rotation across matching workers.
//
// Retry backoff is computed with cenkalti/backoff/v4's exponential
// backoff generator (Multiplier 2, no randomization), which yields
// base, base*2, base*4, ... matching the spec's base·2^n formula while
// reusing the same library the teacher depends on for retry timing.
package workqueue

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/corerr"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// MaxAttempts is the total number of delivery attempts before a task is
// reported permanently failed: one initial attempt plus 3 retries.
const MaxAttempts = 4

// DefaultBackoffBase is used when Config.BackoffBase is zero.
const DefaultBackoffBase = 2 * time.Second

// Result is the outcome delivered to add_task's future.
type Result struct {
	Success bool
	Data    any
	Err     error
}

// Future is returned by AddTask; callers await the task's terminal
// outcome on it.
type Future struct {
	ch chan Result
}

// Wait blocks for the task's terminal result, or returns ctx.Err() if ctx
// is done first.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-f.ch:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type queuedTask struct {
	task      types.WorkerTask
	future    *Future
	claimedBy types.WorkerID
	claimedAt time.Time
	claimed   bool
}

type session struct {
	workerID   types.WorkerID
	taskNames  map[string]bool
	filters    map[string]*regexp.Regexp
	lastPulled time.Time
}

func (s *session) accepts(task types.WorkerTask) bool {
	if !s.taskNames[task.Name] {
		return false
	}
	for key, pattern := range s.filters {
		val, ok := task.Attributes[key]
		if !ok || !pattern.MatchString(val) {
			return false
		}
	}
	return true
}

// Config tunes the queue's retry behaviour.
type Config struct {
	BackoffBase time.Duration
}

// Queue is the WorkerTaskQueue.
type Queue struct {
	mu sync.Mutex

	fifos     map[string][]*queuedTask // per task name, in arrival order
	sessions  map[types.WorkerID]*session
	sessOrder []types.WorkerID // attach order; next() does not consult it

	backoffBase time.Duration
	logger      zerolog.Logger

	notify chan struct{} // broadcast-by-replace signal for blocked Next calls

	stopSweep chan struct{}
}

// New creates an empty WorkerTaskQueue and starts its TTL sweep loop.
func New(cfg Config) *Queue {
	base := cfg.BackoffBase
	if base <= 0 {
		base = DefaultBackoffBase
	}
	q := &Queue{
		fifos:       make(map[string][]*queuedTask),
		sessions:    make(map[types.WorkerID]*session),
		backoffBase: base,
		logger:      log.WithComponent("workqueue"),
		notify:      make(chan struct{}),
		stopSweep:   make(chan struct{}),
	}
	go q.sweepLoop()
	return q
}

// Close stops the TTL sweep loop.
func (q *Queue) Close() {
	close(q.stopSweep)
}

func (q *Queue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Attach registers a worker session accepting taskNames whose attributes
// match filters (regexp patterns). The returned Session must be Detached
// by the caller, which guarantees any tasks claimed by it are released
// back to the queue.
func (q *Queue) Attach(workerID types.WorkerID, taskNames []string, filters types.AttributeFilters) (*Session, error) {
	compiled := make(map[string]*regexp.Regexp, len(filters))
	for k, pattern := range filters {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindParseError, fmt.Sprintf("attribute filter %q", k), err)
		}
		compiled[k] = re
	}
	names := make(map[string]bool, len(taskNames))
	for _, n := range taskNames {
		names[n] = true
	}

	q.mu.Lock()
	s := &session{workerID: workerID, taskNames: names, filters: compiled}
	q.sessions[workerID] = s
	q.sessOrder = append(q.sessOrder, workerID)
	q.mu.Unlock()

	q.logger.Info().Str("worker_id", string(workerID)).Strs("task_names", taskNames).Msg("worker session attached")
	return &Session{queue: q, workerID: workerID}, nil
}

func (q *Queue) detach(workerID types.WorkerID) {
	q.mu.Lock()
	delete(q.sessions, workerID)
	for i, id := range q.sessOrder {
		if id == workerID {
			q.sessOrder = append(q.sessOrder[:i], q.sessOrder[i+1:]...)
			break
		}
	}
	// Release anything this worker was holding; it keeps its FIFO position.
	for name, fifo := range q.fifos {
		for _, qt := range fifo {
			if qt.claimed && qt.claimedBy == workerID {
				qt.claimed = false
			}
		}
		q.fifos[name] = fifo
	}
	q.mu.Unlock()
	q.wake()
	q.logger.Info().Str("worker_id", string(workerID)).Msg("worker session detached")
}

// Session is a scoped worker attachment.
type Session struct {
	queue    *Queue
	workerID types.WorkerID
}

// Detach releases the session, returning any claimed-but-unacked tasks to
// the queue.
func (s *Session) Detach() { s.queue.detach(s.workerID) }

// Next cooperatively pulls the next matching task for this worker,
// blocking until one is available or ctx is done.
func (s *Session) Next(ctx context.Context) (types.WorkerTask, error) {
	return s.queue.next(ctx, s.workerID)
}

// AddTask enqueues task onto the FIFO for its name and returns a future
// resolved when the task reaches a terminal (success or permanently
// failed) outcome.
func (q *Queue) AddTask(task types.WorkerTask) *Future {
	future := &Future{ch: make(chan Result, 1)}
	qt := &queuedTask{task: task, future: future}

	q.mu.Lock()
	q.fifos[task.Name] = append(q.fifos[task.Name], qt)
	q.mu.Unlock()

	metrics.WorkerTasksEnqueued.WithLabelValues(task.Name).Inc()
	q.wake()
	return future
}

func (q *Queue) next(ctx context.Context, workerID types.WorkerID) (types.WorkerTask, error) {
	for {
		q.mu.Lock()
		sess, ok := q.sessions[workerID]
		if !ok {
			q.mu.Unlock()
			return types.WorkerTask{}, corerr.New(corerr.KindNotFound, "worker session not attached")
		}
		for name, fifo := range q.fifos {
			if !sess.taskNames[name] {
				continue
			}
			for _, qt := range fifo {
				if qt.claimed || !sess.accepts(qt.task) {
					continue
				}
				qt.claimed = true
				qt.claimedBy = workerID
				qt.claimedAt = time.Now()
				sess.lastPulled = time.Now()
				task := qt.task
				q.mu.Unlock()
				return task, nil
			}
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return types.WorkerTask{}, ctx.Err()
		}
	}
}

// AcknowledgeTask is the positive-completion operation. Duplicate or
// stale acknowledgements (task already resolved, or acked by a worker
// that does not hold the claim) are silently ignored.
func (q *Queue) AcknowledgeTask(workerID types.WorkerID, taskID string, data any) {
	q.mu.Lock()
	qt, name := q.takeClaimed(workerID, taskID)
	q.mu.Unlock()
	if qt == nil {
		return
	}
	metrics.WorkerTasksCompleted.WithLabelValues(name, "success").Inc()
	qt.future.ch <- Result{Success: true, Data: data}
}

// ErrorTask is the negative-completion operation: retried up to
// MaxAttempts total attempts with exponential backoff, then reported
// permanently failed.
func (q *Queue) ErrorTask(workerID types.WorkerID, taskID string, taskErr error) {
	q.mu.Lock()
	qt, name := q.takeClaimed(workerID, taskID)
	q.mu.Unlock()
	if qt == nil {
		return
	}

	metrics.WorkerTaskRetries.WithLabelValues(name).Inc()
	if qt.task.Attempt+1 >= MaxAttempts {
		metrics.WorkerTasksCompleted.WithLabelValues(name, "failure").Inc()
		qt.future.ch <- Result{Success: false, Err: corerr.Wrap(corerr.KindWorkerFailure, "retries exhausted", taskErr)}
		return
	}
	q.requeueWithBackoff(qt)
}

// takeClaimed removes and returns the queued task matching (workerID,
// taskID) if it is still claimed by that worker; nil otherwise.
func (q *Queue) takeClaimed(workerID types.WorkerID, taskID string) (*queuedTask, string) {
	for name, fifo := range q.fifos {
		for i, qt := range fifo {
			if qt.task.ID != taskID {
				continue
			}
			if !qt.claimed || qt.claimedBy != workerID {
				return nil, "" // duplicate or stale ack
			}
			q.fifos[name] = append(fifo[:i], fifo[i+1:]...)
			return qt, name
		}
	}
	return nil, ""
}

func (q *Queue) requeueWithBackoff(qt *queuedTask) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.backoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	var delay time.Duration
	for i := 0; i <= qt.task.Attempt; i++ {
		delay = bo.NextBackOff()
	}

	qt.task.Attempt++
	qt.claimed = false

	time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.fifos[qt.task.Name] = append(q.fifos[qt.task.Name], qt)
		q.mu.Unlock()
		q.wake()
	})
}

// sweepLoop reaps tasks whose claim has outlived their timeout,
// requeuing them as if the claiming worker had called ErrorTask.
func (q *Queue) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.sweepOnce()
		case <-q.stopSweep:
			return
		}
	}
}

func (q *Queue) sweepOnce() {
	now := time.Now()
	var expired []*queuedTask

	q.mu.Lock()
	for name, fifo := range q.fifos {
		var kept []*queuedTask
		for _, qt := range fifo {
			if qt.claimed && qt.task.Timeout > 0 && now.Sub(qt.claimedAt) >= qt.task.Timeout {
				expired = append(expired, qt)
				continue
			}
			kept = append(kept, qt)
		}
		q.fifos[name] = kept
	}
	q.mu.Unlock()

	for _, qt := range expired {
		q.logger.Warn().Str("task_id", qt.task.ID).Str("name", qt.task.Name).Msg("task claim expired, requeuing")
		if qt.task.Attempt+1 >= MaxAttempts {
			metrics.WorkerTasksCompleted.WithLabelValues(qt.task.Name, "failure").Inc()
			qt.future.ch <- Result{Success: false, Err: corerr.New(corerr.KindTimeout, "claim expired, retries exhausted")}
			continue
		}
		q.mu.Lock()
		q.requeueWithBackoff(qt)
		q.mu.Unlock()
	}
}
