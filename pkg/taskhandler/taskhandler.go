// Package taskhandler is the TaskHandler state machine of spec.md §4.4:
// it materializes Workflow/Job descriptors, drives each RunningTask
// through its step state machine, fans Actions out via the
// SubscriptionHandler, collects acknowledgements, enforces timeouts,
// persists every transition, and recovers in-flight tasks on restart.
package taskhandler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/bus"
	"github.com/cuemby/warden/pkg/corerr"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/subscriptions"
	"github.com/cuemby/warden/pkg/types"
)

// CommandExecutor runs an ExecuteCommand step's CLI pipeline to
// completion. It is satisfied by pkg/cli's Engine; taskhandler depends
// only on this narrow seam to avoid an import cycle (cli depends on
// taskhandler for the workflows/jobs stages).
type CommandExecutor interface {
	Execute(ctx context.Context, commandLine string, environment map[string]string) error
}

// runningTaskCtx is the in-memory half of a RunningTask: the persisted
// record plus the machinery needed to drive and cancel its goroutine.
type runningTaskCtx struct {
	mu     sync.Mutex
	rt     *types.RunningTask
	cancel context.CancelFunc
	ackCh  chan struct{} // poked whenever pending_action_for shrinks

	// errored is set by handleAck when an ActionError ack with
	// on_error=Stop triggers cancel, so runPerformAction can tell a
	// stop-on-error apart from an external cancel (DeleteRunningTask,
	// SurpassReplace). Consumed and cleared at the start of the next
	// runPerformAction call.
	errored bool

	// resuming is set by Recover for a task whose current step was
	// already in flight when the process restarted, so runPerformAction
	// resumes waiting on the persisted pending_action_for instead of
	// re-deriving it from the live subscriber set and re-emitting the
	// Action. Consumed and cleared on first use.
	resuming bool
}

func (c *runningTaskCtx) poke() {
	close(c.ackCh)
	c.ackCh = make(chan struct{})
}

// Handler is the TaskHandler.
type Handler struct {
	bus      *bus.Bus
	subs     *subscriptions.Handler
	store    *storage.Store
	executor CommandExecutor
	logger   zerolog.Logger

	mu          sync.Mutex
	descriptors map[types.TaskDescriptorID]*types.Descriptor
	eventIndex  map[string][]types.TaskDescriptorID // message_type -> descriptors with a matching EventTrigger
	running     map[types.TaskID]*runningTaskCtx
	waiting     map[types.TaskDescriptorID]int // SurpassWait pending-start count

	eventWaiters map[string][]chan types.Message // WaitForEvent subscribers, keyed by message_type

	stopCh chan struct{}
}

// New creates a TaskHandler wired to its collaborators. Call SetExecutor
// before Start if ExecuteCommand steps are in use (the CLI engine is
// constructed after the TaskHandler to break the cyclic dependency noted
// in spec.md §9).
func New(b *bus.Bus, subs *subscriptions.Handler, store *storage.Store) *Handler {
	return &Handler{
		bus:          b,
		subs:         subs,
		store:        store,
		logger:       log.WithComponent("taskhandler"),
		descriptors:  make(map[types.TaskDescriptorID]*types.Descriptor),
		eventIndex:   make(map[string][]types.TaskDescriptorID),
		running:      make(map[types.TaskID]*runningTaskCtx),
		waiting:      make(map[types.TaskDescriptorID]int),
		eventWaiters: make(map[string][]chan types.Message),
		stopCh:       make(chan struct{}),
	}
}

// SetExecutor installs the CLI engine used for ExecuteCommand steps.
func (h *Handler) SetExecutor(executor CommandExecutor) {
	h.mu.Lock()
	h.executor = executor
	h.mu.Unlock()
}

// RegisterDescriptor adds or updates a descriptor and indexes its
// triggers. Synthesized TimeTrigger events use the message type
// "time_trigger:<descriptor_id>", matching what pkg/scheduler emits.
func (h *Handler) RegisterDescriptor(ctx context.Context, d *types.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := h.store.SaveDescriptor(d); err != nil {
		return corerr.Wrap(corerr.KindExternalFailure, "save descriptor", err)
	}

	h.mu.Lock()
	h.descriptors[d.ID] = d
	for _, trig := range d.Triggers {
		var messageType string
		switch trig.Kind {
		case types.TriggerEvent:
			messageType = trig.MessageType
		case types.TriggerTime:
			messageType = "time_trigger:" + string(d.ID)
		}
		if messageType == "" {
			continue
		}
		h.eventIndex[messageType] = appendUnique(h.eventIndex[messageType], d.ID)
	}
	h.mu.Unlock()
	return nil
}

func appendUnique(ids []types.TaskDescriptorID, id types.TaskDescriptorID) []types.TaskDescriptorID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// ActiveDescriptors implements scheduler.DescriptorSource.
func (h *Handler) ActiveDescriptors() ([]*types.Descriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*types.Descriptor, 0, len(h.descriptors))
	for _, d := range h.descriptors {
		if d.Active {
			out = append(out, d)
		}
	}
	return out, nil
}

// Start subscribes to the bus, loads every persisted descriptor, and
// recovers non-terminal RunningTasks before entering the dispatch loop.
func (h *Handler) Start(ctx context.Context) error {
	descriptors, err := h.store.ListDescriptors("")
	if err != nil {
		return corerr.Wrap(corerr.KindExternalFailure, "load descriptors", err)
	}
	for _, d := range descriptors {
		if err := h.RegisterDescriptor(ctx, d); err != nil {
			return err
		}
	}

	if err := h.Recover(ctx); err != nil {
		return err
	}

	queue := h.bus.Subscribe(types.SubscriberID("taskhandler"))
	go h.dispatchLoop(ctx, queue)
	return nil
}

// Stop halts the dispatch loop. In-flight RunningTask goroutines are
// left to finish their current step.
func (h *Handler) Stop() {
	close(h.stopCh)
}

func (h *Handler) dispatchLoop(ctx context.Context, queue *bus.Queue) {
	defer queue.Close()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		msg, ok := queue.Recv(ctx)
		if !ok {
			return
		}
		h.routeMessage(ctx, msg)
	}
}

func (h *Handler) routeMessage(ctx context.Context, msg types.Message) {
	switch msg.Kind {
	case types.KindEvent:
		h.notifyEventWaiters(msg)
		h.handleEvent(ctx, msg)
	case types.KindActionDone, types.KindActionError:
		h.handleAck(msg)
	}
}

func (h *Handler) notifyEventWaiters(msg types.Message) {
	h.mu.Lock()
	waiters := h.eventWaiters[msg.MessageType]
	delete(h.eventWaiters, msg.MessageType)
	h.mu.Unlock()
	for _, ch := range waiters {
		ch <- msg
		close(ch)
	}
}

func (h *Handler) handleEvent(ctx context.Context, msg types.Message) {
	h.mu.Lock()
	descriptorIDs := append([]types.TaskDescriptorID(nil), h.eventIndex[msg.MessageType]...)
	h.mu.Unlock()

	for _, id := range descriptorIDs {
		h.mu.Lock()
		d, ok := h.descriptors[id]
		h.mu.Unlock()
		if !ok || !d.Active {
			continue
		}
		if err := h.attemptStart(ctx, d); err != nil {
			h.logger.Warn().Err(err).Str("descriptor", d.Name).Msg("failed to start descriptor")
		}
	}
}

// attemptStart evaluates on_surpass and starts a fresh RunningTask
// unless the policy says otherwise.
func (h *Handler) attemptStart(ctx context.Context, d *types.Descriptor) error {
	h.mu.Lock()
	runningCount := 0
	for _, rtc := range h.running {
		if rtc.rt.Descriptor.ID == d.ID {
			runningCount++
		}
	}
	switch d.OnSurpass {
	case types.SurpassSkip:
		if runningCount > 0 {
			h.mu.Unlock()
			return corerr.New(corerr.KindConflict, fmt.Sprintf("descriptor %s already running", d.Name))
		}
	case types.SurpassReplace:
		var replaced []types.TaskID
		for id, rtc := range h.running {
			if rtc.rt.Descriptor.ID == d.ID {
				replaced = append(replaced, id)
			}
		}
		h.mu.Unlock()
		for _, id := range replaced {
			if err := h.DeleteRunningTask(id); err != nil {
				h.logger.Warn().Err(err).Str("task_id", string(id)).Msg("failed to cancel replaced task")
			}
		}
		_, err := h.StartTask(ctx, d)
		return err
	case types.SurpassWait:
		if runningCount > 0 {
			h.waiting[d.ID]++
			h.mu.Unlock()
			return nil
		}
	case types.SurpassParallel:
		// always start
	}
	h.mu.Unlock()

	_, err := h.StartTask(ctx, d)
	return err
}

// StartTask materializes and runs a fresh RunningTask for d, regardless
// of surpass policy (used directly by the `workflows run`/`jobs run` CLI
// stages).
func (h *Handler) StartTask(ctx context.Context, d *types.Descriptor) (*types.RunningTask, error) {
	rt := types.NewRunningTask(d)
	if err := h.store.SaveRunningTask(rt); err != nil {
		return nil, corerr.Wrap(corerr.KindExternalFailure, "save running task", err)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	rtc := &runningTaskCtx{rt: rt, cancel: cancel, ackCh: make(chan struct{})}

	h.mu.Lock()
	h.running[rt.ID] = rtc
	h.mu.Unlock()

	metrics.TasksStarted.WithLabelValues(d.Name).Inc()
	go h.runTask(taskCtx, rtc)
	return rt, nil
}

// RunningTask returns the in-memory snapshot for id, if present.
func (h *Handler) RunningTask(id types.TaskID) (*types.RunningTask, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rtc, ok := h.running[id]
	if !ok {
		return nil, false
	}
	return rtc.rt, true
}

// ListRunning returns a snapshot of every in-memory RunningTask,
// optionally filtered to one descriptor.
func (h *Handler) ListRunning(descriptorID types.TaskDescriptorID) []*types.RunningTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*types.RunningTask
	for _, rtc := range h.running {
		if descriptorID == "" || rtc.rt.Descriptor.ID == descriptorID {
			out = append(out, rtc.rt)
		}
	}
	return out
}

// DeleteRunningTask cancels and removes a RunningTask (spec.md §4.4's
// delete_running_task). In-flight acks for it are ignored because it is
// no longer present in h.running by the time they arrive.
func (h *Handler) DeleteRunningTask(id types.TaskID) error {
	h.mu.Lock()
	rtc, ok := h.running[id]
	if ok {
		delete(h.running, id)
	}
	h.mu.Unlock()
	if !ok {
		return corerr.New(corerr.KindNotFound, string(id))
	}

	rtc.mu.Lock()
	rtc.rt.State = types.TaskFailed
	rtc.mu.Unlock()
	rtc.cancel()

	if err := h.store.SaveRunningTask(rtc.rt); err != nil {
		return corerr.Wrap(corerr.KindExternalFailure, "persist cancelled task", err)
	}
	h.archiveAndUnblock(rtc.rt)
	return nil
}

func (h *Handler) handleAck(msg types.Message) {
	h.mu.Lock()
	rtc, ok := h.running[msg.Task]
	h.mu.Unlock()
	if !ok {
		return // task no longer running; ignore per spec.md §4.4
	}

	rtc.mu.Lock()
	step := rtc.rt.CurrentStep()
	if step == nil || step.Name != msg.Step {
		rtc.mu.Unlock()
		return
	}
	delete(rtc.rt.PendingActionFor, msg.SubscriberID)
	rtc.rt.ReceivedMessages = append(rtc.rt.ReceivedMessages, msg)
	stopOnError := msg.Kind == types.KindActionError && step.OnError == types.OnErrorStop
	if stopOnError {
		rtc.errored = true
	}
	rtc.mu.Unlock()
	h.persist(rtc)

	if stopOnError {
		rtc.cancel()
	}
	rtc.poke()
}

// runTask drives rtc through its descriptor's steps sequentially until
// it reaches a terminal state.
func (h *Handler) runTask(ctx context.Context, rtc *runningTaskCtx) {
	rt := rtc.rt
	for {
		step := rt.CurrentStep()
		if step == nil {
			h.finish(rtc, types.TaskSucceeded)
			return
		}

		rtc.mu.Lock()
		rt.StepStates[rt.CurrentStepIndex] = types.StepActive
		rtc.mu.Unlock()
		h.persist(rtc)

		errored, cancelled := h.runStep(ctx, rtc, step)
		if cancelled {
			return // DeleteRunningTask already finalized state and persistence
		}

		rtc.mu.Lock()
		if errored {
			rt.StepStates[rt.CurrentStepIndex] = types.StepErrored
		} else {
			rt.StepStates[rt.CurrentStepIndex] = types.StepDone
		}
		onError := step.OnError
		rtc.mu.Unlock()
		h.persist(rtc)

		if errored && onError == types.OnErrorStop {
			h.finish(rtc, types.TaskFailed)
			return
		}

		rtc.mu.Lock()
		rt.CurrentStepIndex++
		rtc.rt.PendingActionFor = make(map[types.SubscriberID]struct{})
		rtc.mu.Unlock()
	}
}

// runStep executes one step per its action kind, returning whether it
// ended in error and whether the task was cancelled mid-step.
func (h *Handler) runStep(ctx context.Context, rtc *runningTaskCtx, step *types.Step) (errored, cancelled bool) {
	rt := rtc.rt

	rtc.mu.Lock()
	resuming := rtc.resuming
	rtc.resuming = false
	rtc.mu.Unlock()

	switch step.Action {
	case types.StepPerformAction:
		return h.runPerformAction(ctx, rtc, step, resuming)
	case types.StepExecuteCommand:
		h.mu.Lock()
		executor := h.executor
		h.mu.Unlock()
		if executor == nil {
			return true, false
		}
		stepCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
			defer cancel()
		}
		err := executor.Execute(stepCtx, step.Command, rt.Descriptor.Environment)
		if ctx.Err() != nil {
			return false, true
		}
		return err != nil, false
	case types.StepWaitForEvent:
		ch := make(chan types.Message, 1)
		h.mu.Lock()
		h.eventWaiters[step.MessageType] = append(h.eventWaiters[step.MessageType], ch)
		h.mu.Unlock()

		timeout := step.Timeout
		if timeout <= 0 {
			timeout = 24 * time.Hour
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ch:
			return false, false
		case <-timer.C:
			return true, false
		case <-ctx.Done():
			return false, true
		}
	case types.StepEmitEvent:
		_ = h.bus.Emit(ctx, types.NewEvent(step.MessageType, step.EventData))
		return false, false
	default:
		return true, false
	}
}

func (h *Handler) runPerformAction(ctx context.Context, rtc *runningTaskCtx, step *types.Step, resuming bool) (errored, cancelled bool) {
	rt := rtc.rt

	rtc.mu.Lock()
	rtc.errored = false
	rtc.mu.Unlock()

	if !resuming {
		snapshot := h.subs.ListSubscriberFor(step.MessageType)

		rtc.mu.Lock()
		pending := make(map[types.SubscriberID]struct{})
		for _, sub := range snapshot {
			if sub.WaitForCompletion {
				pending[sub.SubscriberID] = struct{}{}
			}
		}
		rt.PendingActionFor = pending
		rtc.mu.Unlock()
		h.persist(rtc)

		if err := h.bus.Emit(ctx, types.NewAction(step.MessageType, rt.ID, step.Name, nil)); err != nil {
			h.logger.Warn().Err(err).Str("task_id", string(rt.ID)).Msg("failed to emit action")
		}
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		rtc.mu.Lock()
		empty := len(rt.PendingActionFor) == 0
		stopErrored := rtc.errored
		poke := rtc.ackCh
		rtc.mu.Unlock()
		if stopErrored {
			return true, false
		}
		if empty {
			return false, false
		}

		select {
		case <-poke:
			continue
		case <-deadline.C:
			return true, false
		case <-ctx.Done():
			return false, true
		}
	}
}

func (h *Handler) persist(rtc *runningTaskCtx) {
	rtc.mu.Lock()
	snapshot := *rtc.rt
	rtc.mu.Unlock()
	if err := h.store.SaveRunningTask(&snapshot); err != nil {
		h.logger.Error().Err(err).Str("task_id", string(snapshot.ID)).Msg("failed to persist running task")
	}
}

func (h *Handler) finish(rtc *runningTaskCtx, state types.TaskState) {
	rtc.mu.Lock()
	rtc.rt.State = state
	rtc.mu.Unlock()

	h.mu.Lock()
	delete(h.running, rtc.rt.ID)
	h.mu.Unlock()

	if err := h.store.SaveRunningTask(rtc.rt); err != nil {
		h.logger.Error().Err(err).Msg("failed to persist terminal running task")
	}
	metrics.TasksFinished.WithLabelValues(rtc.rt.Descriptor.Name, string(state)).Inc()
	h.archiveAndUnblock(rtc.rt)
}

func (h *Handler) archiveAndUnblock(rt *types.RunningTask) {
	duration := time.Since(rt.StartedAt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.bus.EmitEvent(ctx, "task_end", map[string]any{
		"task":        rt.Descriptor.Name,
		"task_id":     rt.ID,
		"duration_ms": duration.Milliseconds(),
	})

	_ = h.store.AppendHistory(storage.HistoryRecord{
		TaskID:     rt.ID,
		Descriptor: rt.Descriptor.Name,
		State:      rt.State,
		StartedAt:  rt.StartedAt.Unix(),
		FinishedAt: time.Now().Unix(),
		DurationMS: duration.Milliseconds(),
		StepStates: rt.StepStates,
	})
	_ = h.store.DeleteRunningTask(rt.ID)

	if rt.Descriptor.OnSurpass != types.SurpassWait {
		return
	}
	h.mu.Lock()
	count := h.waiting[rt.Descriptor.ID]
	if count == 0 {
		h.mu.Unlock()
		return
	}
	h.waiting[rt.Descriptor.ID] = count - 1
	d := h.descriptors[rt.Descriptor.ID]
	h.mu.Unlock()

	if d != nil {
		if _, err := h.StartTask(context.Background(), d); err != nil {
			h.logger.Warn().Err(err).Str("descriptor", d.Name).Msg("failed to start queued Wait instance")
		}
	}
}

// Recover loads every non-terminal RunningTask from storage and resumes
// its state machine. It is idempotent: a RunningTask already present in
// memory (from a previous Recover call in the same process) is skipped.
func (h *Handler) Recover(ctx context.Context) error {
	tasks, err := h.store.ListRunningTasks()
	if err != nil {
		return corerr.Wrap(corerr.KindExternalFailure, "load running tasks", err)
	}

	for _, rt := range tasks {
		if rt.State != types.TaskActive {
			continue
		}
		h.mu.Lock()
		_, exists := h.running[rt.ID]
		h.mu.Unlock()
		if exists {
			continue
		}

		h.mu.Lock()
		if d, ok := h.descriptors[rt.Descriptor.ID]; ok {
			rt.Descriptor = d
		}
		h.mu.Unlock()

		taskCtx, cancel := context.WithCancel(ctx)
		// resuming: true tells runPerformAction to pick up the persisted
		// pending_action_for for this task's current step rather than
		// re-deriving it from the live subscriber set and re-emitting the
		// Action (spec.md §8 recovery scenario).
		rtc := &runningTaskCtx{rt: rt, cancel: cancel, ackCh: make(chan struct{}), resuming: true}
		h.mu.Lock()
		h.running[rt.ID] = rtc
		h.mu.Unlock()

		metrics.TasksRecovered.Inc()
		go h.runTask(taskCtx, rtc)
	}
	return nil
}
