// Package types holds the data model shared by the message bus, the
// subscription registry, the task handler and the worker queue: message
// envelopes, subscriptions, step/trigger/descriptor definitions and the
// running-task and worker-task records derived from them.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriberID identifies an external subscriber registered with the
// SubscriptionHandler.
type SubscriberID string

// TaskID identifies one running instance of a TaskDescription.
type TaskID string

// TaskDescriptorID identifies a Workflow or Job definition.
type TaskDescriptorID string

// WorkerID identifies an attached worker session in the WorkerTaskQueue.
type WorkerID string

// NewSubscriberID generates a fresh, opaque subscriber handle.
func NewSubscriberID() SubscriberID { return SubscriberID(uuid.NewString()) }

// NewTaskID generates a fresh, opaque running-task handle.
func NewTaskID() TaskID { return TaskID(uuid.NewString()) }

// NewTaskDescriptorID generates a fresh descriptor handle.
func NewTaskDescriptorID() TaskDescriptorID { return TaskDescriptorID(uuid.NewString()) }

// NewWorkerID generates a fresh worker session handle.
func NewWorkerID() WorkerID { return WorkerID(uuid.NewString()) }

// Kind tags the variant of a Message.
type Kind string

const (
	KindEvent          Kind = "event"
	KindAction         Kind = "action"
	KindActionDone     Kind = "action_done"
	KindActionError    Kind = "action_error"
	KindActionInfo     Kind = "action_info"
	KindActionProgress Kind = "action_progress"
)

// Message is the tagged variant carried by the MessageBus. Only the fields
// relevant to Kind are populated; MarshalJSON/UnmarshalJSON enforce the
// exact wire shape from spec.md §6 so messages round-trip losslessly.
type Message struct {
	Kind         Kind
	MessageType string
	Task         TaskID
	Step         string
	SubscriberID SubscriberID
	Data         json.RawMessage
	Error        string
	Level        string
	Info         string
	Progress     *ProgressNode
	At           time.Time
}

// NewEvent builds an informational Event; no reply is expected.
func NewEvent(messageType string, data any) Message {
	return Message{Kind: KindEvent, MessageType: messageType, Data: mustJSON(data)}
}

// NewAction builds a step demand fanned out to subscribers.
func NewAction(messageType string, task TaskID, step string, data any) Message {
	return Message{Kind: KindAction, MessageType: messageType, Task: task, Step: step, Data: mustJSON(data)}
}

// NewActionDone builds a positive acknowledgement from one subscriber.
func NewActionDone(messageType string, task TaskID, step string, sub SubscriberID, data any) Message {
	return Message{Kind: KindActionDone, MessageType: messageType, Task: task, Step: step, SubscriberID: sub, Data: mustJSON(data)}
}

// NewActionError builds a negative acknowledgement from one subscriber.
func NewActionError(messageType string, task TaskID, step string, sub SubscriberID, errMsg string, data any) Message {
	return Message{Kind: KindActionError, MessageType: messageType, Task: task, Step: step, SubscriberID: sub, Error: errMsg, Data: mustJSON(data)}
}

// NewActionInfo builds a log-level side-channel message during a step.
func NewActionInfo(messageType string, task TaskID, step string, sub SubscriberID, level, msg string) Message {
	return Message{Kind: KindActionInfo, MessageType: messageType, Task: task, Step: step, SubscriberID: sub, Level: level, Info: msg}
}

// NewActionProgress builds a numeric progress update.
func NewActionProgress(messageType string, task TaskID, step string, sub SubscriberID, progress *ProgressNode, at time.Time) Message {
	return Message{Kind: KindActionProgress, MessageType: messageType, Task: task, Step: step, SubscriberID: sub, Progress: progress, At: at}
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// wireMessage is the on-the-wire shape for a Message: one flat object
// whose populated fields depend on Kind.
type wireMessage struct {
	Kind         Kind            `json:"kind"`
	MessageType  string          `json:"message_type"`
	Task         TaskID          `json:"task,omitempty"`
	Step         string          `json:"step,omitempty"`
	SubscriberID SubscriberID    `json:"subscriber_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
	Level        string          `json:"level,omitempty"`
	Message      string          `json:"message,omitempty"`
	Progress     *ProgressNode   `json:"progress,omitempty"`
	At           *time.Time      `json:"at,omitempty"`
}

// MarshalJSON implements the exact wire shape of spec.md §6.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{Kind: m.Kind, MessageType: m.MessageType}
	switch m.Kind {
	case KindEvent:
		w.Data = m.Data
	case KindAction:
		w.Task, w.Step, w.Data = m.Task, m.Step, m.Data
	case KindActionDone:
		w.Task, w.Step, w.SubscriberID, w.Data = m.Task, m.Step, m.SubscriberID, m.Data
	case KindActionError:
		w.Task, w.Step, w.SubscriberID, w.Error, w.Data = m.Task, m.Step, m.SubscriberID, m.Error, m.Data
	case KindActionInfo:
		w.Task, w.Step, w.SubscriberID, w.Level, w.Message = m.Task, m.Step, m.SubscriberID, m.Level, m.Info
	case KindActionProgress:
		w.Task, w.Step, w.SubscriberID, w.Progress = m.Task, m.Step, m.SubscriberID, m.Progress
		if !m.At.IsZero() {
			at := m.At
			w.At = &at
		}
	default:
		return nil, fmt.Errorf("types: unknown message kind %q", m.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Message{Kind: w.Kind, MessageType: w.MessageType, Task: w.Task, Step: w.Step, SubscriberID: w.SubscriberID,
		Data: w.Data, Error: w.Error, Level: w.Level, Info: w.Message, Progress: w.Progress}
	if w.At != nil {
		m.At = *w.At
	}
	switch m.Kind {
	case KindEvent, KindAction, KindActionDone, KindActionError, KindActionInfo, KindActionProgress:
		return nil
	default:
		return fmt.Errorf("types: unknown message kind %q", m.Kind)
	}
}

// ProgressNode is a recursive progress tree: a Leaf carries Done/Total, an
// internal Node carries Parts whose totals are aggregated bottom-up.
type ProgressNode struct {
	Name  string          `json:"name"`
	Parts []*ProgressNode `json:"parts,omitempty"`
	Done  *int64          `json:"done,omitempty"`
	Total *int64          `json:"total,omitempty"`
}

// Leaf builds a terminal progress node.
func Leaf(name string, done, total int64) *ProgressNode {
	return &ProgressNode{Name: name, Done: &done, Total: &total}
}

// Node builds an internal progress node from child parts.
func Node(name string, parts ...*ProgressNode) *ProgressNode {
	return &ProgressNode{Name: name, Parts: parts}
}

// Aggregate computes (done, total) bottom-up: a Leaf reports its own
// counters, a Node sums its parts.
func (p *ProgressNode) Aggregate() (done, total int64) {
	if p == nil {
		return 0, 0
	}
	if len(p.Parts) == 0 {
		if p.Done != nil {
			done = *p.Done
		}
		if p.Total != nil {
			total = *p.Total
		}
		return done, total
	}
	for _, part := range p.Parts {
		d, t := part.Aggregate()
		done += d
		total += t
	}
	return done, total
}

// Subscription is one (subscriber, message_type) acceptance with its wait
// and timeout policy. Invariant: Timeout > 0.
type Subscription struct {
	SubscriberID      SubscriberID
	MessageType       string
	WaitForCompletion bool
	Timeout           time.Duration
}

// Validate enforces the Timeout > 0 invariant from spec.md §3/§8.
func (s Subscription) Validate() error {
	if s.Timeout <= 0 {
		return fmt.Errorf("subscription %s/%s: timeout must be > 0", s.SubscriberID, s.MessageType)
	}
	return nil
}

// ErrorBehavior is a step's policy when its action errors or times out.
type ErrorBehavior string

const (
	OnErrorContinue ErrorBehavior = "continue"
	OnErrorStop     ErrorBehavior = "stop"
)

// StepActionKind selects which of the four step actions a Step performs.
type StepActionKind string

const (
	StepPerformAction  StepActionKind = "perform_action"
	StepExecuteCommand StepActionKind = "execute_command"
	StepWaitForEvent   StepActionKind = "wait_for_event"
	StepEmitEvent      StepActionKind = "emit_event"
)

// Step is one phase of a Workflow or the synthesized body of a Job.
type Step struct {
	Name        string
	Action      StepActionKind
	MessageType string         // PerformAction, WaitForEvent, EmitEvent
	Command     string         // ExecuteCommand
	EventData   map[string]any // EmitEvent payload
	Timeout     time.Duration
	OnError     ErrorBehavior
}

// TriggerKind distinguishes an event-fired trigger from a cron trigger.
type TriggerKind string

const (
	TriggerEvent TriggerKind = "event"
	TriggerTime  TriggerKind = "time"
)

// Trigger is EventTrigger(message_type) or TimeTrigger(cron_expr).
type Trigger struct {
	Kind        TriggerKind
	MessageType string // TriggerEvent
	Cron        string // TriggerTime
}

// SurpassPolicy controls what happens when a descriptor fires while an
// instance of it is already running.
type SurpassPolicy string

const (
	SurpassSkip     SurpassPolicy = "skip"
	SurpassReplace  SurpassPolicy = "replace"
	SurpassWait     SurpassPolicy = "wait"
	SurpassParallel SurpassPolicy = "parallel"
)

// DescriptorKind distinguishes a Workflow from a Job.
type DescriptorKind string

const (
	DescriptorWorkflow DescriptorKind = "workflow"
	DescriptorJob      DescriptorKind = "job"
)

// WaitForEvent is a Job's optional (event, timeout) clause. It is stored
// with the descriptor; the TaskHandler does not act on it.
type WaitForEvent struct {
	MessageType string
	Timeout     time.Duration
}

// Descriptor is a TaskDescription: either a Workflow (explicit Steps,
// Triggers, OnSurpass) or a Job (a single ExecuteCommand step, an
// optional Trigger, an optional WaitForEvent and an Environment).
type Descriptor struct {
	Kind         DescriptorKind
	ID           TaskDescriptorID
	Name         string
	Steps        []Step
	Triggers     []Trigger
	OnSurpass    SurpassPolicy
	Timeout      time.Duration
	WaitForEvent *WaitForEvent
	Environment  map[string]string
	Active       bool
}

// Validate enforces spec.md §3's descriptor invariants: unique step names
// and at least one step. Cron-expression validity is checked by the
// scheduler package, which owns the parser.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor: name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("descriptor %s: must have at least one terminal step", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("descriptor %s: step name is required", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("descriptor %s: duplicate step name %q", d.Name, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// StepState is the per-step lifecycle: Waiting -> Active -> Done|Errored.
type StepState string

const (
	StepWaiting StepState = "waiting"
	StepActive  StepState = "active"
	StepDone    StepState = "done"
	StepErrored StepState = "errored"
)

// TaskState is the terminal/non-terminal lifecycle of a RunningTask.
type TaskState string

const (
	TaskActive    TaskState = "active"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// RunningTask is one in-flight instance of a Descriptor. It is mutated
// only by its owning TaskHandler (single-writer discipline, spec.md §5).
type RunningTask struct {
	ID               TaskID
	Descriptor       *Descriptor
	StartedAt        time.Time
	CurrentStepIndex int
	StepStates       []StepState
	State            TaskState
	ReceivedMessages []Message
	PendingActionFor map[SubscriberID]struct{}
}

// NewRunningTask materializes a fresh RunningTask from a descriptor.
func NewRunningTask(d *Descriptor) *RunningTask {
	states := make([]StepState, len(d.Steps))
	for i := range states {
		states[i] = StepWaiting
	}
	if len(states) > 0 {
		states[0] = StepActive
	}
	return &RunningTask{
		ID:               NewTaskID(),
		Descriptor:       d,
		StartedAt:        time.Now(),
		CurrentStepIndex: 0,
		StepStates:       states,
		State:            TaskActive,
		PendingActionFor: make(map[SubscriberID]struct{}),
	}
}

// CurrentStep returns the step the task is presently executing, or nil if
// the task has already completed all steps.
func (rt *RunningTask) CurrentStep() *Step {
	if rt.CurrentStepIndex < 0 || rt.CurrentStepIndex >= len(rt.Descriptor.Steps) {
		return nil
	}
	return &rt.Descriptor.Steps[rt.CurrentStepIndex]
}

// WorkerTask is a discrete unit of work routed via attribute filters.
type WorkerTask struct {
	ID         string
	Name       string
	Attributes map[string]string
	Data       json.RawMessage
	Timeout    time.Duration
	Attempt    int
}

// AttributeFilters is a worker's declared acceptance pattern: every key
// present must match the task's value for that key via regexp.
type AttributeFilters map[string]string
