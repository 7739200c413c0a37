package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/bus"
	"github.com/cuemby/warden/pkg/graph"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/subscriptions"
	"github.com/cuemby/warden/pkg/taskhandler"
	"github.com/cuemby/warden/pkg/types"
	"github.com/cuemby/warden/pkg/workqueue"
)

func newTestTaskHandler(t *testing.T, store *storage.Store) *taskhandler.Handler {
	t.Helper()
	b := bus.New()
	subs := subscriptions.New(b)
	return taskhandler.New(b, subs, store)
}

func memGraphWithNodes() *graph.MemStore {
	g := graph.NewMemStore()
	g.AddNode(graph.Node{ID: "i-1", Kind: "bla", Attributes: map[string]any{"identifier": "c"}})
	g.AddNode(graph.Node{ID: "i-2", Kind: "bla", Attributes: map[string]any{"identifier": "a"}})
	g.AddNode(graph.Node{ID: "i-3", Kind: "bla", Attributes: map[string]any{"identifier": "b"}})
	g.AddNode(graph.Node{ID: "i-4", Kind: "other", Attributes: map[string]any{"identifier": "d"}})
	return g
}

func TestSearchSortLimitReturnsExpectedIdentifiers(t *testing.T) {
	e := New(&Env{Graph: memGraphWithNodes()})
	// ascending by identifier puts i-2(a), i-3(b), i-1(c) in that order;
	// limit 2,2 skips the first two and returns the remainder.
	out := run(t, e, `search is(bla) | sort reported.identifier | limit 2, 2`)
	require.Len(t, out, 1)
	m := out[0].(map[string]any)
	assert.Equal(t, "i-1", m["id"])
}

// autoAckWorker attaches to q under workerID, accepting taskName, and
// acknowledges every task it pulls until ctx is cancelled.
func autoAckWorker(ctx context.Context, t *testing.T, q *workqueue.Queue, workerID types.WorkerID, taskName string) {
	t.Helper()
	sess, err := q.Attach(workerID, []string{taskName}, nil)
	require.NoError(t, err)
	go func() {
		defer sess.Detach()
		for {
			task, nextErr := sess.Next(ctx)
			if nextErr != nil {
				return
			}
			q.AcknowledgeTask(workerID, task.ID, nil)
		}
	}()
}

func TestTagUpdateRecordsNodeHistory(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := workqueue.New(workqueue.Config{BackoffBase: time.Millisecond})
	t.Cleanup(q.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	autoAckWorker(ctx, t, q, types.NewWorkerID(), "tag")

	e := New(&Env{WorkQueue: q, Store: store})
	runCtx, runCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer runCancel()
	out, err := e.ExecuteForOutput(runCtx, `json {"id":"i-1"} | tag update region=us-east-1`)
	require.NoError(t, err)
	require.Len(t, out, 1)

	entries, err := store.ListNodeHistory()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "i-1", entries[0].NodeID)
	assert.Equal(t, storage.NodeUpdated, entries[0].Kind)
}

func TestHistoryFiltersByChangeKindAndQuery(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.AppendNodeHistory(storage.NodeHistoryEntry{NodeID: "i-1", Kind: storage.NodeUpdated, At: 100}))
	require.NoError(t, store.AppendNodeHistory(storage.NodeHistoryEntry{NodeID: "i-2", Kind: storage.NodeDeleted, At: 200}))

	e := New(&Env{Store: store})
	out := run(t, e, `history --change node_deleted`)
	require.Len(t, out, 1)
	entry := out[0].(storage.NodeHistoryEntry)
	assert.Equal(t, "i-2", entry.NodeID)

	out = run(t, e, `history i-1`)
	require.Len(t, out, 1)
	entry = out[0].(storage.NodeHistoryEntry)
	assert.Equal(t, "i-1", entry.NodeID)
}

func TestTemplatesListAndTestRendering(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveTemplate("greeting", map[string]any{"body": "hello {{.name}}"}))

	e := New(&Env{Store: store})
	names := run(t, e, `templates list`)
	assert.Equal(t, []any{"greeting"}, names)

	out := run(t, e, `json {"name":"world"} | templates test greeting`)
	require.Len(t, out, 1)
	assert.Equal(t, "hello world", out[0])
}

func TestTemplatesTestMustFollowAnUpstreamStage(t *testing.T) {
	e := New(&Env{})
	_, err := e.Compile(`templates test greeting`)
	assert.Error(t, err, "templates test is a flow stage and cannot lead a pipeline")
}

func TestJobsAddStoresScheduleAndEnvironment(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tasks := newTestTaskHandler(t, store)

	e := New(&Env{Store: store, Tasks: tasks})
	out := run(t, e, `jobs add --id hello --schedule "23 1 * * *" echo Hello World`)
	require.Len(t, out, 1)
	assert.Equal(t, "Job hello added.", out[0])

	jobs, err := store.ListDescriptors(types.DescriptorJob)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "hello", jobs[0].Name)
	require.Len(t, jobs[0].Triggers, 1)
	assert.Equal(t, "23 1 * * *", jobs[0].Triggers[0].Cron)
	assert.Equal(t, "echo Hello World", jobs[0].Steps[0].Command)
	assert.Equal(t, "reported", jobs[0].Environment["section"])
}

func TestJobsAddFromYAMLFile(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tasks := newTestTaskHandler(t, store)

	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: nightly-cleanup
on_surpass: skip
timeout: 2m
environment:
  section: reported
triggers:
  - kind: time
    cron: "0 2 * * *"
steps:
  - name: run
    action: execute_command
    command: cleanup --all
    on_error: stop
`), 0o600))

	e := New(&Env{Store: store, Tasks: tasks})
	out := run(t, e, `jobs add -f `+path)
	require.Len(t, out, 1)
	assert.Equal(t, "Job nightly-cleanup added.", out[0])

	jobs, err := store.ListDescriptors(types.DescriptorJob)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly-cleanup", jobs[0].Name)
	assert.Equal(t, types.SurpassSkip, jobs[0].OnSurpass)
	assert.Equal(t, 2*time.Minute, jobs[0].Timeout)
	require.Len(t, jobs[0].Triggers, 1)
	assert.Equal(t, "0 2 * * *", jobs[0].Triggers[0].Cron)
	require.Len(t, jobs[0].Steps, 1)
	assert.Equal(t, "cleanup --all", jobs[0].Steps[0].Command)
}

func TestWorkflowsAddFromYAMLFile(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tasks := newTestTaskHandler(t, store)

	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: collect-all
steps:
  - name: collect
    action: perform_action
    message_type: collect
  - name: notify
    action: emit_event
    event_data:
      status: done
`), 0o600))

	e := New(&Env{Store: store, Tasks: tasks})
	out := run(t, e, `workflows add -f `+path)
	require.Len(t, out, 1)
	assert.Equal(t, "Workflow collect-all added.", out[0])

	workflows, err := store.ListDescriptors(types.DescriptorWorkflow)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	require.Len(t, workflows[0].Steps, 2)
	assert.Equal(t, types.StepPerformAction, workflows[0].Steps[0].Action)
	assert.Equal(t, "done", workflows[0].Steps[1].EventData["status"])
}

func TestJobsAddRejectsYAMLMissingSteps(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tasks := newTestTaskHandler(t, store)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: no-steps\n"), 0o600))

	e := New(&Env{Store: store, Tasks: tasks})
	_, err = e.ExecuteForOutput(context.Background(), `jobs add -f `+path)
	assert.Error(t, err)
}
