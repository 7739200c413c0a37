package cli

import (
	"bufio"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/graph"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
	"github.com/cuemby/warden/pkg/workqueue"
)

func memGraphWithChain() *graph.MemStore {
	g := graph.NewMemStore()
	g.AddNode(graph.Node{ID: "a", Kind: "vpc"})
	g.AddNode(graph.Node{ID: "b", Kind: "subnet"})
	g.AddNode(graph.Node{ID: "c", Kind: "instance"})
	g.AddEdge(graph.Edge{From: "a", To: "b"})
	g.AddEdge(graph.Edge{From: "b", To: "c"})
	return g
}

func TestSuccessorsReturnsDirectOutEdgeOnly(t *testing.T) {
	e := New(&Env{Graph: memGraphWithChain()})
	out := run(t, e, `echo a | successors`)
	require.Len(t, out, 1)
	m := out[0].(map[string]any)
	assert.Equal(t, "b", m["id"])
}

func TestDescendantsIsTransitive(t *testing.T) {
	e := New(&Env{Graph: memGraphWithChain()})
	out := run(t, e, `echo a | descendants`)
	require.Len(t, out, 2)
	var ids []any
	for _, v := range out {
		ids = append(ids, v.(map[string]any)["id"])
	}
	assert.ElementsMatch(t, []any{"b", "c"}, ids)
}

func TestPredecessorsWithOriginIncludesSeed(t *testing.T) {
	e := New(&Env{Graph: memGraphWithChain()})
	out := run(t, e, `echo c | predecessors --with-origin`)
	require.Len(t, out, 2)
	var ids []any
	for _, v := range out {
		ids = append(ids, v.(map[string]any)["id"])
	}
	assert.ElementsMatch(t, []any{"c", "b"}, ids)
}

func TestWriteStageCreatesFileWithRenderedLines(t *testing.T) {
	e := testEngine(t)
	out := run(t, e, `json [1,2] | write out.txt`)
	require.Len(t, out, 1)
	path := out[0].(string)
	defer os.Remove(path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	assert.Equal(t, []string{"1", "2"}, lines)
}

func TestSystemInfoEmitsVersion(t *testing.T) {
	e := testEngine(t)
	out := run(t, e, `system info`)
	require.Len(t, out, 1)
	m := out[0].(map[string]any)
	assert.Equal(t, "warden-dev", m["version"])
}

func TestSystemBackupCreateThenRestoreRoundTrips(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SaveConfig("default", map[string]any{"region": "us-east-1"}))

	e := New(&Env{Store: store})
	out := run(t, e, `system backup create`)
	require.Len(t, out, 1)
	backupPath := out[0].(string)
	defer os.Remove(backupPath)

	require.NoError(t, store.SaveConfig("scratch", map[string]any{"x": "y"}))

	out = run(t, e, `system backup restore `+backupPath)
	require.Len(t, out, 1)
	assert.Equal(t, "restored", out[0])

	_, err = store.GetConfig("scratch")
	assert.Error(t, err, "restore must replace the database contents, not merge into them")
}

func TestConfigsSetThenShowRoundTrips(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := New(&Env{Store: store})
	out := run(t, e, `configs set default region=us-east-1`)
	require.Len(t, out, 1)
	assert.Equal(t, "Config default updated.", out[0])

	out = run(t, e, `configs show default`)
	require.Len(t, out, 1)
	m := out[0].(map[string]any)
	assert.Equal(t, "us-east-1", m["region"])
}

func TestCertificateCreateFailsWithoutIssuer(t *testing.T) {
	e := testEngine(t)
	err := e.Execute(context.Background(), `certificate create example.com`, nil)
	assert.Error(t, err, "no certificate issuer is wired, so create must fail rather than silently succeed")
}

func TestExecuteTaskPostsOneTaskPerUpstreamValue(t *testing.T) {
	q := workqueue.New(workqueue.Config{BackoffBase: time.Millisecond})
	t.Cleanup(q.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	workerID := types.NewWorkerID()
	sess, err := q.Attach(workerID, []string{"execute-task"}, nil)
	require.NoError(t, err)
	go func() {
		defer sess.Detach()
		for {
			task, nextErr := sess.Next(ctx)
			if nextErr != nil {
				return
			}
			q.AcknowledgeTask(workerID, task.ID, map[string]any{"echoed": task.Attributes["arg"]})
		}
	}()

	e := New(&Env{WorkQueue: q})
	runCtx, runCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer runCancel()
	out, err := e.ExecuteForOutput(runCtx, `json ["x","y"] | execute-task --command uname --arg {id}`)
	require.NoError(t, err)
	require.Len(t, out, 2)
}
