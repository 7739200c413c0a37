package storage_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndListRunningTasks(t *testing.T) {
	s := openTestStore(t)

	d := &types.Descriptor{Kind: types.DescriptorWorkflow, ID: types.NewTaskDescriptorID(), Name: "collect", Steps: []types.Step{{Name: "a", Action: types.StepEmitEvent}}}
	rt := types.NewRunningTask(d)

	require.NoError(t, s.SaveRunningTask(rt))

	loaded, err := s.ListRunningTasks()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, rt.ID, loaded[0].ID)
	assert.Equal(t, types.TaskActive, loaded[0].State)
}

func TestDeleteRunningTaskRemovesFromList(t *testing.T) {
	s := openTestStore(t)
	d := &types.Descriptor{Kind: types.DescriptorJob, ID: types.NewTaskDescriptorID(), Name: "job", Steps: []types.Step{{Name: "a", Action: types.StepExecuteCommand}}}
	rt := types.NewRunningTask(d)
	require.NoError(t, s.SaveRunningTask(rt))
	require.NoError(t, s.DeleteRunningTask(rt.ID))

	loaded, err := s.ListRunningTasks()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestDescriptorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	d := &types.Descriptor{Kind: types.DescriptorWorkflow, ID: types.NewTaskDescriptorID(), Name: "collect", Steps: []types.Step{{Name: "a", Action: types.StepEmitEvent}}, Active: true}
	require.NoError(t, s.SaveDescriptor(d))

	loaded, err := s.GetDescriptor(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Name, loaded.Name)
	assert.True(t, loaded.Active)

	require.NoError(t, s.DeleteDescriptor(d.ID))
	_, err = s.GetDescriptor(d.ID)
	assert.Error(t, err)
}

func TestListDescriptorsFiltersByKind(t *testing.T) {
	s := openTestStore(t)
	wf := &types.Descriptor{Kind: types.DescriptorWorkflow, ID: types.NewTaskDescriptorID(), Name: "wf", Steps: []types.Step{{Name: "a", Action: types.StepEmitEvent}}}
	job := &types.Descriptor{Kind: types.DescriptorJob, ID: types.NewTaskDescriptorID(), Name: "job", Steps: []types.Step{{Name: "a", Action: types.StepExecuteCommand}}}
	require.NoError(t, s.SaveDescriptor(wf))
	require.NoError(t, s.SaveDescriptor(job))

	workflows, err := s.ListDescriptors(types.DescriptorWorkflow)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, "wf", workflows[0].Name)

	all, err := s.ListDescriptors("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestHistoryAppendAndList(t *testing.T) {
	s := openTestStore(t)
	rec := storage.HistoryRecord{
		TaskID:     types.NewTaskID(),
		Descriptor: "collect",
		State:      types.TaskSucceeded,
		StartedAt:  time.Now().Unix(),
		FinishedAt: time.Now().Unix(),
		DurationMS: 1500,
	}
	require.NoError(t, s.AppendHistory(rec))

	list, err := s.ListHistory()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.TaskID, list[0].TaskID)
}

func TestTemplateAndConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveTemplate("cleanup", map[string]any{"message_type": "cleanup"}))
	tmpl, err := s.GetTemplate("cleanup")
	require.NoError(t, err)
	assert.Equal(t, "cleanup", tmpl["message_type"])

	require.NoError(t, s.DeleteTemplate("cleanup"))
	_, err = s.GetTemplate("cleanup")
	assert.Error(t, err)

	require.NoError(t, s.SaveConfig("default", map[string]any{"region": "us-east-1"}))
	cfg, err := s.GetConfig("default")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg["region"])
}

func TestNodeHistoryAppendAndList(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AppendNodeHistory(storage.NodeHistoryEntry{NodeID: "n1", Kind: storage.NodeUpdated, At: 100}))
	require.NoError(t, s.AppendNodeHistory(storage.NodeHistoryEntry{NodeID: "n1", Kind: storage.NodeDeleted, At: 200}))
	require.NoError(t, s.AppendNodeHistory(storage.NodeHistoryEntry{NodeID: "n2", Kind: storage.NodeCreated, At: 50}))

	entries, err := s.ListNodeHistory()
	require.NoError(t, err)
	require.Len(t, entries, 3, "node history is distinct from task-run history and keeps one entry per mutation")
}

func TestListTemplateNamesReturnsEveryStoredName(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveTemplate("alpha", map[string]any{"body": "hi {{.name}}"}))
	require.NoError(t, s.SaveTemplate("beta", map[string]any{"body": "bye {{.name}}"}))

	names, err := s.ListTemplateNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, names)
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveConfig("default", map[string]any{"region": "us-east-1"}))

	var buf bytes.Buffer
	require.NoError(t, s.Backup(&buf))
	require.NotZero(t, buf.Len())

	require.NoError(t, s.SaveConfig("scratch", map[string]any{"x": "y"}))
	require.NoError(t, s.Restore(bytes.NewReader(buf.Bytes())))

	cfg, err := s.GetConfig("default")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg["region"])

	_, err = s.GetConfig("scratch")
	assert.Error(t, err, "restore must replace, not merge, the database contents")
}
