package task

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/taskflow-core/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(&store.Layout{Root: t.TempDir()})
}

func TestCreateDefaultsStatusAndPriority(t *testing.T) {
	s := newTestStore(t)
	tk := &Task{Title: "write docs", WorkingDir: "/tmp"}

	require.NoError(t, s.Create(tk))
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, PriorityMedium, tk.Priority)
}

func TestGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	tk := &Task{Title: "t", WorkingDir: "/tmp"}
	require.NoError(t, s.Create(tk))

	loaded, err := s.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "t", loaded.Title)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPatchUpdatesIndexEntry(t *testing.T) {
	s := newTestStore(t)
	tk := &Task{Title: "t", WorkingDir: "/tmp"}
	require.NoError(t, s.Create(tk))

	updated, err := s.Patch(tk.ID, func(x *Task) { x.Status = StatusPlanning })
	require.NoError(t, err)
	assert.Equal(t, StatusPlanning, updated.Status)

	entries, err := s.List(Filter{Status: []Status{StatusPlanning}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tk.ID, entries[0].ID)
}

func TestDeleteRemovesTaskAndIndexEntry(t *testing.T) {
	s := newTestStore(t)
	tk := &Task{Title: "t", WorkingDir: "/tmp"}
	require.NoError(t, s.Create(tk))

	require.NoError(t, s.Delete(tk.ID))
	_, err := s.Get(tk.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	entries, err := s.List(Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListFiltersByPriority(t *testing.T) {
	s := newTestStore(t)
	low := &Task{Title: "low", WorkingDir: "/tmp", Priority: PriorityLow}
	high := &Task{Title: "high", WorkingDir: "/tmp", Priority: PriorityHigh}
	require.NoError(t, s.Create(low))
	require.NoError(t, s.Create(high))

	entries, err := s.List(Filter{Priority: PriorityHigh})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "high", entries[0].Title)
}

func TestListByStatus(t *testing.T) {
	s := newTestStore(t)
	tk := &Task{Title: "t", WorkingDir: "/tmp"}
	require.NoError(t, s.Create(tk))

	entries, err := s.ListByStatus(StatusPending)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestIndexRebuildsFromDirectoryScanWhenCorrupt(t *testing.T) {
	layout := &store.Layout{Root: t.TempDir()}
	s := NewStore(layout)
	tk := &Task{Title: "t", WorkingDir: "/tmp"}
	require.NoError(t, s.Create(tk))

	require.NoError(t, os.WriteFile(layout.IndexFile(), []byte("not json"), 0o644))

	entries, err := s.List(Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tk.ID, entries[0].ID)
}

func TestSaveAndGetProcessInfo(t *testing.T) {
	s := newTestStore(t)
	tk := &Task{Title: "t", WorkingDir: "/tmp"}
	require.NoError(t, s.Create(tk))

	require.NoError(t, s.SaveProcessInfo(tk.ID, &ProcessInfo{PID: 42, Status: ProcessRunning}))
	info, err := s.GetProcessInfo(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, info.PID)

	require.NoError(t, s.RemoveProcessInfo(tk.ID))
	_, err = s.GetProcessInfo(tk.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoveProcessInfoToleratesAbsence(t *testing.T) {
	s := newTestStore(t)
	tk := &Task{Title: "t", WorkingDir: "/tmp"}
	require.NoError(t, s.Create(tk))

	assert.NoError(t, s.RemoveProcessInfo(tk.ID))
}

func TestIsProcessRunningRejectsInvalidPID(t *testing.T) {
	assert.False(t, IsProcessRunning(0))
	assert.False(t, IsProcessRunning(-1))
}
