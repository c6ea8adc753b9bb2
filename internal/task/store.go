package task

import (
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/taskflow-core/internal/store"
)

// Store is C3: CRUD over task.json / process.json, plus the derived
// index. It is safe for concurrent use by multiple goroutines within one
// process; cross-process exclusion on task.json itself is not required by
// the spec (each task directory has exactly one owning process at a time,
// enforced by the process.json lock-then-write pattern in §4.12).
type Store struct {
	layout   *store.Layout
	indexMu  *store.FileLock
}

// NewStore builds a task store rooted at layout.
func NewStore(layout *store.Layout) *Store {
	return &Store{
		layout:  layout,
		indexMu: store.NewFileLock(layout.IndexFile() + ".lock"),
	}
}

// Create writes a new task.json, generating an id if absent and
// defaulting status/timestamps, then refreshes the index.
func (s *Store) Create(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := s.layout.EnsureTaskDirs(t.ID); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInternal, err)
	}
	if err := store.WriteJSON(s.layout.TaskFile(t.ID), t); err != nil {
		return err
	}
	return s.refreshIndexEntry(t)
}

// Get loads a task by id.
func (s *Store) Get(taskID string) (*Task, error) {
	var t Task
	result, err := store.ReadJSON(s.layout.TaskFile(taskID), &t)
	if err != nil {
		return nil, err
	}
	switch result {
	case store.ReadAbsent:
		return nil, fmt.Errorf("%w: task %s", store.ErrNotFound, taskID)
	case store.ReadCorrupt:
		return nil, fmt.Errorf("%w: task %s", store.ErrCorrupt, taskID)
	}
	return &t, nil
}

// Patch applies fn to the current task and persists the result,
// bumping UpdatedAt and refreshing the index.
func (s *Store) Patch(taskID string, fn func(t *Task)) (*Task, error) {
	t, err := s.Get(taskID)
	if err != nil {
		return nil, err
	}
	fn(t)
	t.UpdatedAt = time.Now()
	if err := store.WriteJSON(s.layout.TaskFile(taskID), t); err != nil {
		return nil, err
	}
	if err := s.refreshIndexEntry(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete removes a task's entire directory (task owns its workflow,
// instance, logs, outputs, traces, process-info, message stream).
func (s *Store) Delete(taskID string) error {
	if err := os.RemoveAll(s.layout.TaskDir(taskID)); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInternal, err)
	}
	return s.removeIndexEntry(taskID)
}

// List returns tasks matching filter, read from the index then hydrated
// only as far as the index summary requires; callers needing full task
// bodies call Get per id.
func (s *Store) List(filter Filter) ([]IndexEntry, error) {
	idx, err := s.loadOrRebuildIndex()
	if err != nil {
		return nil, err
	}
	var out []IndexEntry
	for _, entry := range idx.Tasks {
		if len(filter.Status) > 0 && !containsStatus(filter.Status, entry.Status) {
			continue
		}
		if filter.Priority != "" && entry.Priority != filter.Priority {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListByStatus is a convenience wrapper over List.
func (s *Store) ListByStatus(status Status) ([]IndexEntry, error) {
	return s.List(Filter{Status: []Status{status}})
}

func containsStatus(list []Status, v Status) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// --- process-info -----------------------------------------------------

// SaveProcessInfo writes process.json for taskID.
func (s *Store) SaveProcessInfo(taskID string, info *ProcessInfo) error {
	return store.WriteJSON(s.layout.ProcessFile(taskID), info)
}

// GetProcessInfo reads process.json, returning ErrNotFound if absent.
func (s *Store) GetProcessInfo(taskID string) (*ProcessInfo, error) {
	var info ProcessInfo
	result, err := store.ReadJSON(s.layout.ProcessFile(taskID), &info)
	if err != nil {
		return nil, err
	}
	if result == store.ReadAbsent {
		return nil, fmt.Errorf("%w: process info for %s", store.ErrNotFound, taskID)
	}
	if result == store.ReadCorrupt {
		return nil, fmt.Errorf("%w: process info for %s", store.ErrCorrupt, taskID)
	}
	return &info, nil
}

// RemoveProcessInfo deletes process.json, tolerating absence.
func (s *Store) RemoveProcessInfo(taskID string) error {
	if err := os.Remove(s.layout.ProcessFile(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", store.ErrInternal, err)
	}
	return nil
}

// IsProcessRunning probes pid with signal 0, the standard liveness check:
// ESRCH means gone, EPERM means alive but owned by someone else (still
// "running" for our purposes), nil means alive and ours.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		return true
	}
	return false
}

// --- index --------------------------------------------------------------

func (s *Store) refreshIndexEntry(t *Task) error {
	return s.indexMu.WithLock(func() error {
		idx, err := s.readIndexLocked()
		if err != nil {
			return err
		}
		idx.Tasks[t.ID] = IndexEntry{ID: t.ID, Title: t.Title, Status: t.Status, Priority: t.Priority, CreatedAt: t.CreatedAt}
		idx.UpdatedAt = time.Now()
		return store.WriteJSON(s.layout.IndexFile(), idx)
	})
}

func (s *Store) removeIndexEntry(taskID string) error {
	return s.indexMu.WithLock(func() error {
		idx, err := s.readIndexLocked()
		if err != nil {
			return err
		}
		delete(idx.Tasks, taskID)
		idx.UpdatedAt = time.Now()
		return store.WriteJSON(s.layout.IndexFile(), idx)
	})
}

func (s *Store) readIndexLocked() (*Index, error) {
	var idx Index
	result, err := store.ReadJSON(s.layout.IndexFile(), &idx)
	if err != nil {
		return nil, err
	}
	if result != store.ReadOK || idx.Tasks == nil {
		return s.rebuildIndexLocked()
	}
	return &idx, nil
}

// loadOrRebuildIndex reads the index, rebuilding it by directory scan on
// corruption or absence so a corrupt index never surfaces as a second
// error to List's caller (SPEC_FULL supplemented feature #2).
func (s *Store) loadOrRebuildIndex() (*Index, error) {
	var idx Index
	result, err := store.ReadJSON(s.layout.IndexFile(), &idx)
	if err != nil {
		return nil, err
	}
	if result == store.ReadOK && idx.Tasks != nil {
		return &idx, nil
	}
	if result == store.ReadCorrupt {
		log.WithField("path", s.layout.IndexFile()).Warn("task index corrupt, rebuilding from directory scan")
	}
	var rebuilt *Index
	rebuildErr := s.indexMu.WithLock(func() error {
		r, err := s.rebuildIndexLocked()
		if err != nil {
			return err
		}
		rebuilt = r
		return nil
	})
	if rebuildErr != nil {
		return nil, rebuildErr
	}
	return rebuilt, nil
}

func (s *Store) rebuildIndexLocked() (*Index, error) {
	idx := &Index{Tasks: make(map[string]IndexEntry), UpdatedAt: time.Now()}

	entries, err := os.ReadDir(s.layout.TasksRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return idx, store.WriteJSON(s.layout.IndexFile(), idx)
		}
		return nil, fmt.Errorf("%w: %v", store.ErrInternal, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var t Task
		result, readErr := store.ReadJSON(s.layout.TaskFile(entry.Name()), &t)
		if readErr != nil {
			return nil, readErr
		}
		if result != store.ReadOK {
			log.WithField("task_id", entry.Name()).Warn("skipping unreadable task during index rebuild")
			continue
		}
		idx.Tasks[t.ID] = IndexEntry{ID: t.ID, Title: t.Title, Status: t.Status, Priority: t.Priority, CreatedAt: t.CreatedAt}
	}

	if err := store.WriteJSON(s.layout.IndexFile(), idx); err != nil {
		return nil, err
	}
	return idx, nil
}
