package store

import (
	"os"
	"path/filepath"
)

// Root resolves the data directory per the documented order: DATA_DIR env
// var, else ./.data relative to the working directory, else a
// home-directory fallback. The result is stable for the process lifetime
// once computed — callers should resolve it once and thread it through.
func Root() string {
	if v := os.Getenv("DATA_DIR"); v != "" {
		return v
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, ".data")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".data"
	}
	return filepath.Join(home, ".taskflow", "data")
}

// Layout carries the resolved data root and the derived well-known paths
// used across the core.
type Layout struct {
	Root string
}

// NewLayout resolves the root once and returns a Layout.
func NewLayout() *Layout {
	return &Layout{Root: Root()}
}

func (l *Layout) TaskDir(taskID string) string       { return filepath.Join(l.Root, "tasks", taskID) }
func (l *Layout) TaskFile(taskID string) string       { return filepath.Join(l.TaskDir(taskID), "task.json") }
func (l *Layout) WorkflowFile(taskID string) string   { return filepath.Join(l.TaskDir(taskID), "workflow.json") }
func (l *Layout) InstanceFile(taskID string) string   { return filepath.Join(l.TaskDir(taskID), "instance.json") }
func (l *Layout) ProcessFile(taskID string) string    { return filepath.Join(l.TaskDir(taskID), "process.json") }
func (l *Layout) MessagesFile(taskID string) string   { return filepath.Join(l.TaskDir(taskID), "messages.json") }
func (l *Layout) StatsFile(taskID string) string      { return filepath.Join(l.TaskDir(taskID), "stats.json") }
func (l *Layout) TimelineFile(taskID string) string   { return filepath.Join(l.TaskDir(taskID), "timeline.json") }
func (l *Layout) LogsDir(taskID string) string        { return filepath.Join(l.TaskDir(taskID), "logs") }
func (l *Layout) EventsLogFile(taskID string) string  { return filepath.Join(l.LogsDir(taskID), "events.jsonl") }
func (l *Layout) ExecutionLogFile(taskID string) string {
	return filepath.Join(l.LogsDir(taskID), "execution.log")
}
func (l *Layout) OutputsDir(taskID string) string  { return filepath.Join(l.TaskDir(taskID), "outputs") }
func (l *Layout) ResultFile(taskID string) string  { return filepath.Join(l.OutputsDir(taskID), "result.md") }
func (l *Layout) TracesDir(taskID string) string   { return filepath.Join(l.TaskDir(taskID), "traces") }
func (l *Layout) TraceFile(taskID, traceID string) string {
	return filepath.Join(l.TracesDir(taskID), traceID+".jsonl")
}

func (l *Layout) TasksRoot() string   { return filepath.Join(l.Root, "tasks") }
func (l *Layout) QueueFile() string   { return filepath.Join(l.Root, "queue.json") }
func (l *Layout) RunnerLock() string  { return filepath.Join(l.Root, "runner.lock") }
func (l *Layout) IndexFile() string   { return filepath.Join(l.Root, "index.json") }
func (l *Layout) MetaFile() string    { return filepath.Join(l.Root, "meta.json") }

// EnsureTaskDirs creates the per-task directory tree (logs/, outputs/,
// traces/) ahead of any writes into it.
func (l *Layout) EnsureTaskDirs(taskID string) error {
	for _, dir := range []string{l.TaskDir(taskID), l.LogsDir(taskID), l.OutputsDir(taskID), l.TracesDir(taskID)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
