package lifecycle

import (
	"fmt"

	"github.com/aosanya/taskflow-core/internal/store"
	"github.com/aosanya/taskflow-core/internal/task"
)

// validTransitions enumerates the task status machine documented on
// task.Status: pending -> planning -> developing <-> paused -> reviewing
// -> {completed, failed, cancelled}. Stop can cut in from any
// non-terminal status, so it is checked separately in Manager.Stop
// rather than listed here.
var validTransitions = map[task.Status][]task.Status{
	task.StatusPending:    {task.StatusPlanning},
	task.StatusPlanning:   {task.StatusDeveloping},
	task.StatusDeveloping: {task.StatusPaused, task.StatusReviewing, task.StatusFailed},
	task.StatusPaused:     {task.StatusDeveloping},
	task.StatusReviewing:  {task.StatusCompleted, task.StatusPending},
}

// validateTransition reports whether moving a task from `from` to `to`
// is legal per the status machine above.
func validateTransition(from, to task.Status) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot move task from %s to %s", store.ErrPreconditionFailed, from, to)
}
