// Package events implements C6: a typed, in-process publish/subscribe bus
// with per-handler failure isolation. There is no cross-process delivery
// — external adapters (dashboard, messengers) subscribe here directly in
// the same process as the core.
package events

import (
	"context"
	"time"
)

// Name is an event name. The core emits a fixed, non-exhaustive set of
// these (see the Named event constants below); adapters may subscribe to
// any name, including ones the core never emits.
type Name string

// Named events emitted by the core (§4.6, non-exhaustive).
const (
	WorkflowStarted   Name = "workflow:started"
	WorkflowProgress  Name = "workflow:progress"
	WorkflowCompleted Name = "workflow:completed"
	WorkflowFailed    Name = "workflow:failed"
	NodeStarted       Name = "node:started"
	NodeCompleted     Name = "node:completed"
	NodeFailed        Name = "node:failed"
	TaskCreated       Name = "task:created"
	TaskStarted       Name = "task:started"
	TaskPaused        Name = "task:paused"
	TaskResumed       Name = "task:resumed"
	TaskStopped       Name = "task:stopped"
	TaskCompleted     Name = "task:completed"
	TaskFailed        Name = "task:failed"
	TaskRejected      Name = "task:rejected"
	TaskInjected      Name = "task:injected"
)

// Event is one published occurrence.
type Event struct {
	Name      Name
	Data      map[string]interface{}
	Timestamp time.Time
	Context   context.Context
}

// Handler processes one event. A handler that returns an error does not
// stop other handlers from running for the same event (failure
// isolation, §4.6) — the bus logs it and moves on.
type Handler func(ctx context.Context, ev Event) error
