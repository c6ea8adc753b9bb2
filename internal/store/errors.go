package store

import "errors"

// Sentinel error categories surfaced across the core (see design notes on
// error taxonomy). Components wrap these with fmt.Errorf("...: %w", ...)
// so callers can still errors.Is/errors.As down to the category.
var (
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrLockContention     = errors.New("lock contention")
	ErrBackendFailure     = errors.New("backend failure")
	ErrCorrupt            = errors.New("corrupt document")
	ErrInternal           = errors.New("internal error")
)
