package events

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// registration pairs a handler with a monotonic sequence number so
// handlers fire in registration order (§4.6, §5 ordering guarantees),
// not by any priority ranking.
type registration struct {
	seq     int64
	handler Handler
}

// Bus is C6: a typed in-process pub/sub with per-handler failure
// isolation and per-event-name registration-order delivery.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]registration
	seq      int64
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{handlers: make(map[Name][]registration)}
}

// On registers handler for name, returning an unsubscribe function.
func (b *Bus) On(name Name, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	b.handlers[name] = append(b.handlers[name], registration{seq: seq, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.handlers[name]
		for i, r := range list {
			if r.seq == seq {
				b.handlers[name] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Once wraps On in a one-shot unsubscribe.
func (b *Bus) Once(name Name, handler Handler) {
	var unsubscribe func()
	unsubscribe = b.On(name, func(ctx context.Context, ev Event) error {
		unsubscribe()
		return handler(ctx, ev)
	})
}

// Clear removes all handlers for name, or every handler if name is "".
func (b *Bus) Clear(name Name) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		b.handlers = make(map[Name][]registration)
		return
	}
	delete(b.handlers, name)
}

// Emit calls every handler registered for ev.Name, in registration order,
// within a failure boundary per handler: a handler's error is logged, not
// re-thrown, and does not prevent the remaining handlers from running.
// Emit blocks until every handler returns (§4.6: "contract only requires
// all handlers are attempted" — sequential satisfies that contract with
// the simplest ordering guarantees).
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Context == nil {
		ev.Context = ctx
	}

	b.mu.RLock()
	list := make([]registration, len(b.handlers[ev.Name]))
	copy(list, b.handlers[ev.Name])
	b.mu.RUnlock()

	for _, r := range list {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(log.Fields{"event": ev.Name, "panic": rec}).Error("event handler panicked")
				}
			}()
			if err := r.handler(ev.Context, ev); err != nil {
				log.WithFields(log.Fields{"event": ev.Name, "error": err}).Error("event handler failed")
			}
		}()
	}
}

// EmitAsync runs Emit on a new goroutine, for callers on a hot path that
// must not block on subscriber work.
func (b *Bus) EmitAsync(ctx context.Context, ev Event) {
	go b.Emit(ctx, ev)
}
