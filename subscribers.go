package statesync

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var subscriptionIDs atomic.Uint64

// Subscription is the handle returned by Subscribe and SubscribeCache.
type Subscription struct {
	id     uint64
	cancel func()
}

// ID returns the handle's process-unique identifier.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Unsubscribe removes the listener. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

// registry is an ordered listener list. Listeners are invoked in
// registration order; a panicking listener is logged and skipped.
type registry[T any] struct {
	mu      sync.Mutex
	entries []listenerEntry[T]
}

func (r *registry[T]) add(fn func(T)) *Subscription {
	id := subscriptionIDs.Add(1)
	r.mu.Lock()
	r.entries = append(r.entries, listenerEntry[T]{id: id, fn: fn})
	r.mu.Unlock()
	return &Subscription{id: id, cancel: func() { r.remove(id) }}
}

func (r *registry[T]) remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// notify calls every listener registered at the time of the call.
func (r *registry[T]) notify(logger *slog.Logger, v T) {
	r.mu.Lock()
	entries := r.entries
	r.mu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("listener panicked",
						slog.Uint64("subscription", e.id),
						slog.String("panic", fmt.Sprint(p)))
				}
			}()
			e.fn(v)
		}()
	}
}
