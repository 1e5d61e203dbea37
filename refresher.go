package statesync

import (
	"context"
	"sync"
)

// refresher serializes pulls of one target. At most one pull runs at a
// time; triggers that arrive while it runs are folded into a single
// trailing pull. A caller that waits is answered by the first pull that
// started after its trigger.
type refresher struct {
	ctx   context.Context
	pull  func(ctx context.Context) error
	onErr func(error)

	mu      sync.Mutex
	running bool
	dirty   bool
	started uint64
	waiters []refreshWaiter
}

type refreshWaiter struct {
	gen uint64
	ch  chan error
}

func newRefresher(ctx context.Context, pull func(context.Context) error, onErr func(error)) *refresher {
	return &refresher{ctx: ctx, pull: pull, onErr: onErr}
}

// trigger requests a pull. coalesced reports whether the request was folded
// into a pull that was already scheduled. When wait is true trigger blocks
// until that pull completes and returns its error.
func (r *refresher) trigger(ctx context.Context, wait bool) (coalesced bool, err error) {
	r.mu.Lock()
	gen := r.started + 1
	var ch chan error
	if wait {
		ch = make(chan error, 1)
		r.waiters = append(r.waiters, refreshWaiter{gen: gen, ch: ch})
	}
	if r.running {
		coalesced = r.dirty
		r.dirty = true
		r.mu.Unlock()
	} else {
		r.running = true
		r.started = gen
		r.mu.Unlock()
		go r.loop(gen)
	}

	if !wait {
		return coalesced, nil
	}
	select {
	case err := <-ch:
		return coalesced, err
	case <-ctx.Done():
		return coalesced, ctx.Err()
	}
}

func (r *refresher) loop(gen uint64) {
	for {
		err := r.pull(r.ctx)

		r.mu.Lock()
		var ready []refreshWaiter
		kept := r.waiters[:0]
		for _, w := range r.waiters {
			if w.gen <= gen {
				ready = append(ready, w)
			} else {
				kept = append(kept, w)
			}
		}
		r.waiters = kept
		next := r.dirty
		if next {
			r.dirty = false
			r.started++
			gen = r.started
		} else {
			r.running = false
		}
		r.mu.Unlock()

		for _, w := range ready {
			w.ch <- err
		}
		if err != nil && len(ready) == 0 && r.onErr != nil {
			r.onErr(err)
		}
		if !next {
			return
		}
	}
}
