// Package statesync keeps a local, read-only replica of a remote JSON state
// document and its named caches in sync with the remote service.
//
// The engine never trusts pushed data. The remote service sends payload-free
// invalidation signals; the engine answers each with a pull through its
// DocumentStore, which validates the document before it is adopted. Only a
// successful pull rotates the snapshot pair and notifies subscribers.
// Mutations are thin pass-throughs: they change the remote document and the
// local snapshot follows on the next pull.
package statesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-statesync/docpath"
	"github.com/c0deZ3R0/go-statesync/document"
	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/logging"
	"github.com/c0deZ3R0/go-statesync/schema"
	"github.com/c0deZ3R0/go-statesync/transport/wschannel"
)

const component = "statesync"

var (
	// ErrScalarFragment is returned by Update for bare scalar fragments; the
	// remote merges at object level, so fragments must be objects or arrays.
	ErrScalarFragment = errors.New("statesync: fragment must be an object or array")
	// ErrNoValidator is returned by operations that need a SchemaValidator.
	ErrNoValidator = errors.New("statesync: no schema validator configured")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("statesync: engine closed")
)

// Snapshot is the state handed to document subscribers. Both documents are
// shared and must be treated as read-only.
type Snapshot struct {
	Current  document.Document
	Previous document.Document
	// Seq counts successful rotations, starting at 1.
	Seq uint64
}

// CacheUpdate is handed to cache subscribers.
type CacheUpdate struct {
	Name  string
	Value any
}

// Engine is the subscriber-facing façade over a DocumentStore.
type Engine struct {
	store           DocumentStore
	logger          *slog.Logger
	metrics         MetricsCollector
	onError         ErrorHandler
	validator       SchemaValidator
	schemaID        string
	expectedVersion string

	stateDefinition     string
	skipStateValidation bool
	pendingTimeout  time.Duration
	preload         []string

	pendingListeners []func(PendingEdit)
	pending          *pendingSet

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	current  document.Document
	previous document.Document
	seq      uint64
	caches   map[string]any

	docSubs   registry[Snapshot]
	cacheMu   sync.Mutex
	cacheSubs map[string]*registry[CacheUpdate]

	stateRefresher *refresher
	refMu          sync.Mutex
	cacheRefresher map[string]*refresher
}

// New creates an Engine over store.
func New(store DocumentStore, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:          store,
		pendingTimeout: 10 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
		current:        document.Document{},
		caches:         make(map[string]any),
		cacheSubs:      make(map[string]*registry[CacheUpdate]),
		cacheRefresher: make(map[string]*refresher),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.WithComponent(component).Logger
	}
	if e.metrics == nil {
		e.metrics = &NoOpMetricsCollector{}
	}
	if e.validator != nil && !e.skipStateValidation {
		if _, ok := e.store.(*ValidatingStore); !ok {
			e.store = NewValidatingStore(e.store, e.validator, e.schemaID, e.stateDefinition, e.logger)
		}
	}
	if e.onError == nil {
		e.onError = func(op syncErrors.Operation, err error) {
			e.logger.Error("background operation failed",
				slog.String("op", string(op)),
				slog.Bool("retryable", syncErrors.IsRetryable(err)),
				errAttr(err))
		}
	}
	e.pending = newPendingSet(e.pendingTimeout, e.pendingChanged)
	e.stateRefresher = newRefresher(ctx, e.pullState, func(err error) { e.onError(syncErrors.OpFetchState, err) })
	return e
}

// Start checks the schema version, when one is expected, and then pulls the
// state and the preload caches. A version mismatch aborts before any state
// is fetched.
func (e *Engine) Start(ctx context.Context) error {
	if e.expectedVersion != "" {
		if e.validator == nil {
			return syncErrors.E(syncErrors.Op("statesync.Start"), syncErrors.Component(component), syncErrors.KindFatal, ErrNoValidator)
		}
		if err := e.validator.CheckVersion(ctx, e.schemaID, e.expectedVersion); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Refresh(gctx)
	})
	for _, name := range e.preload {
		g.Go(func() error {
			return e.RefreshCache(gctx, name)
		})
	}
	return g.Wait()
}

// Close stops background pulls. Subscribers are not notified afterwards.
func (e *Engine) Close() error {
	e.cancel()
	return nil
}

// Refresh pulls the state and, on success, rotates the snapshot pair and
// notifies document subscribers. On failure nothing changes. Concurrent
// calls share pulls: the call returns once a pull that started after it
// completes.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	_, err := e.stateRefresher.trigger(ctx, true)
	return err
}

func (e *Engine) pullState(ctx context.Context) error {
	start := time.Now()
	doc, err := e.store.FetchState(ctx)
	e.metrics.RecordRefresh(wschannel.TargetState, time.Since(start), err)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = document.Document{}
	}
	if ctx.Err() != nil {
		return ErrClosed
	}

	e.mu.Lock()
	e.previous = e.current
	e.current = doc
	e.seq++
	snap := Snapshot{Current: e.current, Previous: e.previous, Seq: e.seq}
	e.mu.Unlock()

	e.logger.Debug("state rotated", slog.Uint64("seq", snap.Seq), slog.Duration("duration", time.Since(start)))
	e.pending.reconcile(doc)
	e.docSubs.notify(e.logger, snap)
	return nil
}

// State returns the current document. It is empty until the first
// successful refresh and may be older than a pull in flight.
func (e *Engine) State() document.Document {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// PreviousState returns the document that was current before the last
// rotation, or nil before the first one.
func (e *Engine) PreviousState() document.Document {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.previous
}

// Snapshot returns the current snapshot pair.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{Current: e.current, Previous: e.previous, Seq: e.seq}
}

// Subscribe registers fn for every successful state rotation. Listeners run
// synchronously, in registration order, on the goroutine that completed the
// pull.
func (e *Engine) Subscribe(fn func(Snapshot)) *Subscription {
	return e.docSubs.add(fn)
}

// Unsubscribe removes a document subscription. Unknown handles are ignored.
func (e *Engine) Unsubscribe(s *Subscription) {
	if s != nil {
		e.docSubs.remove(s.id)
	}
}

func (e *Engine) cacheRegistry(name string) *registry[CacheUpdate] {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	r, ok := e.cacheSubs[name]
	if !ok {
		r = &registry[CacheUpdate]{}
		e.cacheSubs[name] = r
	}
	return r
}

// SubscribeCache registers fn for refreshes of the cache called name only.
func (e *Engine) SubscribeCache(name string, fn func(CacheUpdate)) *Subscription {
	return e.cacheRegistry(name).add(fn)
}

// UnsubscribeCache removes a cache subscription. Unknown handles are ignored.
func (e *Engine) UnsubscribeCache(name string, s *Subscription) {
	if s == nil {
		return
	}
	e.cacheMu.Lock()
	r, ok := e.cacheSubs[name]
	e.cacheMu.Unlock()
	if ok {
		r.remove(s.id)
	}
}

func (e *Engine) cacheRefresherFor(name string) *refresher {
	e.refMu.Lock()
	defer e.refMu.Unlock()
	r, ok := e.cacheRefresher[name]
	if !ok {
		r = newRefresher(e.ctx,
			func(ctx context.Context) error { return e.pullCache(ctx, name) },
			func(err error) { e.onError(syncErrors.OpFetchCache, err) })
		e.cacheRefresher[name] = r
	}
	return r
}

// RefreshCache pulls the named cache, stores it and notifies that cache's
// subscribers.
func (e *Engine) RefreshCache(ctx context.Context, name string) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	_, err := e.cacheRefresherFor(name).trigger(ctx, true)
	return err
}

func (e *Engine) pullCache(ctx context.Context, name string) error {
	start := time.Now()
	v, err := e.store.FetchNamedCache(ctx, name)
	e.metrics.RecordRefresh(wschannel.DefaultCachePrefix+name, time.Since(start), err)
	if err != nil {
		return err
	}
	if v == nil {
		v = map[string]any{}
	}
	if ctx.Err() != nil {
		return ErrClosed
	}

	e.mu.Lock()
	e.caches[name] = v
	e.mu.Unlock()

	e.logger.Debug("cache refreshed", slog.String("cache", name))
	e.cacheRegistry(name).notify(e.logger, CacheUpdate{Name: name, Value: v})
	return nil
}

// Cache returns the last fetched value of the named cache, or an empty
// object if it was never fetched.
func (e *Engine) Cache(name string) any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if v, ok := e.caches[name]; ok {
		return v
	}
	return map[string]any{}
}

// InvalidateState schedules a state pull without waiting for it. Signals
// that arrive while a pull is in flight collapse into one trailing pull.
func (e *Engine) InvalidateState() {
	if e.ctx.Err() != nil {
		return
	}
	coalesced, _ := e.stateRefresher.trigger(e.ctx, false)
	e.metrics.RecordInvalidation(wschannel.TargetState, coalesced)
}

// InvalidateCache schedules a pull of the named cache without waiting.
func (e *Engine) InvalidateCache(name string) {
	if e.ctx.Err() != nil {
		return
	}
	coalesced, _ := e.cacheRefresherFor(name).trigger(e.ctx, false)
	e.metrics.RecordInvalidation(wschannel.DefaultCachePrefix+name, coalesced)
}

// HandleSignal routes a channel signal to InvalidateState or
// InvalidateCache. Pass it to wschannel.WithSignalHandler or a Reconnector.
func (e *Engine) HandleSignal(sig wschannel.Signal) {
	switch sig.Kind {
	case wschannel.StateSignal:
		e.InvalidateState()
	case wschannel.CacheSignal:
		e.InvalidateCache(sig.Cache)
	}
}

func (e *Engine) mutate(ctx context.Context, op syncErrors.Operation, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	e.metrics.RecordMutation(op, time.Since(start), err)
	if err != nil {
		e.logger.Warn("mutation failed",
			slog.String("op", string(op)),
			errAttr(err))
	}
	return err
}

// ReplaceState uploads doc as the whole new document. The server validates
// it; the local snapshot changes on the next pull.
func (e *Engine) ReplaceState(ctx context.Context, doc any) error {
	return e.mutate(ctx, syncErrors.OpReplaceState, func(ctx context.Context) error {
		return e.store.ReplaceState(ctx, doc)
	})
}

// UpdateState is ReplaceState.
func (e *Engine) UpdateState(ctx context.Context, doc any) error {
	return e.ReplaceState(ctx, doc)
}

// Update replaces the value at p with fragment and tracks the edit as
// pending until a snapshot reflects it. fragment must be an object or array.
func (e *Engine) Update(ctx context.Context, p docpath.Path, fragment any) error {
	if !document.IsStructured(fragment) {
		return syncErrors.E(syncErrors.OpUpdatePath, syncErrors.Component(component), syncErrors.KindInvalid, ErrScalarFragment,
			map[string]interface{}{"path": p.String()})
	}
	edit := e.pending.add(EditUpdate, p, fragment)
	err := e.mutate(ctx, syncErrors.OpUpdatePath, func(ctx context.Context) error {
		return e.store.UpdatePath(ctx, p, fragment)
	})
	if err != nil {
		e.pending.fail(edit.ID, p, err)
	}
	return err
}

// ValidateAndUpdate validates fragment against the named definition first.
// An invalid fragment is not sent; its errors are returned as data.
func (e *Engine) ValidateAndUpdate(ctx context.Context, p docpath.Path, fragment any, definition string) (schema.ErrorList, error) {
	if e.validator == nil {
		return nil, syncErrors.E(syncErrors.OpValidate, syncErrors.Component(component), syncErrors.KindInvalid, ErrNoValidator)
	}
	if !document.IsStructured(fragment) {
		return nil, syncErrors.E(syncErrors.OpUpdatePath, syncErrors.Component(component), syncErrors.KindInvalid, ErrScalarFragment)
	}
	errs, err := e.validator.Validate(ctx, e.schemaID, definition, fragment)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		e.logger.Debug("edit rejected by schema",
			slog.String("path", p.String()),
			slog.String("definition", definition),
			slog.Int("errors", len(errs)))
		return errs, nil
	}
	return nil, e.Update(ctx, p, fragment)
}

// RemovePath deletes everything rooted at p.
func (e *Engine) RemovePath(ctx context.Context, p docpath.Path) error {
	edit := e.pending.add(EditRemove, p, nil)
	err := e.mutate(ctx, syncErrors.OpDeletePath, func(ctx context.Context) error {
		return e.store.DeletePath(ctx, p)
	})
	if err != nil {
		e.pending.fail(edit.ID, p, err)
	}
	return err
}

// RemoveAll deletes every occurrence of the scalar value in the document.
func (e *Engine) RemoveAll(ctx context.Context, value string) error {
	return e.mutate(ctx, syncErrors.OpDeleteValue, func(ctx context.Context) error {
		return e.store.DeleteAllMatching(ctx, value)
	})
}

// Undo moves the server-side history cursor back one step.
func (e *Engine) Undo(ctx context.Context) error {
	return e.mutate(ctx, syncErrors.OpUndo, e.store.Undo)
}

// Redo moves the server-side history cursor forward one step.
func (e *Engine) Redo(ctx context.Context) error {
	return e.mutate(ctx, syncErrors.OpRedo, e.store.Redo)
}

// Pending returns the edits not yet confirmed, oldest first.
func (e *Engine) Pending() []PendingEdit {
	return e.pending.list()
}

// ExpirePending expires edits older than the pending timeout and returns
// how many expired.
func (e *Engine) ExpirePending() int {
	return e.pending.expire()
}

func errAttr(err error) slog.Attr {
	var se *syncErrors.SyncError
	if errors.As(err, &se) && se.Err != nil {
		return slog.Any("error", logging.SyncErrorValuer{SyncError: se})
	}
	return slog.Any("error", err)
}

func (e *Engine) pendingChanged(edit PendingEdit) {
	e.metrics.RecordPending(edit.Status)
	for _, fn := range e.pendingListeners {
		fn(edit)
	}
}
