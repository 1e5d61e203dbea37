package statesync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/go-statesync/docpath"
	"github.com/c0deZ3R0/go-statesync/document"
	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/logging"
)

// mockStore is an in-memory DocumentStore that applies mutations to its own
// document, the way the remote service would.
type mockStore struct {
	mu        sync.Mutex
	doc       map[string]any
	caches    map[string]any
	fetchErr  error
	mutateErr error
	calls     []string

	// gate, when set, holds every FetchState until a token is received.
	gate chan struct{}
	// entered receives a token each time FetchState starts.
	entered chan struct{}

	fetches      atomic.Int32
	cacheFetches atomic.Int32
}

func newMockStore(doc map[string]any) *mockStore {
	if doc == nil {
		doc = map[string]any{}
	}
	return &mockStore{
		doc:     doc,
		caches:  make(map[string]any),
		entered: make(chan struct{}, 64),
	}
}

func (m *mockStore) setDoc(doc map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = doc
}

func (m *mockStore) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.mutateErr
}

func (m *mockStore) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockStore) FetchState(ctx context.Context) (document.Document, error) {
	m.fetches.Add(1)
	select {
	case m.entered <- struct{}{}:
	default:
	}
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return document.Document(document.Clone(m.doc).(map[string]any)), nil
}

func (m *mockStore) ReplaceState(ctx context.Context, doc any) error {
	if err := m.record("replace"); err != nil {
		return err
	}
	tree, err := document.Normalize(doc)
	if err != nil {
		return err
	}
	m.setDoc(tree.(map[string]any))
	return nil
}

func (m *mockStore) UpdatePath(ctx context.Context, p docpath.Path, fragment any) error {
	if err := m.record("update " + p.String()); err != nil {
		return err
	}
	v, err := document.Normalize(fragment)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	root, err := document.Set(m.doc, p, v)
	if err != nil {
		return err
	}
	m.doc = root.(map[string]any)
	return nil
}

func (m *mockStore) DeletePath(ctx context.Context, p docpath.Path) error {
	if err := m.record("delete " + p.String()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	root, _ := document.Delete(m.doc, p)
	m.doc = root.(map[string]any)
	return nil
}

func (m *mockStore) DeleteAllMatching(ctx context.Context, value string) error {
	if err := m.record("remove " + value); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	root, _ := document.RemoveValue(m.doc, value)
	m.doc = root.(map[string]any)
	return nil
}

func (m *mockStore) Undo(ctx context.Context) error { return m.record("undo") }
func (m *mockStore) Redo(ctx context.Context) error { return m.record("redo") }

func (m *mockStore) FetchNamedCache(ctx context.Context, name string) (any, error) {
	m.cacheFetches.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return document.Clone(m.caches[name]), nil
}

// mockMetricsCollector records every hook call.
type mockMetricsCollector struct {
	mu            sync.Mutex
	refreshes     []string
	mutations     []syncErrors.Operation
	invalidations []bool
	pending       []EditStatus
}

func (m *mockMetricsCollector) RecordRefresh(target string, _ time.Duration, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes = append(m.refreshes, target)
}

func (m *mockMetricsCollector) RecordMutation(op syncErrors.Operation, _ time.Duration, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations = append(m.mutations, op)
}

func (m *mockMetricsCollector) RecordInvalidation(_ string, coalesced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidations = append(m.invalidations, coalesced)
}

func (m *mockMetricsCollector) RecordPending(status EditStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, status)
}

func (m *mockMetricsCollector) coalescedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.invalidations {
		if c {
			n++
		}
	}
	return n
}

func newTestEngine(store DocumentStore, opts ...Option) *Engine {
	opts = append([]Option{WithLogger(logging.Discard().Logger)}, opts...)
	return New(store, opts...)
}
