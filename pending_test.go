package statesync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-statesync/docpath"
	"github.com/c0deZ3R0/go-statesync/document"
)

func newTestPendingSet(timeout time.Duration) (*pendingSet, *[]PendingEdit, *time.Time) {
	var events []PendingEdit
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newPendingSet(timeout, func(p PendingEdit) { events = append(events, p) })
	s.now = func() time.Time { return now }
	return s, &events, &now
}

func statuses(events []PendingEdit) []EditStatus {
	out := make([]EditStatus, len(events))
	for i, e := range events {
		out[i] = e.Status
	}
	return out
}

func TestPendingSet_NewerEditSupersedes(t *testing.T) {
	s, events, _ := newTestPendingSet(time.Minute)
	p := docpath.MustNew("impressions", "i1")

	first := s.add(EditUpdate, p, map[string]any{"name": "a"})
	second := s.add(EditUpdate, p, map[string]any{"name": "b"})

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []EditStatus{StatusPending, StatusSuperseded, StatusPending}, statuses(*events))
	assert.Equal(t, first.ID, (*events)[1].ID)

	open := s.list()
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)
}

func TestPendingSet_ConcurrentAddsSamePath(t *testing.T) {
	var superseded sync.Map
	s := newPendingSet(time.Minute, func(p PendingEdit) {
		if p.Status == StatusSuperseded {
			superseded.Store(p.ID, true)
		}
	})
	p := docpath.MustNew("impressions", "i1")

	const n = 16
	returned := make(chan PendingEdit, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			returned <- s.add(EditUpdate, p, map[string]any{"n": i})
		}()
	}
	wg.Wait()
	close(returned)

	for edit := range returned {
		assert.Equal(t, StatusPending, edit.Status, "add reports the edit as it was registered")
	}
	open := s.list()
	require.Len(t, open, 1)
	_, lost := superseded.Load(open[0].ID)
	assert.False(t, lost, "the surviving edit was never superseded")
	count := 0
	superseded.Range(func(any, any) bool { count++; return true })
	assert.Equal(t, n-1, count)
}

func TestPendingSet_Reconcile(t *testing.T) {
	s, events, now := newTestPendingSet(time.Minute)

	matched := docpath.MustNew("impressions", "i1")
	removed := docpath.MustNew("impressions", "i2")
	stale := docpath.MustNew("impressions", "i3")
	waiting := docpath.MustNew("impressions", "i4")

	s.add(EditUpdate, stale, map[string]any{"name": "never"})
	*now = now.Add(2 * time.Minute)
	s.add(EditUpdate, matched, map[string]any{"name": "x", "n": 1})
	s.add(EditRemove, removed, nil)
	s.add(EditUpdate, waiting, map[string]any{"name": "later"})
	*events = nil

	doc := document.Document{
		"impressions": map[string]any{
			"i1": map[string]any{"name": "x", "n": float64(1)},
			"i4": map[string]any{"name": "earlier"},
		},
	}
	s.reconcile(doc)

	got := map[string]EditStatus{}
	for _, e := range *events {
		got[e.Path.String()] = e.Status
	}
	assert.Equal(t, map[string]EditStatus{
		"impressions/i1": StatusConfirmed,
		"impressions/i2": StatusConfirmed,
		"impressions/i3": StatusExpired,
	}, got)

	open := s.list()
	require.Len(t, open, 1)
	assert.True(t, open[0].Path.Equal(waiting))
}

func TestPendingSet_FailIgnoresSupersededEdit(t *testing.T) {
	s, events, _ := newTestPendingSet(0)
	p := docpath.MustNew("a")

	old := s.add(EditUpdate, p, map[string]any{})
	cur := s.add(EditUpdate, p, map[string]any{"v": "1"})
	*events = nil

	s.fail(old.ID, p, errors.New("late failure"))
	assert.Empty(t, *events)

	boom := errors.New("boom")
	s.fail(cur.ID, p, boom)
	require.Len(t, *events, 1)
	assert.Equal(t, StatusFailed, (*events)[0].Status)
	assert.Equal(t, boom, (*events)[0].Err)
	assert.Empty(t, s.list())
}

func TestPendingSet_ZeroTimeoutNeverExpires(t *testing.T) {
	s, _, now := newTestPendingSet(0)
	s.add(EditUpdate, docpath.MustNew("a"), map[string]any{})
	*now = now.Add(24 * time.Hour)

	assert.Equal(t, 0, s.expire())
	s.reconcile(document.Document{})
	assert.Len(t, s.list(), 1)
}

func TestEditStatus_String(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "confirmed", StatusConfirmed.String())
	assert.Equal(t, "superseded", StatusSuperseded.String())
	assert.Equal(t, "failed", StatusFailed.String())
	assert.Equal(t, "expired", StatusExpired.String())
	assert.Equal(t, "remove", EditRemove.String())
}
