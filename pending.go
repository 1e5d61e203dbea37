package statesync

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-statesync/docpath"
	"github.com/c0deZ3R0/go-statesync/document"
)

// EditOp is the kind of mutation a pending edit tracks.
type EditOp int

const (
	EditUpdate EditOp = iota
	EditRemove
)

func (o EditOp) String() string {
	if o == EditRemove {
		return "remove"
	}
	return "update"
}

// EditStatus is the state of a pending edit.
//
//	Pending -> Confirmed   a rotated snapshot reflects the edit
//	Pending -> Superseded  a newer edit to the same path was issued
//	Pending -> Failed      the store rejected the request
//	Pending -> Expired     no snapshot reflected it within the timeout
type EditStatus int

const (
	StatusPending EditStatus = iota
	StatusConfirmed
	StatusSuperseded
	StatusFailed
	StatusExpired
)

func (s EditStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusSuperseded:
		return "superseded"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	}
	return "unknown"
}

// PendingEdit is a mutation the engine has sent but not yet seen reflected
// in a snapshot. UI regions use it to render tentative values.
type PendingEdit struct {
	ID       string
	Op       EditOp
	Path     docpath.Path
	Fragment any
	IssuedAt time.Time
	Status   EditStatus
	Err      error
}

// reflectedIn reports whether doc shows the effect of the edit.
func (p *PendingEdit) reflectedIn(doc document.Document) bool {
	v, ok := doc.Get(p.Path)
	if p.Op == EditRemove {
		return !ok
	}
	return ok && document.Equal(v, p.Fragment)
}

// pendingSet holds at most one open edit per path.
type pendingSet struct {
	timeout  time.Duration
	now      func() time.Time
	onChange func(PendingEdit)

	mu     sync.Mutex
	byPath map[string]*PendingEdit
}

func newPendingSet(timeout time.Duration, onChange func(PendingEdit)) *pendingSet {
	return &pendingSet{
		timeout:  timeout,
		now:      time.Now,
		onChange: onChange,
		byPath:   make(map[string]*PendingEdit),
	}
}

func (s *pendingSet) add(op EditOp, p docpath.Path, fragment any) PendingEdit {
	edit := &PendingEdit{
		ID:       uuid.NewString(),
		Op:       op,
		Path:     p,
		Fragment: fragment,
		IssuedAt: s.now(),
		Status:   StatusPending,
	}

	var changed []PendingEdit
	s.mu.Lock()
	key := p.String()
	if old, ok := s.byPath[key]; ok {
		old.Status = StatusSuperseded
		changed = append(changed, *old)
	}
	s.byPath[key] = edit
	out := *edit
	changed = append(changed, out)
	s.mu.Unlock()

	s.emit(changed)
	return out
}

func (s *pendingSet) fail(id string, p docpath.Path, err error) {
	s.mu.Lock()
	key := p.String()
	edit, ok := s.byPath[key]
	if !ok || edit.ID != id {
		s.mu.Unlock()
		return
	}
	delete(s.byPath, key)
	edit.Status = StatusFailed
	edit.Err = err
	out := *edit
	s.mu.Unlock()

	s.emit([]PendingEdit{out})
}

// reconcile confirms every edit doc reflects and expires the stale rest.
func (s *pendingSet) reconcile(doc document.Document) {
	now := s.now()
	var changed []PendingEdit
	s.mu.Lock()
	for key, edit := range s.byPath {
		switch {
		case edit.reflectedIn(doc):
			edit.Status = StatusConfirmed
		case s.timeout > 0 && now.Sub(edit.IssuedAt) >= s.timeout:
			edit.Status = StatusExpired
		default:
			continue
		}
		delete(s.byPath, key)
		changed = append(changed, *edit)
	}
	s.mu.Unlock()

	sortEdits(changed)
	s.emit(changed)
}

func (s *pendingSet) expire() int {
	if s.timeout <= 0 {
		return 0
	}
	now := s.now()
	var changed []PendingEdit
	s.mu.Lock()
	for key, edit := range s.byPath {
		if now.Sub(edit.IssuedAt) >= s.timeout {
			edit.Status = StatusExpired
			delete(s.byPath, key)
			changed = append(changed, *edit)
		}
	}
	s.mu.Unlock()

	sortEdits(changed)
	s.emit(changed)
	return len(changed)
}

func (s *pendingSet) list() []PendingEdit {
	s.mu.Lock()
	out := make([]PendingEdit, 0, len(s.byPath))
	for _, edit := range s.byPath {
		out = append(out, *edit)
	}
	s.mu.Unlock()
	sortEdits(out)
	return out
}

func (s *pendingSet) emit(edits []PendingEdit) {
	if s.onChange == nil {
		return
	}
	for _, e := range edits {
		s.onChange(e)
	}
}

func sortEdits(edits []PendingEdit) {
	sort.SliceStable(edits, func(i, j int) bool {
		return edits[i].IssuedAt.Before(edits[j].IssuedAt)
	})
}
