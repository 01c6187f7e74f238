package reconcile

import "github.com/google/uuid"

// ShouldAdd decides whether change may be appended given the current ledger
// contents. A nil ShouldAdd accepts everything.
type ShouldAdd func(pending []Change, change Change) bool

// AcceptAll is the default predicate.
func AcceptAll(_ []Change, _ Change) bool { return true }

// OnePerTarget rejects a change when another change already targets the
// same identity.
func OnePerTarget(pending []Change, change Change) bool {
	target := change.Target()
	for _, existing := range pending {
		if existing.Target() == target {
			return false
		}
	}
	return true
}

type EventKind string

const (
	EventAppended EventKind = "appended"
	EventRemoved  EventKind = "removed"
	EventUpdated  EventKind = "updated"
	EventPruned   EventKind = "pruned"
	EventCleared  EventKind = "cleared"
)

// Event is emitted to observers after every ledger mutation.
type Event struct {
	Kind     EventKind
	ChangeID string
	Len      int
}

// Ledger is the ordered log of uncommitted changes for one editing session.
// It applies no conflict policy of its own. Not safe for concurrent use.
type Ledger struct {
	changes   []Change
	newID     func() string
	observers []func(Event)
}

type LedgerOption func(*Ledger)

// WithIDGenerator replaces the random change id generator.
func WithIDGenerator(fn func() string) LedgerOption {
	return func(l *Ledger) { l.newID = fn }
}

func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{newID: func() string { return "chg_" + uuid.NewString() }}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Observe registers fn to be called after each mutation.
func (l *Ledger) Observe(fn func(Event)) {
	l.observers = append(l.observers, fn)
}

// Add assigns a fresh id to change and appends it when shouldAdd accepts.
func (l *Ledger) Add(change Change, shouldAdd ShouldAdd) (Change, bool) {
	if shouldAdd == nil {
		shouldAdd = AcceptAll
	}
	if !shouldAdd(l.Changes(), change) {
		return nil, false
	}
	change = change.withID(l.newID())
	l.changes = append(l.changes, change)
	l.emit(EventAppended, change.ChangeID())
	return change, true
}

// Remove deletes the change with id. Unknown ids are ignored.
func (l *Ledger) Remove(id string) {
	for i, change := range l.changes {
		if change.ChangeID() == id {
			l.changes = append(l.changes[:i], l.changes[i+1:]...)
			l.emit(EventRemoved, id)
			return
		}
	}
}

// Update replaces the change with id in place, keeping its id and position.
// A stale id is a silent no-op.
func (l *Ledger) Update(id string, updated Change) {
	for i, change := range l.changes {
		if change.ChangeID() == id {
			l.changes[i] = updated.withID(id)
			l.emit(EventUpdated, id)
			return
		}
	}
}

// KeepOnly drops every change for which keep returns false.
func (l *Ledger) KeepOnly(keep func(Change) bool) {
	kept := l.changes[:0]
	dropped := 0
	for _, change := range l.changes {
		if keep(change) {
			kept = append(kept, change)
			continue
		}
		dropped++
	}
	for i := len(kept); i < len(l.changes); i++ {
		l.changes[i] = nil
	}
	l.changes = kept
	if dropped > 0 {
		l.emit(EventPruned, "")
	}
}

func (l *Ledger) DiscardAll() {
	if len(l.changes) == 0 {
		return
	}
	l.changes = nil
	l.emit(EventCleared, "")
}

// Changes returns a copy of the ledger in order.
func (l *Ledger) Changes() []Change {
	out := make([]Change, len(l.changes))
	copy(out, l.changes)
	return out
}

func (l *Ledger) Len() int {
	return len(l.changes)
}

func (l *Ledger) Get(id string) (Change, bool) {
	for _, change := range l.changes {
		if change.ChangeID() == id {
			return change, true
		}
	}
	return nil, false
}

// ForTarget returns the first outstanding change for an identity.
func (l *Ledger) ForTarget(target string) (Change, bool) {
	for _, change := range l.changes {
		if change.Target() == target {
			return change, true
		}
	}
	return nil, false
}

func (l *Ledger) emit(kind EventKind, id string) {
	event := Event{Kind: kind, ChangeID: id, Len: len(l.changes)}
	for _, fn := range l.observers {
		fn(event)
	}
}
