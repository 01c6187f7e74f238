package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"blueshot/api/internal/grants"
	"blueshot/api/internal/rbac"
)

type State string

const (
	StateIdle    State = "idle"
	StateEditing State = "editing"
	StateSaving  State = "saving"
)

// Session owns one editing session over a resource: the authoritative
// snapshot, the pending ledger and the Idle/Editing/Saving state machine.
//
// Staging enforces at most one outstanding change per identity:
//   - removing a pending add deletes the add;
//   - adding over a pending removal cancels the removal;
//   - role changes fold into a pending add or an earlier role change.
type Session struct {
	mu            sync.Mutex
	resource      Resource
	gateway       Gateway
	committer     *Committer
	snapshot      *grants.Set
	ledger        *Ledger
	saving        bool
	discardQueued bool
	saveTimeout   time.Duration
	onCommitted   []func(Resource, SaveResult)
}

// DefaultSaveTimeout bounds a Save once it has been dispatched.
const DefaultSaveTimeout = time.Minute

type SessionOption func(*Session)

// WithLedger supplies a pre-built ledger, e.g. with a deterministic id generator.
func WithLedger(l *Ledger) SessionOption {
	return func(s *Session) { s.ledger = l }
}

// WithCommitConcurrency bounds parallel gateway calls during Save.
func WithCommitConcurrency(n int) SessionOption {
	return func(s *Session) { s.committer = NewCommitter(s.gateway, n) }
}

// WithSaveTimeout bounds how long a dispatched Save may run.
func WithSaveTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.saveTimeout = d
		}
	}
}

// OnCommitted registers fn to run after every Save that reached the gateway.
func OnCommitted(fn func(Resource, SaveResult)) SessionOption {
	return func(s *Session) { s.onCommitted = append(s.onCommitted, fn) }
}

// OpenSession fetches the snapshot for resource and starts an idle session.
func OpenSession(ctx context.Context, gateway Gateway, resource Resource, opts ...SessionOption) (*Session, error) {
	if !resource.Valid() {
		return nil, fmt.Errorf("open session: invalid resource %q", resource.String())
	}
	s := &Session{
		resource:    resource,
		gateway:     gateway,
		committer:   NewCommitter(gateway, 4),
		ledger:      NewLedger(),
		saveTimeout: DefaultSaveTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	snapshot, err := s.fetchSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.snapshot = snapshot
	return s, nil
}

func (s *Session) Resource() Resource {
	return s.resource
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.saving:
		return StateSaving
	case s.ledger.Len() > 0:
		return StateEditing
	default:
		return StateIdle
	}
}

func (s *Session) Snapshot() []grants.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Entries()
}

func (s *Session) Changes() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Changes()
}

// Projection recomputes the effective state from the snapshot and ledger.
func (s *Session) Projection() Projection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Project(s.snapshot.Entries(), s.ledger.Changes())
}

// Observe forwards ledger events to fn.
func (s *Session) Observe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger.Observe(fn)
}

// StageAdd proposes adding entry. For user groups the entry must be an
// email subject and is staged as AddMember; other resources stage AddGrant.
// The returned change is nil when staging only cancelled a pending removal.
func (s *Session) StageAdd(entry grants.Entry) (Change, error) {
	entry = grants.Normalize(entry)
	if entry.Identifier == "" {
		return nil, grants.ErrEmptyIdentifier
	}
	if entry.Role == 0 {
		entry.Role = rbac.RoleRead
	}
	if !entry.Role.Valid() {
		return nil, &rbac.InvalidRoleError{Value: entry.Role.String()}
	}
	if s.resource.Kind == ResourceUserGroup && entry.Type != grants.SubjectEmail {
		return nil, ErrWrongChangeKind
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saving {
		return nil, ErrCommitInProgress
	}

	target := entry.Identifier
	if pending, ok := s.ledger.ForTarget(target); ok {
		if !IsRemove(pending) {
			return nil, ErrChangePending
		}
		s.ledger.Remove(pending.ChangeID())
		current, _ := s.snapshot.Get(target)
		if current.Role == entry.Role {
			return nil, nil
		}
		return s.appendLocked(ChangeRole{
			Identifier: target,
			Type:       current.Type,
			Name:       current.Name,
			OldRole:    current.Role,
			NewRole:    entry.Role,
		})
	}
	if s.snapshot.Has(target) {
		return nil, ErrAlreadyMember
	}

	var change Change
	if s.resource.Kind == ResourceUserGroup {
		change = AddMember{Email: target, UserID: entry.UserID, Name: entry.Name, Role: entry.Role}
	} else {
		change = AddGrant{Entry: entry}
	}
	return s.appendLocked(change)
}

// StageRemove proposes removing identifier. Removing an identity whose add is
// still pending deletes that add and returns a nil change.
func (s *Session) StageRemove(identifier string) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saving {
		return nil, ErrCommitInProgress
	}

	target, current, inSnapshot := s.lookupLocked(identifier)
	if pending, ok := s.ledger.ForTarget(target); ok {
		switch pending.(type) {
		case AddMember, AddGrant:
			s.ledger.Remove(pending.ChangeID())
			return nil, nil
		case ChangeRole:
			removal := s.removalFor(current)
			s.ledger.Update(pending.ChangeID(), removal)
			updated, _ := s.ledger.Get(pending.ChangeID())
			return updated, nil
		default:
			return nil, ErrChangePending
		}
	}
	if !inSnapshot {
		return nil, ErrNotMember
	}
	return s.appendLocked(s.removalFor(current))
}

// StageRoleChange proposes moving identifier to role.
func (s *Session) StageRoleChange(identifier string, role rbac.Role) (Change, error) {
	if !role.Valid() {
		return nil, &rbac.InvalidRoleError{Value: role.String()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saving {
		return nil, ErrCommitInProgress
	}

	target, current, inSnapshot := s.lookupLocked(identifier)
	if pending, ok := s.ledger.ForTarget(target); ok {
		switch p := pending.(type) {
		case AddMember:
			p.Role = role
			s.ledger.Update(p.ID, p)
			return p, nil
		case AddGrant:
			p.Entry.Role = role
			s.ledger.Update(p.ID, p)
			return p, nil
		case ChangeRole:
			if role == p.OldRole {
				s.ledger.Remove(p.ID)
				return nil, nil
			}
			p.NewRole = role
			s.ledger.Update(p.ID, p)
			return p, nil
		default:
			return nil, ErrChangePending
		}
	}
	if !inSnapshot {
		return nil, ErrNotMember
	}
	if current.Role == role {
		return nil, ErrRoleUnchanged
	}
	return s.appendLocked(ChangeRole{
		Identifier: current.Identifier,
		Type:       current.Type,
		Name:       current.Name,
		OldRole:    current.Role,
		NewRole:    role,
	})
}

// RemoveChange undoes a single pending change by id.
func (s *Session) RemoveChange(changeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saving {
		return ErrCommitInProgress
	}
	s.ledger.Remove(changeID)
	return nil
}

// Discard clears the ledger. While a save is in flight the discard is
// queued and applied to whatever remains once the save resolves; queued
// reports that case.
func (s *Session) Discard() (queued bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saving {
		s.discardQueued = true
		return true
	}
	s.ledger.DiscardAll()
	return false
}

// Save commits the ledger. A second Save while one is in flight returns
// ErrCommitInProgress without touching the gateway. Once dispatched, the
// commit and refresh ignore cancellation of ctx and stop only at the save
// timeout.
func (s *Session) Save(ctx context.Context) (SaveResult, error) {
	s.mu.Lock()
	if s.saving {
		s.mu.Unlock()
		return SaveResult{}, ErrCommitInProgress
	}
	changes := s.ledger.Changes()
	if len(changes) == 0 {
		s.mu.Unlock()
		return SaveResult{FailedChanges: []FailedChange{}}, nil
	}
	s.saving = true
	s.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.saveTimeout)
	defer cancel()
	result := s.committer.Commit(saveCtx, s.resource, changes)
	snapshot, refreshErr := s.fetchSnapshot(saveCtx)

	s.mu.Lock()
	if result.OK() {
		s.ledger.DiscardAll()
	} else {
		failed := result.failedIDs()
		s.ledger.KeepOnly(func(c Change) bool {
			_, ok := failed[c.ChangeID()]
			return ok
		})
	}
	if refreshErr == nil {
		s.snapshot = snapshot
		s.pruneLocked()
	}
	if s.discardQueued {
		s.ledger.DiscardAll()
		s.discardQueued = false
	}
	s.saving = false
	hooks := append([]func(Resource, SaveResult){}, s.onCommitted...)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(s.resource, result)
	}
	if refreshErr != nil {
		return result, fmt.Errorf("refresh snapshot: %w", refreshErr)
	}
	return result, nil
}

// Refresh reloads the snapshot and prunes changes that no longer apply.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.saving {
		s.mu.Unlock()
		return ErrCommitInProgress
	}
	s.mu.Unlock()

	snapshot, err := s.fetchSnapshot(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
	s.pruneLocked()
	return nil
}

// pruneLocked drops changes referencing identities that are gone from the
// snapshot, and adds for identities that now already exist.
func (s *Session) pruneLocked() {
	s.ledger.KeepOnly(func(c Change) bool {
		present := s.snapshot.Has(c.Target())
		if IsAdd(c) {
			return !present
		}
		return present
	})
}

func (s *Session) appendLocked(change Change) (Change, error) {
	added, ok := s.ledger.Add(change, OnePerTarget)
	if !ok {
		return nil, ErrChangePending
	}
	return added, nil
}

func (s *Session) lookupLocked(identifier string) (string, grants.Entry, bool) {
	if entry, ok := s.snapshot.Get(identifier); ok {
		return entry.Identifier, entry, true
	}
	if pending, ok := s.ledger.ForTarget(identifier); ok {
		return pending.Target(), grants.Entry{}, false
	}
	email := grants.NormalizeIdentifier(grants.SubjectEmail, identifier)
	if pending, ok := s.ledger.ForTarget(email); ok {
		return pending.Target(), grants.Entry{}, false
	}
	return grants.NormalizeIdentifier(grants.SubjectUserGroup, identifier), grants.Entry{}, false
}

func (s *Session) removalFor(entry grants.Entry) Change {
	if s.resource.Kind == ResourceUserGroup {
		return RemoveMember{UserID: entry.UserID, Email: entry.Identifier, Name: entry.Name}
	}
	return RemoveGrant{Identifier: entry.Identifier, Type: entry.Type, Name: entry.Name}
}

func (s *Session) fetchSnapshot(ctx context.Context) (*grants.Set, error) {
	entries, err := s.gateway.FetchMembers(ctx, s.resource)
	if err != nil {
		return nil, fmt.Errorf("fetch members: %w", err)
	}
	set, err := grants.FromEntries(entries)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	return set, nil
}
