package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"blueshot/api/internal/grants"
	"blueshot/api/internal/rbac"
	"blueshot/api/internal/reconcile"
)

type grantRow struct {
	subject   grants.SubjectType
	subjectID string
	role      rbac.Role
}

// MemoryStore is an in-process store with the same semantics as
// PostgresStore. Used for local development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	users         map[string]User
	byEmail       map[string]string
	userGroups    map[string]UserGroup
	eventGroups   map[string]EventGroup
	events        map[string]Event
	grants        map[reconcile.Resource][]grantRow
	acks          map[string][]Acknowledgement
	notifications []Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		users:       make(map[string]User),
		byEmail:     make(map[string]string),
		userGroups:  make(map[string]UserGroup),
		eventGroups: make(map[string]EventGroup),
		events:      make(map[string]Event),
		grants:      make(map[reconcile.Resource][]grantRow),
		acks:        make(map[string][]Acknowledgement),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(user.Email))
	if owner, ok := s.byEmail[email]; ok && owner != user.ID {
		return User{}, fmt.Errorf("upsert user: email %s: %w", email, ErrAlreadyExists)
	}
	existing, ok := s.users[user.ID]
	if ok {
		delete(s.byEmail, existing.Email)
		user.CreatedAt = existing.CreatedAt
	} else {
		user.CreatedAt = s.now()
	}
	user.Email = email
	s.users[user.ID] = user
	s.byEmail[email] = user.ID
	return user, nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return user, nil
}

func (s *MemoryStore) ListIdentities(context.Context) ([]IdentityMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IdentityMatch, 0, len(s.users)+len(s.userGroups))
	for _, user := range s.users {
		out = append(out, IdentityMatch{Kind: rbac.KindUser, ID: user.ID, Email: user.Email, Name: user.DisplayName})
	}
	for _, group := range s.userGroups {
		out = append(out, IdentityMatch{Kind: rbac.KindGroup, ID: group.ID, Name: group.Name})
	}
	sortMatches(out)
	return out, nil
}

// SearchIdentities does a case-insensitive substring match on names, emails
// and group ids.
func (s *MemoryStore) SearchIdentities(ctx context.Context, text string, limit int) ([]IdentityMatch, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return nil, nil
	}
	all, _ := s.ListIdentities(ctx)
	var out []IdentityMatch
	for _, match := range all {
		haystack := strings.ToLower(match.Name + " " + match.Email + " " + match.ID)
		if strings.Contains(haystack, text) {
			out = append(out, match)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func sortMatches(matches []IdentityMatch) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Kind != matches[j].Kind {
			return matches[i].Kind > matches[j].Kind
		}
		return strings.ToLower(matches[i].Name) < strings.ToLower(matches[j].Name)
	})
}

func (s *MemoryStore) CreateUserGroup(_ context.Context, group UserGroup) (UserGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.userGroups[group.ID]; ok {
		return UserGroup{}, fmt.Errorf("user group %s: %w", group.ID, ErrAlreadyExists)
	}
	if _, ok := s.users[group.CreatedBy]; !ok {
		return UserGroup{}, fmt.Errorf("creator %s: %w", group.CreatedBy, ErrNotFound)
	}
	group.CreatedAt = s.now()
	s.userGroups[group.ID] = group
	resource := reconcile.Resource{Kind: reconcile.ResourceUserGroup, ID: group.ID}
	s.grants[resource] = []grantRow{{subject: grants.SubjectEmail, subjectID: group.CreatedBy, role: rbac.RoleAdmin}}
	return group, nil
}

func (s *MemoryStore) GetUserGroup(_ context.Context, groupID string) (UserGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.userGroups[groupID]
	if !ok {
		return UserGroup{}, fmt.Errorf("user group %s: %w", groupID, ErrNotFound)
	}
	return group, nil
}

func (s *MemoryStore) CreateEventGroup(_ context.Context, group EventGroup) (EventGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.eventGroups[group.ID]; ok {
		return EventGroup{}, fmt.Errorf("event group %s: %w", group.ID, ErrAlreadyExists)
	}
	if _, ok := s.users[group.CreatedBy]; !ok {
		return EventGroup{}, fmt.Errorf("creator %s: %w", group.CreatedBy, ErrNotFound)
	}
	group.CreatedAt = s.now()
	s.eventGroups[group.ID] = group
	resource := reconcile.Resource{Kind: reconcile.ResourceEventGroup, ID: group.ID}
	s.grants[resource] = []grantRow{{subject: grants.SubjectEmail, subjectID: group.CreatedBy, role: rbac.RoleAdmin}}
	return group, nil
}

func (s *MemoryStore) GetEventGroup(_ context.Context, groupID string) (EventGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.eventGroups[groupID]
	if !ok {
		return EventGroup{}, fmt.Errorf("event group %s: %w", groupID, ErrNotFound)
	}
	return group, nil
}

func (s *MemoryStore) CreateEvent(_ context.Context, event Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.ID]; ok {
		return Event{}, fmt.Errorf("event %s: %w", event.ID, ErrAlreadyExists)
	}
	if event.EventGroupID != "" {
		if _, ok := s.eventGroups[event.EventGroupID]; !ok {
			return Event{}, fmt.Errorf("event group %s: %w", event.EventGroupID, ErrNotFound)
		}
	}
	if event.EndsAt.Before(event.StartsAt) {
		return Event{}, fmt.Errorf("insert event: ends before it starts")
	}
	event.CreatedAt = s.now()
	s.events[event.ID] = event
	resource := reconcile.Resource{Kind: reconcile.ResourceEvent, ID: event.ID}
	s.grants[resource] = []grantRow{{subject: grants.SubjectEmail, subjectID: event.CreatedBy, role: rbac.RoleAdmin}}
	return event, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, eventID string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[eventID]
	if !ok {
		return Event{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return event, nil
}

func (s *MemoryStore) ListEventsForUser(_ context.Context, userID string) ([]EventAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []EventAccess
	for _, event := range s.events {
		role := s.effectiveRoleLocked(reconcile.Resource{Kind: reconcile.ResourceEvent, ID: event.ID}, userID)
		if role == 0 {
			continue
		}
		out = append(out, EventAccess{Event: event, Role: role})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DueEvents(_ context.Context, from, to time.Time) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, event := range s.events {
		if event.RemindedAt != nil || event.StartsAt.Before(from) || event.StartsAt.After(to) {
			continue
		}
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (s *MemoryStore) ClaimReminder(_ context.Context, eventID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok || event.RemindedAt != nil {
		return false, nil
	}
	event.RemindedAt = &at
	s.events[eventID] = event
	return true, nil
}

func (s *MemoryStore) ResourceName(_ context.Context, resource reconcile.Resource) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resourceNameLocked(resource)
}

func (s *MemoryStore) resourceNameLocked(resource reconcile.Resource) (string, error) {
	switch resource.Kind {
	case reconcile.ResourceUserGroup:
		if group, ok := s.userGroups[resource.ID]; ok {
			return group.Name, nil
		}
	case reconcile.ResourceEventGroup:
		if group, ok := s.eventGroups[resource.ID]; ok {
			return group.Name, nil
		}
	case reconcile.ResourceEvent:
		if event, ok := s.events[resource.ID]; ok {
			return event.Title, nil
		}
	}
	return "", fmt.Errorf("resource %s: %w", resource, ErrNotFound)
}

func (s *MemoryStore) EffectiveRole(_ context.Context, resource reconcile.Resource, userID string) (rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.resourceNameLocked(resource); err != nil {
		return 0, err
	}
	return s.effectiveRoleLocked(resource, userID), nil
}

func (s *MemoryStore) effectiveRoleLocked(resource reconcile.Resource, userID string) rbac.Role {
	if resource.Kind == reconcile.ResourceUserGroup {
		for _, row := range s.grants[resource] {
			if row.subjectID == userID {
				return row.role
			}
		}
		return 0
	}
	roles := s.matchingRolesLocked(resource, userID)
	if resource.Kind == reconcile.ResourceEvent {
		if event, ok := s.events[resource.ID]; ok && event.EventGroupID != "" {
			parent := reconcile.Resource{Kind: reconcile.ResourceEventGroup, ID: event.EventGroupID}
			roles = append(roles, s.matchingRolesLocked(parent, userID)...)
		}
	}
	return rbac.Highest(roles...)
}

func (s *MemoryStore) matchingRolesLocked(resource reconcile.Resource, userID string) []rbac.Role {
	var roles []rbac.Role
	for _, row := range s.grants[resource] {
		switch row.subject {
		case grants.SubjectEmail:
			if row.subjectID == userID {
				roles = append(roles, row.role)
			}
		case grants.SubjectUserGroup:
			if s.isGroupMemberLocked(row.subjectID, userID) {
				roles = append(roles, row.role)
			}
		}
	}
	return roles
}

func (s *MemoryStore) isGroupMemberLocked(groupID, userID string) bool {
	for _, row := range s.grants[reconcile.Resource{Kind: reconcile.ResourceUserGroup, ID: groupID}] {
		if row.subjectID == userID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) Audience(_ context.Context, resource reconcile.Resource) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.resourceNameLocked(resource); err != nil {
		return nil, err
	}
	var out []User
	for _, user := range s.users {
		if s.effectiveRoleLocked(resource, user.ID) > 0 {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// Gateway

func (s *MemoryStore) FetchMembers(_ context.Context, resource reconcile.Resource) ([]grants.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.resourceNameLocked(resource); err != nil {
		return nil, err
	}
	rows := s.grants[resource]
	out := make([]grants.Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.entryLocked(row))
	}
	return out, nil
}

func (s *MemoryStore) entryLocked(row grantRow) grants.Entry {
	if row.subject == grants.SubjectEmail {
		user := s.users[row.subjectID]
		return grants.Entry{Identifier: user.Email, Type: grants.SubjectEmail, Role: row.role, Name: user.DisplayName, UserID: user.ID}
	}
	return grants.Entry{Identifier: row.subjectID, Type: grants.SubjectUserGroup, Role: row.role, Name: s.userGroups[row.subjectID].Name}
}

func (s *MemoryStore) AddMembers(_ context.Context, resource reconcile.Resource, entries []grants.Entry) ([]grants.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.resourceNameLocked(resource); err != nil {
		return nil, err
	}

	var added []grants.Entry
	for _, entry := range entries {
		entry = grants.Normalize(entry)
		if resource.Kind == reconcile.ResourceUserGroup && entry.Type != grants.SubjectEmail {
			continue
		}
		row, ok := s.rowForLocked(entry)
		if !ok || s.findLocked(resource, entry.Identifier) >= 0 {
			continue
		}
		s.grants[resource] = append(s.grants[resource], row)
		added = append(added, s.entryLocked(row))
	}
	return added, nil
}

func (s *MemoryStore) rowForLocked(entry grants.Entry) (grantRow, bool) {
	role := entry.Role
	if role == 0 {
		role = rbac.RoleRead
	}
	switch entry.Type {
	case grants.SubjectEmail:
		id, ok := s.byEmail[entry.Identifier]
		return grantRow{subject: grants.SubjectEmail, subjectID: id, role: role}, ok
	case grants.SubjectUserGroup:
		_, ok := s.userGroups[entry.Identifier]
		return grantRow{subject: grants.SubjectUserGroup, subjectID: entry.Identifier, role: role}, ok
	default:
		return grantRow{}, false
	}
}

// findLocked returns the index of the row matching identifier (an email or
// a group id), or -1.
func (s *MemoryStore) findLocked(resource reconcile.Resource, identifier string) int {
	identifier = strings.TrimSpace(identifier)
	userID, isEmail := s.byEmail[strings.ToLower(identifier)]
	for i, row := range s.grants[resource] {
		if row.subject == grants.SubjectEmail && isEmail && row.subjectID == userID {
			return i
		}
		if row.subject == grants.SubjectUserGroup && row.subjectID == identifier {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) RemoveMember(_ context.Context, resource reconcile.Resource, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(resource, identifier)
	if i < 0 {
		return fmt.Errorf("remove %s from %s: %w", identifier, resource, ErrNotFound)
	}
	rows := s.grants[resource]
	s.grants[resource] = append(rows[:i:i], rows[i+1:]...)
	return nil
}

func (s *MemoryStore) SetRole(_ context.Context, resource reconcile.Resource, identifier string, role rbac.Role) error {
	if !role.Valid() {
		return &rbac.InvalidRoleError{Value: role.String()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.findLocked(resource, identifier)
	if i < 0 {
		return fmt.Errorf("set role of %s on %s: %w", identifier, resource, ErrNotFound)
	}
	s.grants[resource][i].role = role
	return nil
}

func (s *MemoryStore) CheckIdentitiesExist(_ context.Context, emails []string) ([]reconcile.Existence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]reconcile.Existence, 0, len(emails))
	for _, email := range emails {
		email = strings.ToLower(strings.TrimSpace(email))
		id, ok := s.byEmail[email]
		if !ok {
			out = append(out, reconcile.Existence{Email: email})
			continue
		}
		user := s.users[id]
		out = append(out, reconcile.Existence{Email: email, Exists: true, UserID: user.ID, Name: user.DisplayName})
	}
	return out, nil
}

func (s *MemoryStore) SetAcknowledgement(_ context.Context, ack Acknowledgement) (Acknowledgement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ack.EventID]; !ok {
		return Acknowledgement{}, fmt.Errorf("event %s: %w", ack.EventID, ErrNotFound)
	}
	ack.UpdatedAt = s.now()
	list := s.acks[ack.EventID]
	for i := range list {
		if list[i].UserID == ack.UserID {
			list[i] = ack
			return ack, nil
		}
	}
	s.acks[ack.EventID] = append(list, ack)
	return ack, nil
}

func (s *MemoryStore) ListAcknowledgements(_ context.Context, eventID string) ([]Acknowledgement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Acknowledgement(nil), s.acks[eventID]...), nil
}

func (s *MemoryStore) InsertNotification(_ context.Context, n Notification) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[n.UserID]; !ok {
		return Notification{}, fmt.Errorf("user %s: %w", n.UserID, ErrNotFound)
	}
	n.CreatedAt = s.now()
	s.notifications = append(s.notifications, n)
	return n, nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string, limit int) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []Notification
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if s.notifications[i].UserID == userID {
			out = append(out, s.notifications[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, userID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		n := &s.notifications[i]
		if n.ID != notificationID || n.UserID != userID {
			continue
		}
		if n.ReadAt == nil {
			at := s.now()
			n.ReadAt = &at
		}
		return nil
	}
	return fmt.Errorf("notification %s: %w", notificationID, ErrNotFound)
}
