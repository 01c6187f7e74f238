// Package grants holds the normalized "who has access at what role" collection
// for a single shared resource.
package grants

import (
	"errors"
	"fmt"
	"strings"

	"blueshot/api/internal/rbac"
)

type SubjectType string

const (
	SubjectEmail     SubjectType = "email"
	SubjectUserGroup SubjectType = "userGroup"
)

// Entry is one grant. Identifier is an email for SubjectEmail and a group id
// for SubjectUserGroup. UserID is filled in for resolved email subjects.
type Entry struct {
	Identifier string      `json:"identifier"`
	Type       SubjectType `json:"type"`
	Role       rbac.Role   `json:"role"`
	Name       string      `json:"name"`
	UserID     string      `json:"userId,omitempty"`
}

// Label is the human readable handle used in change descriptions.
func (e Entry) Label() string {
	if e.Type == SubjectEmail {
		return e.Identifier
	}
	if e.Name != "" {
		return e.Name
	}
	return e.Identifier
}

var (
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
	ErrNotFound            = errors.New("identifier not found")
	ErrEmptyIdentifier     = errors.New("identifier is required")
)

type DuplicateIdentifierError struct {
	Identifier string
}

func (e *DuplicateIdentifierError) Error() string {
	return fmt.Sprintf("duplicate identifier %q", e.Identifier)
}

func (e *DuplicateIdentifierError) Is(target error) bool {
	return target == ErrDuplicateIdentifier
}

type NotFoundError struct {
	Identifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("identifier %q not found", e.Identifier)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NormalizeIdentifier trims the identifier and lowercases emails.
func NormalizeIdentifier(subject SubjectType, identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if subject == SubjectEmail {
		return strings.ToLower(identifier)
	}
	return identifier
}

// Normalize returns a copy of e with a normalized identifier.
func Normalize(e Entry) Entry {
	e.Identifier = NormalizeIdentifier(e.Type, e.Identifier)
	return e
}

// Set is an in-memory collection keyed by identifier. Iteration follows
// insertion order. Not safe for concurrent use.
type Set struct {
	order []string
	byID  map[string]Entry
}

func NewSet() *Set {
	return &Set{byID: make(map[string]Entry)}
}

// FromEntries builds a set, failing on the first duplicate.
func FromEntries(entries []Entry) (*Set, error) {
	set := NewSet()
	for _, entry := range entries {
		if err := set.Add(entry); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func (s *Set) Add(entry Entry) error {
	entry = Normalize(entry)
	if entry.Identifier == "" {
		return ErrEmptyIdentifier
	}
	if !entry.Role.Valid() {
		return &rbac.InvalidRoleError{Value: entry.Role.String()}
	}
	if _, ok := s.byID[entry.Identifier]; ok {
		return &DuplicateIdentifierError{Identifier: entry.Identifier}
	}
	s.byID[entry.Identifier] = entry
	s.order = append(s.order, entry.Identifier)
	return nil
}

// Remove deletes identifier. Absent identifiers are ignored.
func (s *Set) Remove(identifier string) {
	identifier = s.resolve(identifier)
	if _, ok := s.byID[identifier]; !ok {
		return
	}
	delete(s.byID, identifier)
	for i, id := range s.order {
		if id == identifier {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Set) UpdateRole(identifier string, role rbac.Role) error {
	if !role.Valid() {
		return &rbac.InvalidRoleError{Value: role.String()}
	}
	identifier = s.resolve(identifier)
	entry, ok := s.byID[identifier]
	if !ok {
		return &NotFoundError{Identifier: identifier}
	}
	entry.Role = role
	s.byID[identifier] = entry
	return nil
}

func (s *Set) Get(identifier string) (Entry, bool) {
	entry, ok := s.byID[s.resolve(identifier)]
	return entry, ok
}

func (s *Set) Has(identifier string) bool {
	_, ok := s.Get(identifier)
	return ok
}

func (s *Set) Len() int {
	return len(s.order)
}

// Entries returns a copy in insertion order.
func (s *Set) Entries() []Entry {
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// resolve maps a caller supplied identifier onto the stored key. Emails are
// stored lowercased, group ids verbatim.
func (s *Set) resolve(identifier string) string {
	trimmed := strings.TrimSpace(identifier)
	if _, ok := s.byID[trimmed]; ok {
		return trimmed
	}
	return strings.ToLower(trimmed)
}
