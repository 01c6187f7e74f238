package reconcile

import (
	"fmt"

	"blueshot/api/internal/grants"
	"blueshot/api/internal/rbac"
)

type ChangeKind string

const (
	KindAddMember    ChangeKind = "add-member"
	KindRemoveMember ChangeKind = "remove-member"
	KindAddGrant     ChangeKind = "add-grant"
	KindRemoveGrant  ChangeKind = "remove-grant"
	KindChangeRole   ChangeKind = "change-role"
)

// Change is a proposed mutation held in a Ledger. The set of implementations
// is closed: AddMember, RemoveMember, AddGrant, RemoveGrant and ChangeRole.
type Change interface {
	ChangeID() string
	Kind() ChangeKind
	// Target is the normalized identifier of the identity the change touches.
	Target() string
	withID(id string) Change
}

// AddMember adds a user to a user group.
type AddMember struct {
	ID     string    `json:"id"`
	Email  string    `json:"email"`
	UserID string    `json:"userId"`
	Name   string    `json:"name"`
	Role   rbac.Role `json:"role"`
}

// RemoveMember removes a user from a user group.
type RemoveMember struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// AddGrant gives an email or user group access to an event group or event.
type AddGrant struct {
	ID    string       `json:"id"`
	Entry grants.Entry `json:"entry"`
}

// RemoveGrant revokes an existing grant.
type RemoveGrant struct {
	ID         string             `json:"id"`
	Identifier string             `json:"identifier"`
	Type       grants.SubjectType `json:"type"`
	Name       string             `json:"name"`
}

// ChangeRole moves an existing member or grant from OldRole to NewRole.
type ChangeRole struct {
	ID         string             `json:"id"`
	Identifier string             `json:"identifier"`
	Type       grants.SubjectType `json:"type"`
	Name       string             `json:"name"`
	OldRole    rbac.Role          `json:"oldRole"`
	NewRole    rbac.Role          `json:"newRole"`
}

func (c AddMember) ChangeID() string { return c.ID }
func (c AddMember) Kind() ChangeKind { return KindAddMember }
func (c AddMember) Target() string {
	return grants.NormalizeIdentifier(grants.SubjectEmail, c.Email)
}
func (c AddMember) withID(id string) Change { c.ID = id; return c }

func (c RemoveMember) ChangeID() string { return c.ID }
func (c RemoveMember) Kind() ChangeKind { return KindRemoveMember }
func (c RemoveMember) Target() string {
	return grants.NormalizeIdentifier(grants.SubjectEmail, c.Email)
}
func (c RemoveMember) withID(id string) Change { c.ID = id; return c }

func (c AddGrant) ChangeID() string { return c.ID }
func (c AddGrant) Kind() ChangeKind { return KindAddGrant }
func (c AddGrant) Target() string {
	return grants.NormalizeIdentifier(c.Entry.Type, c.Entry.Identifier)
}
func (c AddGrant) withID(id string) Change { c.ID = id; return c }

func (c RemoveGrant) ChangeID() string { return c.ID }
func (c RemoveGrant) Kind() ChangeKind { return KindRemoveGrant }
func (c RemoveGrant) Target() string {
	return grants.NormalizeIdentifier(c.Type, c.Identifier)
}
func (c RemoveGrant) withID(id string) Change { c.ID = id; return c }

func (c ChangeRole) ChangeID() string { return c.ID }
func (c ChangeRole) Kind() ChangeKind { return KindChangeRole }
func (c ChangeRole) Target() string {
	return grants.NormalizeIdentifier(c.Type, c.Identifier)
}
func (c ChangeRole) withID(id string) Change { c.ID = id; return c }

// IsAdd reports whether c introduces a new identity.
func IsAdd(c Change) bool {
	switch c.(type) {
	case AddMember, AddGrant:
		return true
	default:
		return false
	}
}

// IsRemove reports whether c removes an identity.
func IsRemove(c Change) bool {
	switch c.(type) {
	case RemoveMember, RemoveGrant:
		return true
	default:
		return false
	}
}

// EntryOf returns the grant an add change would create.
func EntryOf(c Change) (grants.Entry, bool) {
	switch change := c.(type) {
	case AddMember:
		return grants.Normalize(grants.Entry{
			Identifier: change.Email,
			Type:       grants.SubjectEmail,
			Role:       roleOrDefault(change.Role),
			Name:       change.Name,
			UserID:     change.UserID,
		}), true
	case AddGrant:
		entry := grants.Normalize(change.Entry)
		entry.Role = roleOrDefault(entry.Role)
		return entry, true
	default:
		return grants.Entry{}, false
	}
}

// Describe renders a change for failure reports, e.g. "Remove alice@example.com".
func Describe(c Change) string {
	switch change := c.(type) {
	case AddMember:
		return "Add " + memberLabel(change.Email, change.Name)
	case RemoveMember:
		return "Remove " + memberLabel(change.Email, change.Name)
	case AddGrant:
		return fmt.Sprintf("Grant %s access to %s", roleLabel(roleOrDefault(change.Entry.Role)), change.Entry.Label())
	case RemoveGrant:
		return "Revoke access for " + subjectLabel(change.Type, change.Identifier, change.Name)
	case ChangeRole:
		return fmt.Sprintf("Change %s from %s to %s",
			subjectLabel(change.Type, change.Identifier, change.Name),
			roleLabel(change.OldRole), roleLabel(change.NewRole))
	default:
		panic(fmt.Sprintf("reconcile: unknown change type %T", c))
	}
}

func memberLabel(email, name string) string {
	if email != "" {
		return email
	}
	return name
}

func subjectLabel(subject grants.SubjectType, identifier, name string) string {
	return grants.Entry{Identifier: identifier, Type: subject, Name: name}.Label()
}

func roleLabel(role rbac.Role) string {
	label, err := rbac.Label(role)
	if err != nil {
		return role.String()
	}
	return label
}

// New members default to read access.
func roleOrDefault(role rbac.Role) rbac.Role {
	if role == 0 {
		return rbac.RoleRead
	}
	return role
}
