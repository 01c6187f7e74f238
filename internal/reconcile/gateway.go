package reconcile

import (
	"context"

	"blueshot/api/internal/grants"
	"blueshot/api/internal/rbac"
)

type ResourceKind string

const (
	ResourceUserGroup  ResourceKind = "user_group"
	ResourceEventGroup ResourceKind = "event_group"
	ResourceEvent      ResourceKind = "event"
)

// Resource identifies the shared object whose members or grants are edited.
type Resource struct {
	Kind ResourceKind `json:"kind"`
	ID   string       `json:"id"`
}

func (r Resource) String() string {
	return string(r.Kind) + ":" + r.ID
}

func (r Resource) Valid() bool {
	switch r.Kind {
	case ResourceUserGroup, ResourceEventGroup, ResourceEvent:
		return r.ID != ""
	default:
		return false
	}
}

// Existence reports whether an account exists for an email.
type Existence struct {
	Email  string `json:"email"`
	Exists bool   `json:"exists"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Gateway is the persistence collaborator. Expected failures come back as
// errors; implementations must not panic.
type Gateway interface {
	FetchMembers(ctx context.Context, resource Resource) ([]grants.Entry, error)
	AddMembers(ctx context.Context, resource Resource, entries []grants.Entry) ([]grants.Entry, error)
	RemoveMember(ctx context.Context, resource Resource, identifier string) error
	SetRole(ctx context.Context, resource Resource, identifier string, role rbac.Role) error
	CheckIdentitiesExist(ctx context.Context, emails []string) ([]Existence, error)
}
