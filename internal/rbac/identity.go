package rbac

type IdentityKind string

const (
	KindUser  IdentityKind = "user"
	KindGroup IdentityKind = "group"
)

// Identity is either a single user or a user group. Email is only set for users.
type Identity struct {
	Kind        IdentityKind `json:"kind"`
	ID          string       `json:"id"`
	Email       string       `json:"email,omitempty"`
	DisplayName string       `json:"displayName"`
}

func UserIdentity(id, email, displayName string) Identity {
	return Identity{Kind: KindUser, ID: id, Email: email, DisplayName: displayName}
}

func GroupIdentity(id, displayName string) Identity {
	return Identity{Kind: KindGroup, ID: id, DisplayName: displayName}
}

// Key namespaces the id by kind so a user and a group never collide.
func (i Identity) Key() string {
	return string(i.Kind) + ":" + i.ID
}

func (i Identity) IsGroup() bool {
	return i.Kind == KindGroup
}
