package rbac

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role is an access level on a shared resource. Higher values grant more.
type Role int

const (
	RoleRead      Role = 1
	RoleReadWrite Role = 2
	RoleAdmin     Role = 3
)

type Action string

const (
	ActionView   Action = "view"
	ActionEdit   Action = "edit"
	ActionManage Action = "manage"
)

var ErrInvalidRole = errors.New("invalid role")

// InvalidRoleError reports a role value outside the closed set.
type InvalidRoleError struct {
	Value string
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("invalid role %s", e.Value)
}

func (e *InvalidRoleError) Is(target error) bool {
	return target == ErrInvalidRole
}

var roleNames = map[Role]string{
	RoleRead:      "READ",
	RoleReadWrite: "READ_WRITE",
	RoleAdmin:     "ADMIN",
}

var roleLabels = map[Role]string{
	RoleRead:      "Read",
	RoleReadWrite: "Read & write",
	RoleAdmin:     "Admin",
}

func (r Role) Valid() bool {
	return r >= RoleRead && r <= RoleAdmin
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	return r.Valid() && r >= min
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Label returns the presentation label for a role.
func Label(r Role) (string, error) {
	label, ok := roleLabels[r]
	if !ok {
		return "", &InvalidRoleError{Value: fmt.Sprintf("%d", int(r))}
	}
	return label, nil
}

// ParseRole accepts the wire names READ, READ_WRITE and ADMIN.
func ParseRole(value string) (Role, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	for role, name := range roleNames {
		if name == normalized {
			return role, nil
		}
	}
	return 0, &InvalidRoleError{Value: fmt.Sprintf("%q", value)}
}

// Highest returns the most privileged valid role, or 0 when none is valid.
func Highest(roles ...Role) Role {
	var best Role
	for _, role := range roles {
		if role.Valid() && role > best {
			best = role
		}
	}
	return best
}

func Can(role Role, action Action) bool {
	switch action {
	case ActionView:
		return role.AtLeast(RoleRead)
	case ActionEdit:
		return role.AtLeast(RoleReadWrite)
	case ActionManage:
		return role.AtLeast(RoleAdmin)
	default:
		return false
	}
}

func (r Role) MarshalJSON() ([]byte, error) {
	if !r.Valid() {
		return nil, &InvalidRoleError{Value: fmt.Sprintf("%d", int(r))}
	}
	return json.Marshal(roleNames[r])
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return &InvalidRoleError{Value: string(data)}
	}
	parsed, err := ParseRole(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
