package store

import (
	"errors"
	"time"

	"blueshot/api/internal/rbac"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

type User struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

func (u User) Identity() rbac.Identity {
	return rbac.UserIdentity(u.ID, u.Email, u.DisplayName)
}

type UserGroup struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
}

type EventGroup struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
}

type Event struct {
	ID           string
	EventGroupID string
	Title        string
	Description  string
	StartsAt     time.Time
	EndsAt       time.Time
	CreatedBy    string
	RemindedAt   *time.Time
	CreatedAt    time.Time
}

// EventAccess is an event together with the caller's effective role on it.
type EventAccess struct {
	Event
	Role rbac.Role
}

type AckStatus string

const (
	AckAccepted  AckStatus = "accepted"
	AckDeclined  AckStatus = "declined"
	AckTentative AckStatus = "tentative"
)

func (s AckStatus) Valid() bool {
	switch s {
	case AckAccepted, AckDeclined, AckTentative:
		return true
	default:
		return false
	}
}

type Acknowledgement struct {
	EventID   string
	UserID    string
	Status    AckStatus
	UpdatedAt time.Time
}

type NotificationKind string

const (
	NotificationMemberAdded   NotificationKind = "member_added"
	NotificationRoleChanged   NotificationKind = "role_changed"
	NotificationAccessRemoved NotificationKind = "access_removed"
	NotificationReminder      NotificationKind = "event_reminder"
)

type Notification struct {
	ID           string
	UserID       string
	Kind         NotificationKind
	Title        string
	Body         string
	ResourceKind string
	ResourceID   string
	ReadAt       *time.Time
	CreatedAt    time.Time
}

// IdentityMatch is one row of an identity directory lookup.
type IdentityMatch struct {
	Kind  rbac.IdentityKind
	ID    string
	Email string
	Name  string
}
