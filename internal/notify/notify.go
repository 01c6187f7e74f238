// Package notify fans a committed membership save out to the people it
// touched: in-app notifications, realtime events and email for new members.
package notify

import (
	"context"
	"fmt"

	"blueshot/api/internal/email"
	"blueshot/api/internal/grants"
	"blueshot/api/internal/logger"
	"blueshot/api/internal/rbac"
	"blueshot/api/internal/realtime"
	"blueshot/api/internal/reconcile"
	"blueshot/api/internal/store"
	"blueshot/api/internal/util"
)

type dataStore interface {
	ResourceName(ctx context.Context, resource reconcile.Resource) (string, error)
	GetUser(ctx context.Context, userID string) (store.User, error)
	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, error)
	FetchMembers(ctx context.Context, resource reconcile.Resource) ([]grants.Entry, error)
	CheckIdentitiesExist(ctx context.Context, emails []string) ([]reconcile.Existence, error)
}

// Mailer is the slice of email.Service the dispatcher needs.
type Mailer interface {
	IsConfigured() bool
	SendMemberAddedEmail(to string, data email.MemberAddedData) error
}

type Dispatcher struct {
	store    dataStore
	notifier realtime.Notifier
	mailer   Mailer
}

// NewDispatcher wires the fan-out. mailer may be nil.
func NewDispatcher(st dataStore, notifier realtime.Notifier, mailer Mailer) *Dispatcher {
	return &Dispatcher{store: st, notifier: notifier, mailer: mailer}
}

// MembershipPayload is the body of a membership.updated event.
type MembershipPayload struct {
	Resource reconcile.Resource `json:"resource"`
	Name     string             `json:"name"`
	Success  int                `json:"successCount"`
	Total    int                `json:"totalCount"`
}

// NotificationPayload is the body of a notification.created event.
type NotificationPayload struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	ResourceKind string `json:"resourceKind"`
	ResourceID   string `json:"resourceId"`
}

func PayloadOf(n store.Notification) NotificationPayload {
	return NotificationPayload{
		ID:           n.ID,
		Kind:         string(n.Kind),
		Title:        n.Title,
		Body:         n.Body,
		ResourceKind: n.ResourceKind,
		ResourceID:   n.ResourceID,
	}
}

// recipient is one affected user and what happened to them.
type recipient struct {
	user store.User
	kind store.NotificationKind
	role rbac.Role
}

// Committed delivers the side effects of result. actorID is the user who
// saved; they are told the save landed but get no notification about it.
func (d *Dispatcher) Committed(ctx context.Context, resource reconcile.Resource, actorID string, result reconcile.SaveResult) {
	log := logger.With("notify").With().Str("resource", resource.String()).Logger()
	if len(result.Applied) == 0 {
		return
	}

	name, err := d.store.ResourceName(ctx, resource)
	if err != nil {
		log.Warn().Err(err).Msg("resource name lookup failed")
		name = resource.ID
	}

	var actor store.User
	if actorID != "" {
		if actor, err = d.store.GetUser(ctx, actorID); err != nil {
			log.Warn().Err(err).Str("actor", actorID).Msg("actor lookup failed")
		}
	}

	recipients := d.resolve(ctx, result.Applied)
	for _, r := range recipients {
		if r.user.ID == actorID {
			continue
		}
		n, err := d.store.InsertNotification(ctx, notificationFor(r, resource, name))
		if err != nil {
			log.Error().Err(err).Str("user", r.user.ID).Msg("insert notification")
			continue
		}
		channel := realtime.ChannelForUser(r.user.ID)
		d.notifier.Publish(ctx, channel, realtime.EventNotificationCreated, PayloadOf(n))
		d.notifier.Publish(ctx, channel, realtime.EventMembershipUpdated, MembershipPayload{Resource: resource, Name: name})

		if r.kind == store.NotificationMemberAdded {
			d.sendWelcome(r, name, actor)
		}
	}

	if actorID != "" {
		d.notifier.Publish(ctx, realtime.ChannelForUser(actorID), realtime.EventMembershipUpdated, MembershipPayload{
			Resource: resource,
			Name:     name,
			Success:  result.SuccessCount,
			Total:    result.TotalCount,
		})
	}
	log.Debug().Int("recipients", len(recipients)).Msg("commit fan-out done")
}

func (d *Dispatcher) sendWelcome(r recipient, resourceName string, actor store.User) {
	if d.mailer == nil || !d.mailer.IsConfigured() || r.user.Email == "" {
		return
	}
	addedBy := actor.DisplayName
	if addedBy == "" {
		addedBy = "Someone"
	}
	err := d.mailer.SendMemberAddedEmail(r.user.Email, email.MemberAddedData{
		UserName:     firstNonEmpty(r.user.DisplayName, r.user.Email),
		ResourceName: resourceName,
		RoleLabel:    label(r.role),
		AddedBy:      addedBy,
	})
	if err != nil {
		lg := logger.With("notify")
		lg.Warn().Err(err).Str("user", r.user.ID).Msg("member added email failed")
	}
}

// resolve maps applied changes to the users they affect. Email subjects are
// looked up by address, group subjects expand to the group's members.
func (d *Dispatcher) resolve(ctx context.Context, applied []reconcile.Change) []recipient {
	log := logger.With("notify")

	type target struct {
		subject grants.SubjectType
		id      string
		kind    store.NotificationKind
		role    rbac.Role
	}
	var targets []target
	var emails []string
	for _, change := range applied {
		t := target{subject: grants.SubjectEmail, id: change.Target()}
		switch ch := change.(type) {
		case reconcile.AddMember, reconcile.AddGrant:
			entry, _ := reconcile.EntryOf(ch)
			t.subject, t.kind, t.role = entry.Type, store.NotificationMemberAdded, entry.Role
		case reconcile.RemoveMember:
			t.kind = store.NotificationAccessRemoved
		case reconcile.RemoveGrant:
			t.subject, t.kind = ch.Type, store.NotificationAccessRemoved
		case reconcile.ChangeRole:
			t.subject, t.kind, t.role = ch.Type, store.NotificationRoleChanged, ch.NewRole
		default:
			continue
		}
		if t.subject == grants.SubjectEmail {
			emails = append(emails, t.id)
		}
		targets = append(targets, t)
	}

	userIDs := map[string]string{}
	if len(emails) > 0 {
		found, err := d.store.CheckIdentitiesExist(ctx, emails)
		if err != nil {
			log.Warn().Err(err).Msg("identity lookup failed")
		}
		for _, existence := range found {
			if existence.Exists {
				userIDs[grants.NormalizeIdentifier(grants.SubjectEmail, existence.Email)] = existence.UserID
			}
		}
	}

	seen := map[string]bool{}
	var out []recipient
	add := func(userID string, t target) {
		if userID == "" || seen[userID] {
			return
		}
		user, err := d.store.GetUser(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("recipient lookup failed")
			return
		}
		seen[userID] = true
		out = append(out, recipient{user: user, kind: t.kind, role: t.role})
	}

	for _, t := range targets {
		if t.subject == grants.SubjectEmail {
			add(userIDs[t.id], t)
			continue
		}
		members, err := d.store.FetchMembers(ctx, reconcile.Resource{Kind: reconcile.ResourceUserGroup, ID: t.id})
		if err != nil {
			log.Warn().Err(err).Str("group", t.id).Msg("group expansion failed")
			continue
		}
		for _, member := range members {
			add(member.UserID, t)
		}
	}
	return out
}

func notificationFor(r recipient, resource reconcile.Resource, name string) store.Notification {
	n := store.Notification{
		ID:           util.NewID("ntf"),
		UserID:       r.user.ID,
		Kind:         r.kind,
		ResourceKind: string(resource.Kind),
		ResourceID:   resource.ID,
	}
	switch r.kind {
	case store.NotificationMemberAdded:
		n.Title = fmt.Sprintf("You were added to %s", name)
		n.Body = fmt.Sprintf("You now have %s access.", label(r.role))
	case store.NotificationRoleChanged:
		n.Title = fmt.Sprintf("Your access to %s changed", name)
		n.Body = fmt.Sprintf("You now have %s access.", label(r.role))
	case store.NotificationAccessRemoved:
		n.Title = fmt.Sprintf("You no longer have access to %s", name)
	}
	return n
}

func label(role rbac.Role) string {
	if l, err := rbac.Label(role); err == nil {
		return l
	}
	return "Read"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
