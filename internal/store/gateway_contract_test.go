package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"blueshot/api/internal/grants"
	"blueshot/api/internal/rbac"
	"blueshot/api/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// contractStore is the surface both store implementations share.
type contractStore interface {
	reconcile.Gateway
	UpsertUser(context.Context, User) (User, error)
	CreateUserGroup(context.Context, UserGroup) (UserGroup, error)
	CreateEventGroup(context.Context, EventGroup) (EventGroup, error)
	CreateEvent(context.Context, Event) (Event, error)
	EffectiveRole(context.Context, reconcile.Resource, string) (rbac.Role, error)
	Audience(context.Context, reconcile.Resource) ([]User, error)
	ListEventsForUser(context.Context, string) ([]EventAccess, error)
	DueEvents(context.Context, time.Time, time.Time) ([]Event, error)
	ClaimReminder(context.Context, string, time.Time) (bool, error)
	InsertNotification(context.Context, Notification) (Notification, error)
	ListNotifications(context.Context, string, int) ([]Notification, error)
	MarkNotificationRead(context.Context, string, string) error
	SetAcknowledgement(context.Context, Acknowledgement) (Acknowledgement, error)
	ListAcknowledgements(context.Context, string) ([]Acknowledgement, error)
}

type fixture struct {
	owner, ana, ben User
	team            UserGroup
	board           EventGroup
	standup         Event
}

func seedFixture(t *testing.T, st contractStore, suffix string) fixture {
	t.Helper()
	ctx := context.Background()
	var f fixture
	var err error

	f.owner, err = st.UpsertUser(ctx, User{ID: "usr_owner" + suffix, Email: "Owner" + suffix + "@example.com", DisplayName: "Owner"})
	require.NoError(t, err)
	f.ana, err = st.UpsertUser(ctx, User{ID: "usr_ana" + suffix, Email: "ana" + suffix + "@example.com", DisplayName: "Ana"})
	require.NoError(t, err)
	f.ben, err = st.UpsertUser(ctx, User{ID: "usr_ben" + suffix, Email: "ben" + suffix + "@example.com", DisplayName: "Ben"})
	require.NoError(t, err)

	f.team, err = st.CreateUserGroup(ctx, UserGroup{ID: "grp_team" + suffix, Name: "Team", CreatedBy: f.owner.ID})
	require.NoError(t, err)
	f.board, err = st.CreateEventGroup(ctx, EventGroup{ID: "evg_board" + suffix, Name: "Board", CreatedBy: f.owner.ID})
	require.NoError(t, err)
	start := time.Now().Add(10 * time.Minute).UTC().Truncate(time.Second)
	f.standup, err = st.CreateEvent(ctx, Event{
		ID: "evt_standup" + suffix, EventGroupID: f.board.ID, Title: "Standup",
		StartsAt: start, EndsAt: start.Add(15 * time.Minute), CreatedBy: f.owner.ID,
	})
	require.NoError(t, err)
	return f
}

func runGatewayContract(t *testing.T, newStore func(t *testing.T) (contractStore, string)) {
	ctx := context.Background()

	t.Run("creator is admin", func(t *testing.T) {
		st, suffix := newStore(t)
		f := seedFixture(t, st, suffix)
		for _, resource := range []reconcile.Resource{
			{Kind: reconcile.ResourceUserGroup, ID: f.team.ID},
			{Kind: reconcile.ResourceEventGroup, ID: f.board.ID},
			{Kind: reconcile.ResourceEvent, ID: f.standup.ID},
		} {
			members, err := st.FetchMembers(ctx, resource)
			require.NoError(t, err)
			require.Len(t, members, 1, resource.String())
			assert.Equal(t, f.owner.Email, members[0].Identifier)
			assert.Equal(t, rbac.RoleAdmin, members[0].Role)
			assert.Equal(t, f.owner.ID, members[0].UserID)
		}
	})

	t.Run("unknown resource", func(t *testing.T) {
		st, _ := newStore(t)
		_, err := st.FetchMembers(ctx, reconcile.Resource{Kind: reconcile.ResourceUserGroup, ID: "grp_missing"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("group membership lifecycle", func(t *testing.T) {
		st, suffix := newStore(t)
		f := seedFixture(t, st, suffix)
		team := reconcile.Resource{Kind: reconcile.ResourceUserGroup, ID: f.team.ID}

		added, err := st.AddMembers(ctx, team, []grants.Entry{
			{Identifier: f.ana.Email, Type: grants.SubjectEmail, Role: rbac.RoleReadWrite},
			{Identifier: "ghost" + suffix + "@example.com", Type: grants.SubjectEmail, Role: rbac.RoleRead},
		})
		require.NoError(t, err)
		require.Len(t, added, 1)
		assert.Equal(t, f.ana.ID, added[0].UserID)

		again, err := st.AddMembers(ctx, team, []grants.Entry{{Identifier: f.ana.Email, Type: grants.SubjectEmail, Role: rbac.RoleRead}})
		require.NoError(t, err)
		assert.Empty(t, again, "existing members are not re-added")

		require.NoError(t, st.SetRole(ctx, team, f.ana.Email, rbac.RoleAdmin))
		role, err := st.EffectiveRole(ctx, team, f.ana.ID)
		require.NoError(t, err)
		assert.Equal(t, rbac.RoleAdmin, role)

		require.NoError(t, st.RemoveMember(ctx, team, f.ana.Email))
		err = st.RemoveMember(ctx, team, f.ana.Email)
		assert.ErrorIs(t, err, ErrNotFound)
		err = st.SetRole(ctx, team, f.ana.Email, rbac.RoleRead)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("highest role wins across direct and group grants", func(t *testing.T) {
		st, suffix := newStore(t)
		f := seedFixture(t, st, suffix)
		team := reconcile.Resource{Kind: reconcile.ResourceUserGroup, ID: f.team.ID}
		board := reconcile.Resource{Kind: reconcile.ResourceEventGroup, ID: f.board.ID}
		standup := reconcile.Resource{Kind: reconcile.ResourceEvent, ID: f.standup.ID}

		_, err := st.AddMembers(ctx, team, []grants.Entry{{Identifier: f.ana.Email, Type: grants.SubjectEmail, Role: rbac.RoleRead}})
		require.NoError(t, err)
		_, err = st.AddMembers(ctx, board, []grants.Entry{{Identifier: f.team.ID, Type: grants.SubjectUserGroup, Role: rbac.RoleReadWrite}})
		require.NoError(t, err)
		_, err = st.AddMembers(ctx, standup, []grants.Entry{{Identifier: f.ana.Email, Type: grants.SubjectEmail, Role: rbac.RoleRead}})
		require.NoError(t, err)

		role, err := st.EffectiveRole(ctx, standup, f.ana.ID)
		require.NoError(t, err)
		assert.Equal(t, rbac.RoleReadWrite, role, "event inherits the event group grant")

		role, err = st.EffectiveRole(ctx, standup, f.ben.ID)
		require.NoError(t, err)
		assert.Zero(t, role)

		audience, err := st.Audience(ctx, standup)
		require.NoError(t, err)
		var ids []string
		for _, user := range audience {
			ids = append(ids, user.ID)
		}
		assert.ElementsMatch(t, []string{f.owner.ID, f.ana.ID}, ids)

		events, err := st.ListEventsForUser(ctx, f.ana.ID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, rbac.RoleReadWrite, events[0].Role)

		members, err := st.FetchMembers(ctx, board)
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.Equal(t, grants.SubjectUserGroup, members[1].Type)
		assert.Equal(t, "Team", members[1].Name)

		require.NoError(t, st.RemoveMember(ctx, board, f.team.ID))
		role, err = st.EffectiveRole(ctx, standup, f.ana.ID)
		require.NoError(t, err)
		assert.Equal(t, rbac.RoleRead, role)
	})

	t.Run("check identities", func(t *testing.T) {
		st, suffix := newStore(t)
		f := seedFixture(t, st, suffix)

		got, err := st.CheckIdentitiesExist(ctx, []string{"ANA" + suffix + "@example.com", "nobody" + suffix + "@example.com"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.True(t, got[0].Exists)
		assert.Equal(t, f.ana.ID, got[0].UserID)
		assert.False(t, got[1].Exists)
	})

	t.Run("reminders are claimed once", func(t *testing.T) {
		st, suffix := newStore(t)
		f := seedFixture(t, st, suffix)
		now := time.Now()

		due, err := st.DueEvents(ctx, now, now.Add(15*time.Minute))
		require.NoError(t, err)
		var found bool
		for _, event := range due {
			found = found || event.ID == f.standup.ID
		}
		assert.True(t, found)

		claimed, err := st.ClaimReminder(ctx, f.standup.ID, now)
		require.NoError(t, err)
		assert.True(t, claimed)
		claimed, err = st.ClaimReminder(ctx, f.standup.ID, now)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("notifications and acknowledgements", func(t *testing.T) {
		st, suffix := newStore(t)
		f := seedFixture(t, st, suffix)

		_, err := st.InsertNotification(ctx, Notification{ID: "ntf_1" + suffix, UserID: f.ana.ID, Kind: NotificationMemberAdded, Title: "Added"})
		require.NoError(t, err)
		list, err := st.ListNotifications(ctx, f.ana.ID, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Nil(t, list[0].ReadAt)

		require.NoError(t, st.MarkNotificationRead(ctx, f.ana.ID, "ntf_1"+suffix))
		err = st.MarkNotificationRead(ctx, f.ben.ID, "ntf_1"+suffix)
		assert.True(t, errors.Is(err, ErrNotFound), "other users cannot read it")

		_, err = st.SetAcknowledgement(ctx, Acknowledgement{EventID: f.standup.ID, UserID: f.ana.ID, Status: AckTentative})
		require.NoError(t, err)
		_, err = st.SetAcknowledgement(ctx, Acknowledgement{EventID: f.standup.ID, UserID: f.ana.ID, Status: AckAccepted})
		require.NoError(t, err)
		acks, err := st.ListAcknowledgements(ctx, f.standup.ID)
		require.NoError(t, err)
		require.Len(t, acks, 1)
		assert.Equal(t, AckAccepted, acks[0].Status)
	})
}

func TestMemoryStoreGatewayContract(t *testing.T) {
	runGatewayContract(t, func(t *testing.T) (contractStore, string) {
		return NewMemoryStore(), ""
	})
}
