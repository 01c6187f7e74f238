package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blueshot/api/internal/email"
	"blueshot/api/internal/grants"
	"blueshot/api/internal/rbac"
	"blueshot/api/internal/realtime"
	"blueshot/api/internal/reconcile"
	"blueshot/api/internal/store"
)

type fakeMailer struct {
	mu         sync.Mutex
	configured bool
	sent       map[string]email.MemberAddedData
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendMemberAddedEmail(to string, data email.MemberAddedData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[to] = data
	return nil
}

var (
	team   = reconcile.Resource{Kind: reconcile.ResourceUserGroup, ID: "grp_team"}
	launch = reconcile.Resource{Kind: reconcile.ResourceEventGroup, ID: "eg_launch"}
)

func setup(t *testing.T) (*store.MemoryStore, *realtime.Local, *fakeMailer, *Dispatcher) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, u := range []store.User{
		{ID: "usr_ada", Email: "ada@example.com", DisplayName: "Ada"},
		{ID: "usr_bob", Email: "bob@example.com", DisplayName: "Bob"},
		{ID: "usr_carol", Email: "carol@example.com", DisplayName: "Carol"},
	} {
		_, err := st.UpsertUser(ctx, u)
		require.NoError(t, err)
	}
	_, err := st.CreateUserGroup(ctx, store.UserGroup{ID: team.ID, Name: "Team", CreatedBy: "usr_ada"})
	require.NoError(t, err)
	_, err = st.CreateEventGroup(ctx, store.EventGroup{ID: launch.ID, Name: "Launch", CreatedBy: "usr_ada"})
	require.NoError(t, err)

	local := realtime.NewLocal()
	mailer := &fakeMailer{configured: true, sent: map[string]email.MemberAddedData{}}
	return st, local, mailer, NewDispatcher(st, local, mailer)
}

func subscribe(t *testing.T, local *realtime.Local, userID string) <-chan realtime.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := local.Subscribe(ctx, realtime.ChannelForUser(userID))
	require.NoError(t, err)
	return ch
}

func next(t *testing.T, ch <-chan realtime.Message) realtime.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no realtime message")
		return realtime.Message{}
	}
}

func TestCommittedNotifiesAddedAndRemovedMembers(t *testing.T) {
	st, local, mailer, d := setup(t)
	ctx := context.Background()
	bobStream := subscribe(t, local, "usr_bob")
	adaStream := subscribe(t, local, "usr_ada")

	d.Committed(ctx, team, "usr_ada", reconcile.SaveResult{
		SuccessCount: 2,
		TotalCount:   3,
		Applied: []reconcile.Change{
			reconcile.AddMember{ID: "chg_1", Email: "Bob@Example.com", Role: rbac.RoleReadWrite},
			reconcile.RemoveMember{ID: "chg_2", Email: "carol@example.com"},
		},
	})

	bobInbox, err := st.ListNotifications(ctx, "usr_bob", 10)
	require.NoError(t, err)
	require.Len(t, bobInbox, 1)
	assert.Equal(t, store.NotificationMemberAdded, bobInbox[0].Kind)
	assert.Equal(t, "You were added to Team", bobInbox[0].Title)
	assert.Equal(t, "You now have Read & write access.", bobInbox[0].Body)
	assert.Equal(t, "user_group", bobInbox[0].ResourceKind)

	carolInbox, err := st.ListNotifications(ctx, "usr_carol", 10)
	require.NoError(t, err)
	require.Len(t, carolInbox, 1)
	assert.Equal(t, store.NotificationAccessRemoved, carolInbox[0].Kind)

	adaInbox, err := st.ListNotifications(ctx, "usr_ada", 10)
	require.NoError(t, err)
	assert.Empty(t, adaInbox)

	msg := next(t, bobStream)
	assert.Equal(t, realtime.EventNotificationCreated, msg.Event)
	var payload NotificationPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, bobInbox[0].ID, payload.ID)
	assert.Equal(t, realtime.EventMembershipUpdated, next(t, bobStream).Event)

	actorMsg := next(t, adaStream)
	assert.Equal(t, realtime.EventMembershipUpdated, actorMsg.Event)
	var membership MembershipPayload
	require.NoError(t, json.Unmarshal(actorMsg.Payload, &membership))
	assert.Equal(t, 2, membership.Success)
	assert.Equal(t, 3, membership.Total)

	require.Contains(t, mailer.sent, "bob@example.com")
	assert.Equal(t, "Ada", mailer.sent["bob@example.com"].AddedBy)
	assert.Equal(t, "Read & write", mailer.sent["bob@example.com"].RoleLabel)
	assert.NotContains(t, mailer.sent, "carol@example.com")
}

func TestCommittedExpandsGroupGrants(t *testing.T) {
	st, _, mailer, d := setup(t)
	ctx := context.Background()
	_, err := st.AddMembers(ctx, team, []grants.Entry{{Identifier: "bob@example.com", Type: grants.SubjectEmail, Role: rbac.RoleRead}})
	require.NoError(t, err)

	d.Committed(ctx, launch, "usr_ada", reconcile.SaveResult{
		SuccessCount: 1,
		TotalCount:   1,
		Applied: []reconcile.Change{
			reconcile.AddGrant{ID: "chg_1", Entry: grants.Entry{Identifier: team.ID, Type: grants.SubjectUserGroup, Role: rbac.RoleRead}},
		},
	})

	bobInbox, err := st.ListNotifications(ctx, "usr_bob", 10)
	require.NoError(t, err)
	require.Len(t, bobInbox, 1)
	assert.Equal(t, "You were added to Launch", bobInbox[0].Title)
	assert.Equal(t, "event_group", bobInbox[0].ResourceKind)

	adaInbox, err := st.ListNotifications(ctx, "usr_ada", 10)
	require.NoError(t, err)
	assert.Empty(t, adaInbox, "the actor is never notified about their own save")
	assert.Len(t, mailer.sent, 1)
}

func TestCommittedRoleChange(t *testing.T) {
	st, _, mailer, d := setup(t)
	ctx := context.Background()

	d.Committed(ctx, team, "usr_ada", reconcile.SaveResult{
		SuccessCount: 1,
		TotalCount:   1,
		Applied: []reconcile.Change{
			reconcile.ChangeRole{ID: "chg_1", Identifier: "carol@example.com", Type: grants.SubjectEmail, OldRole: rbac.RoleRead, NewRole: rbac.RoleAdmin},
		},
	})

	inbox, err := st.ListNotifications(ctx, "usr_carol", 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, store.NotificationRoleChanged, inbox[0].Kind)
	assert.Equal(t, "You now have Admin access.", inbox[0].Body)
	assert.Empty(t, mailer.sent)
}

func TestCommittedSkipsUnknownAndEmpty(t *testing.T) {
	st, _, mailer, d := setup(t)
	ctx := context.Background()

	d.Committed(ctx, team, "usr_ada", reconcile.SaveResult{})
	d.Committed(ctx, team, "usr_ada", reconcile.SaveResult{
		SuccessCount: 1,
		TotalCount:   1,
		Applied:      []reconcile.Change{reconcile.AddMember{ID: "chg_1", Email: "ghost@example.com"}},
	})

	for _, id := range []string{"usr_ada", "usr_bob", "usr_carol"} {
		inbox, err := st.ListNotifications(ctx, id, 10)
		require.NoError(t, err)
		assert.Empty(t, inbox)
	}
	assert.Empty(t, mailer.sent)
}

func TestCommittedWithoutMailConfigured(t *testing.T) {
	st, local, mailer, _ := setup(t)
	mailer.configured = false
	d := NewDispatcher(st, local, mailer)

	d.Committed(context.Background(), team, "usr_ada", reconcile.SaveResult{
		SuccessCount: 1,
		TotalCount:   1,
		Applied:      []reconcile.Change{reconcile.AddMember{ID: "chg_1", Email: "bob@example.com"}},
	})

	assert.Empty(t, mailer.sent)
	inbox, err := st.ListNotifications(context.Background(), "usr_bob", 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "You now have Read access.", inbox[0].Body)
}
