package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUpsertUser(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	user, err := st.UpsertUser(ctx, User{ID: "usr_1", Email: " Ana@Example.com ", DisplayName: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", user.Email)

	_, err = st.UpsertUser(ctx, User{ID: "usr_2", Email: "ana@example.com"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	renamed, err := st.UpsertUser(ctx, User{ID: "usr_1", Email: "ana.b@example.com", DisplayName: "Ana B"})
	require.NoError(t, err)
	assert.Equal(t, user.CreatedAt, renamed.CreatedAt)

	got, err := st.CheckIdentitiesExist(ctx, []string{"ana@example.com", "ana.b@example.com"})
	require.NoError(t, err)
	assert.False(t, got[0].Exists, "old email is released")
	assert.True(t, got[1].Exists)
}

func TestMemoryStoreSearchIdentities(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	_, err := st.UpsertUser(ctx, User{ID: "usr_1", Email: "ana@example.com", DisplayName: "Ana Lima"})
	require.NoError(t, err)
	_, err = st.UpsertUser(ctx, User{ID: "usr_2", Email: "ben@example.com", DisplayName: "Ben"})
	require.NoError(t, err)
	_, err = st.CreateUserGroup(ctx, UserGroup{ID: "grp_1", Name: "Analytics", CreatedBy: "usr_1"})
	require.NoError(t, err)

	matches, err := st.SearchIdentities(ctx, "ana", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "usr_1", matches[0].ID)
	assert.Equal(t, "grp_1", matches[1].ID)

	matches, err = st.SearchIdentities(ctx, "  ", 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryStoreRejectsInvertedEvent(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	_, err := st.UpsertUser(ctx, User{ID: "usr_1", Email: "ana@example.com"})
	require.NoError(t, err)

	start := time.Now()
	_, err = st.CreateEvent(ctx, Event{ID: "evt_1", Title: "Backwards", StartsAt: start, EndsAt: start.Add(-time.Hour), CreatedBy: "usr_1"})
	assert.Error(t, err)

	_, err = st.CreateEvent(ctx, Event{ID: "evt_2", EventGroupID: "evg_missing", Title: "Orphan", StartsAt: start, EndsAt: start, CreatedBy: "usr_1"})
	assert.ErrorIs(t, err, ErrNotFound)
}
