package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blueshot/api/internal/auth"
	"blueshot/api/internal/config"
	"blueshot/api/internal/grants"
	"blueshot/api/internal/meeting"
	"blueshot/api/internal/notify"
	"blueshot/api/internal/realtime"
	"blueshot/api/internal/reconcile"
	"blueshot/api/internal/search"
	"blueshot/api/internal/store"
)

const testSecret = "test-secret"

type testUser struct {
	id, email, name string
}

var (
	ada   = testUser{"usr_ada", "ada@example.com", "Ada"}
	bob   = testUser{"usr_bob", "bob@example.com", "Bob"}
	carol = testUser{"usr_carol", "carol@example.com", "Carol"}
)

type fixture struct {
	t       *testing.T
	store   *store.MemoryStore
	local   *realtime.Local
	service *Service
	handler http.Handler
}

func testConfig() config.Config {
	return config.Config{
		AuthSecret:        testSecret,
		CORSOrigin:        "*",
		ReminderLead:      15 * time.Minute,
		EditSessionTTL:    30 * time.Minute,
		CommitConcurrency: 2,
		MeetingTTL:        time.Hour,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	for _, u := range []testUser{ada, bob, carol} {
		_, err := st.UpsertUser(context.Background(), store.User{ID: u.id, Email: u.email, DisplayName: u.name})
		require.NoError(t, err)
	}
	local := realtime.NewLocal()
	svc := New(testConfig(), st, Deps{
		Notifier:   local,
		Search:     search.NewService(nil, IdentitySearcher(st.SearchIdentities)),
		Meetings:   meeting.NewMinter("meet-key", "meet-secret", time.Hour),
		Dispatcher: notify.NewDispatcher(st, local, nil),
	})
	return &fixture{t: t, store: st, local: local, service: svc, handler: NewHTTPServer(svc, "*").Handler()}
}

func tokenFor(t *testing.T, u testUser) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:   u.id,
		Email: u.email,
		Name:  u.name,
		JTI:   "jti-" + u.id,
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	return token
}

// do sends a request as u (or anonymously when u is nil) and returns the recorder.
func (f *fixture) do(u *testUser, method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if u != nil {
		req.Header.Set("Authorization", "Bearer "+tokenFor(f.t, *u))
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body=%s", rr.Body.String())
	return out
}

func requireStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	require.Equal(t, status, rr.Code, "body=%s", rr.Body.String())
}

// createUserGroup creates a group owned by owner through the API.
func (f *fixture) createUserGroup(owner testUser, name string) string {
	f.t.Helper()
	rr := f.do(&owner, http.MethodPost, "/api/user-groups", map[string]string{"name": name})
	requireStatus(f.t, rr, http.StatusCreated)
	return decode[map[string]any](f.t, rr)["id"].(string)
}

// sessionBody mirrors EditSessionView on the wire; changes decode by shape
// since reconcile.Change is an interface.
type sessionBody struct {
	ID           string                     `json:"id"`
	ResourceName string                     `json:"resourceName"`
	State        string                     `json:"state"`
	Members      []grants.Entry             `json:"members"`
	Projection   []reconcile.ProjectedEntry `json:"projection"`
	PendingCount int                        `json:"pendingCount"`
	Changes      []struct {
		ID          string `json:"id"`
		Kind        string `json:"kind"`
		Target      string `json:"target"`
		Description string `json:"description"`
	} `json:"changes"`
}

type saveBody struct {
	SuccessCount  int                      `json:"successCount"`
	TotalCount    int                      `json:"totalCount"`
	FailedChanges []reconcile.FailedChange `json:"failedChanges"`
	Alert         Alert                    `json:"alert"`
	Stale         bool                     `json:"stale"`
	Session       sessionBody              `json:"session"`
}

func (f *fixture) openEditSession(u testUser, kind, id string) sessionBody {
	f.t.Helper()
	rr := f.do(&u, http.MethodPost, "/api/edit-sessions", map[string]string{"kind": kind, "id": id})
	requireStatus(f.t, rr, http.StatusCreated)
	return decode[sessionBody](f.t, rr)
}

func (f *fixture) stage(u testUser, sessionID string, input map[string]any) *httptest.ResponseRecorder {
	f.t.Helper()
	return f.do(&u, http.MethodPost, "/api/edit-sessions/"+sessionID+"/changes", input)
}
