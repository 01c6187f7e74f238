package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"blueshot/api/internal/auth"
	"blueshot/api/internal/store"
)

// pingStore overrides Ping on the memory store.
type pingStore struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (p *pingStore) Ping(ctx context.Context) error {
	if p.pingFn != nil {
		return p.pingFn(ctx)
	}
	return nil
}

func newPingServer(pingFn func(context.Context) error) http.Handler {
	svc := New(testConfig(), &pingStore{MemoryStore: store.NewMemoryStore(), pingFn: pingFn}, Deps{})
	return NewHTTPServer(svc, "*").Handler()
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	newPingServer(nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected X-Request-ID header")
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	newPingServer(func(context.Context) error { return nil }).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if status, exists := response["status"]; !exists || status != "ready" {
		t.Errorf("expected status=ready, got %v", status)
	}
	checks, exists := response["checks"].(map[string]any)
	if !exists {
		t.Fatalf("expected checks object, got %v", response["checks"])
	}
	dbCheck, exists := checks["database"].(map[string]any)
	if !exists {
		t.Fatalf("expected database check, got %v", checks["database"])
	}
	if dbStatus := dbCheck["status"]; dbStatus != "ok" {
		t.Errorf("expected database status=ok, got %v", dbStatus)
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	newPingServer(func(context.Context) error {
		return errors.New("connection refused")
	}).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok := response["ok"]; ok != false {
		t.Errorf("expected ok=false, got %v", ok)
	}
	checks, _ := response["checks"].(map[string]any)
	dbCheck, _ := checks["database"].(map[string]any)
	if dbCheck["error"] != "connection refused" {
		t.Errorf("expected database error, got %v", dbCheck["error"])
	}
}

func TestSessionEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := f.do(nil, http.MethodGet, "/api/session", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	anonymous := decode[map[string]any](t, rr)
	if anonymous["authenticated"] != false {
		t.Fatalf("expected anonymous session, got %v", anonymous)
	}

	newcomer := testUser{"usr_dan", "Dan@Example.com", "Dan"}
	rr = f.do(&newcomer, http.MethodGet, "/api/session", nil)
	payload := decode[map[string]any](t, rr)
	if payload["authenticated"] != true || payload["userId"] != "usr_dan" || payload["email"] != "dan@example.com" {
		t.Fatalf("unexpected session payload %v", payload)
	}
	if _, err := f.store.GetUser(context.Background(), "usr_dan"); err != nil {
		t.Fatalf("expected first sign-in to create the user: %v", err)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	rr := f.do(nil, http.MethodGet, "/api/events", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	expired, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:   ada.id,
		Email: ada.email,
		Exp:   time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rr.Code)
	}
	if code := decode[map[string]any](t, rr)["code"]; code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %v", code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/events", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()

	f.handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	rr := f.do(&ada, http.MethodGet, "/api/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
