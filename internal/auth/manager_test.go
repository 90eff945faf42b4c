package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/agenticmem/membridge/internal/config"
	"github.com/agenticmem/membridge/internal/core"
)

// fakeAuthorizer replays a canned fragment, echoing back the state from the
// authorize URL unless a fixed state override is set.
type fakeAuthorizer struct {
	values        url.Values
	stateOverride string
}

func (a *fakeAuthorizer) RedirectURI() string { return "http://127.0.0.1:0/callback" }

func (a *fakeAuthorizer) Authorize(_ context.Context, authorizeURL string) (string, error) {
	parsed, err := url.Parse(authorizeURL)
	if err != nil {
		return "", err
	}

	out := url.Values{}
	for k, vs := range a.values {
		out[k] = vs
	}
	if out.Get("state") == "" {
		state := a.stateOverride
		if state == "" {
			state = parsed.Query().Get("state")
		}
		out.Set("state", state)
	}
	return out.Encode(), nil
}

func testIDToken(t *testing.T, claims core.Claims) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return "header." + encoded + ".signature"
}

func graphServer(t *testing.T, profile core.Profile) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(profile)
	}))
	t.Cleanup(server.Close)
	return server
}

func testManager(t *testing.T, authorizer Authorizer, graphURL string) (*Manager, *FileStore) {
	t.Helper()
	store := NewFileStore(t.TempDir())
	cfg := config.AuthConfig{
		ClientID:      "client-1",
		Authority:     "https://login.example.com/oauth2/v2.0",
		Scope:         "openid profile",
		GraphEndpoint: graphURL,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(cfg, "http://api.example.com", store, authorizer, logger)
	if err := m.Init(); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	return m, store
}

func TestLoginSuccess(t *testing.T) {
	idToken := testIDToken(t, core.Claims{Subject: "sub-1", Name: "Pat"})
	graph := graphServer(t, core.Profile{ID: "sub-1", DisplayName: "Pat"})

	authorizer := &fakeAuthorizer{values: url.Values{
		"access_token": {"at-1"},
		"id_token":     {idToken},
		"expires_in":   {"7200"},
	}}

	m, store := testManager(t, authorizer, graph.URL)

	start := m.Now().UnixMilli()
	if err := m.Login(context.Background()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	if !m.IsAuthenticated() {
		t.Error("should be authenticated after login")
	}

	userID, err := m.UserID()
	if err != nil {
		t.Fatalf("UserID() error: %v", err)
	}
	if userID != "sub-1" {
		t.Errorf("user id = %q, want sub-1", userID)
	}

	session, found, err := store.Load()
	if err != nil || !found {
		t.Fatalf("persisted session missing: found=%v err=%v", found, err)
	}
	if session.AccessToken != "at-1" {
		t.Errorf("access token = %q, want at-1", session.AccessToken)
	}
	if session.ExpiresAt < start+7200*1000 {
		t.Errorf("expires_at = %d, want >= %d", session.ExpiresAt, start+7200*1000)
	}
	if session.User == nil || session.User.DisplayName != "Pat" {
		t.Errorf("profile = %+v, want DisplayName Pat", session.User)
	}
}

func TestLoginStateMismatchPersistsNothing(t *testing.T) {
	idToken := testIDToken(t, core.Claims{Subject: "sub-1"})
	graph := graphServer(t, core.Profile{ID: "sub-1"})

	authorizer := &fakeAuthorizer{
		values: url.Values{
			"access_token": {"at-1"},
			"id_token":     {idToken},
		},
		stateOverride: "forged",
	}

	m, store := testManager(t, authorizer, graph.URL)

	err := m.Login(context.Background())
	if !IsKind(err, KindStateMismatch) {
		t.Fatalf("error = %v, want kind %v", err, KindStateMismatch)
	}

	if m.IsAuthenticated() {
		t.Error("should not be authenticated after a failed login")
	}
	if _, found, _ := store.Load(); found {
		t.Error("nothing should be persisted before all checks pass")
	}
}

func TestLoginProviderError(t *testing.T) {
	authorizer := &fakeAuthorizer{values: url.Values{
		"error":             {"access_denied"},
		"error_description": {"The+user+declined"},
	}}

	m, _ := testManager(t, authorizer, "http://unused.example.com")

	err := m.Login(context.Background())
	if !IsKind(err, KindProviderError) {
		t.Fatalf("error = %v, want kind %v", err, KindProviderError)
	}
}

func TestLoginMissingTokens(t *testing.T) {
	authorizer := &fakeAuthorizer{values: url.Values{
		"access_token": {"at-1"},
	}}

	m, _ := testManager(t, authorizer, "http://unused.example.com")

	err := m.Login(context.Background())
	if !IsKind(err, KindMissingToken) {
		t.Fatalf("error = %v, want kind %v", err, KindMissingToken)
	}
}

func TestLoginMissingIdentityClaims(t *testing.T) {
	idToken := testIDToken(t, core.Claims{Name: "No Subject"})
	authorizer := &fakeAuthorizer{values: url.Values{
		"access_token": {"at-1"},
		"id_token":     {idToken},
	}}

	m, _ := testManager(t, authorizer, "http://unused.example.com")

	err := m.Login(context.Background())
	if !IsKind(err, KindMissingIdentity) {
		t.Fatalf("error = %v, want kind %v", err, KindMissingIdentity)
	}
}

func TestSessionExpiry(t *testing.T) {
	idToken := testIDToken(t, core.Claims{Subject: "sub-1"})
	graph := graphServer(t, core.Profile{ID: "sub-1"})

	authorizer := &fakeAuthorizer{values: url.Values{
		"access_token": {"at-1"},
		"id_token":     {idToken},
		"expires_in":   {"3600"},
	}}

	m, _ := testManager(t, authorizer, graph.URL)

	if err := m.Login(context.Background()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if !m.IsAuthenticated() {
		t.Fatal("should be authenticated right after login")
	}

	m.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if m.IsAuthenticated() {
		t.Error("should not be authenticated past expiry")
	}
	if _, err := m.UserID(); !IsKind(err, KindNotAuthenticated) {
		t.Errorf("UserID() error = %v, want kind %v", err, KindNotAuthenticated)
	}
}

func TestInitClearsExpiredSession(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	expired := Session{
		AccessToken:   "at-1",
		IDToken:       "id-1",
		User:          &core.Profile{ID: "sub-1"},
		ExpiresAt:     time.Now().Add(-time.Hour).UnixMilli(),
		PrimaryUserID: "sub-1",
	}
	if err := store.Save(expired); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(config.AuthConfig{}, "http://api.example.com", store, nil, logger)
	if err := m.Init(); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	if m.IsAuthenticated() {
		t.Error("expired session must not restore as authenticated")
	}
	if _, found, _ := store.Load(); found {
		t.Error("expired session record should be cleared at restore")
	}
}

func TestLogoutClearsStore(t *testing.T) {
	idToken := testIDToken(t, core.Claims{Subject: "sub-1"})
	graph := graphServer(t, core.Profile{ID: "sub-1"})

	authorizer := &fakeAuthorizer{values: url.Values{
		"access_token": {"at-1"},
		"id_token":     {idToken},
	}}

	m, store := testManager(t, authorizer, graph.URL)
	if err := m.Login(context.Background()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	m.Logout()

	if m.IsAuthenticated() {
		t.Error("should not be authenticated after logout")
	}
	if _, found, _ := store.Load(); found {
		t.Error("logout must clear the persisted record")
	}

	// Logging out twice is fine.
	m.Logout()
}

func TestUnauthorizedResponseTearsDownSession(t *testing.T) {
	idToken := testIDToken(t, core.Claims{Subject: "sub-1"})
	graph := graphServer(t, core.Profile{ID: "sub-1"})

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	authorizer := &fakeAuthorizer{values: url.Values{
		"access_token": {"at-1"},
		"id_token":     {idToken},
	}}

	m, store := testManager(t, authorizer, graph.URL)
	if err := m.Login(context.Background()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	req, err := m.NewRequest(context.Background(), http.MethodGet, api.URL+"/api/memories/list/", nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Do(req)
	if !IsKind(err, KindUnauthorized) {
		t.Fatalf("Do() error = %v, want kind %v", err, KindUnauthorized)
	}

	if m.IsAuthenticated() {
		t.Error("a 401 must tear the session down")
	}
	if _, found, _ := store.Load(); found {
		t.Error("a 401 must clear the persisted record")
	}
}

func TestDoSetsBearerAndContentType(t *testing.T) {
	idToken := testIDToken(t, core.Claims{Subject: "sub-1"})
	graph := graphServer(t, core.Profile{ID: "sub-1"})

	var gotAuth, gotContentType string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	authorizer := &fakeAuthorizer{values: url.Values{
		"access_token": {"at-1"},
		"id_token":     {idToken},
	}}

	m, _ := testManager(t, authorizer, graph.URL)
	if err := m.Login(context.Background()); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	req, err := m.NewRequest(context.Background(), http.MethodGet, api.URL+"/whatever", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := m.Do(req)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer "+idToken {
		t.Errorf("authorization = %q, want bearer identity token", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q, want application/json", gotContentType)
	}
}

func TestCrossProcessSessionPickup(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// First manager simulates the process that logged in.
	writerStore := NewFileStore(dir)
	session := Session{
		AccessToken:   "at-1",
		IDToken:       "id-1",
		User:          &core.Profile{ID: "sub-1"},
		ExpiresAt:     time.Now().Add(time.Hour).UnixMilli(),
		Claims:        core.Claims{Subject: "sub-1"},
		PrimaryUserID: "sub-1",
	}

	// Second manager initialized before any login exists.
	m := NewManager(config.AuthConfig{}, "http://api.example.com", NewFileStore(dir), nil, logger)
	if err := m.Init(); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if m.IsAuthenticated() {
		t.Fatal("should start unauthenticated")
	}

	if err := writerStore.Save(session); err != nil {
		t.Fatal(err)
	}

	// The durable record is the shared source of truth.
	if !m.IsAuthenticated() {
		t.Error("should pick up a session another process persisted")
	}
}
