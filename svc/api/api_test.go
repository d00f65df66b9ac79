package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pasteforge/cfg"
	"pasteforge/pkg/kms"
	"pasteforge/svc/auth"
	"pasteforge/svc/cache"
	"pasteforge/svc/db"
	"pasteforge/svc/lim"
	"pasteforge/svc/svc"
	"pasteforge/svc/util"
)

var memSeq int64

const testPepper = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, rl lim.Config) *Server {
	t.Helper()
	dsn := fmt.Sprintf("file:apitest%d?mode=memory&cache=shared", atomic.AddInt64(&memSeq, 1))
	store, err := db.NewSQLite(dsn, db.Options{MaxOpenConns: 1, MaxIdleConns: 1, QueryTimeout: 5 * time.Second, Migrate: true})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	adapter, err := kms.NewLocalAdapter(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatal(err)
	}
	h, err := auth.NewHasher(1, 1024, 1, []byte(testPepper))
	if err != nil {
		t.Fatal(err)
	}
	h.SetMinVerifyDuration(0)
	if err := h.Start(2); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	tokens, err := util.NewDeletionTokens([]byte("api-test-deletion-key/0123456789ABCDEF"), time.Hour, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tokens.SetTracker(store)
	sessions, err := auth.NewSessions([]byte("api-test-session-secret-0123456789"), time.Hour, store)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sessions.Stop)
	ipHasher, err := util.NewIPHasher([]byte(testPepper), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ipHasher.Stop)
	if rl.RPM == 0 {
		rl = lim.Config{RPM: 10000, Burst: 10000, ConservativeLimit: 1000}
	}
	limiter, err := lim.New(rl, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(limiter.Stop)
	lru, err := cache.NewLRU(100)
	if err != nil {
		t.Fatal(err)
	}

	c := &cfg.Cfg{
		Port:           "0",
		Environment:    "test",
		MaxPasteSize:   64 * 1024,
		MaxWorkerLoad:  100,
		WorkerPoolSize: 2,
		TTLPresets:     []time.Duration{10 * time.Minute, time.Hour},
		ContextTimeout: 10 * time.Second,
		AllowedOrigins: []string{"https://app.example.com"},
	}
	pastes := svc.NewPaste(store, lru, nil, h, kms.NewEnvelope(adapter, time.Minute), tokens, c)
	t.Cleanup(pastes.Shutdown)
	social := svc.NewSocial(store)
	return NewServer(c, Deps{
		Pastes:      pastes,
		Users:       svc.NewUsers(store, h, sessions),
		Social:      social,
		Comments:    svc.NewComments(store, pastes, social),
		Collections: svc.NewCollections(store, pastes),
		Projects:    svc.NewProjects(store),
		Limiter:     limiter,
		IPHasher:    ipHasher,
		DB:          store,
	})
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

func do(t *testing.T, s *Server, method, path string, body any, opts ...func(*http.Request)) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "192.0.2.10:5555"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: bad json %q", method, path, rec.Body.String())
		}
	}
	return rec, env
}

func withCookie(c *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(c) }
}

func withHeader(k, v string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func sessionFrom(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func register(t *testing.T, s *Server, name string) *http.Cookie {
	t.Helper()
	rec, env := do(t, s, "POST", "/api/auth/register", map[string]string{
		"username": name, "email": name + "@example.com", "password": "correct horse battery",
	})
	if rec.Code != http.StatusCreated || !env.Success {
		t.Fatalf("register %s: %d %s", name, rec.Code, rec.Body.String())
	}
	return sessionFrom(t, rec)
}

type pasteData struct {
	ID            string   `json:"id"`
	Content       string   `json:"content"`
	Tags          []string `json:"tags"`
	Owner         string   `json:"owner"`
	DeletionToken string   `json:"deletion_token"`
	HasPassword   bool     `json:"has_password"`
}

func createPaste(t *testing.T, s *Server, body map[string]any, opts ...func(*http.Request)) pasteData {
	t.Helper()
	rec, env := do(t, s, "POST", "/api/pastes", body, opts...)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var p pasteData
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCreateAndGetPaste(t *testing.T) {
	s := newTestServer(t, lim.Config{})
	p := createPaste(t, s, map[string]any{"content": "cafe\u0301", "tags": "Go, CLI", "language": "go"})
	if p.DeletionToken == "" {
		t.Error("anonymous create should return a deletion token")
	}
	if p.Content != "" {
		t.Error("create response should not echo content")
	}
	if len(p.Tags) != 2 || p.Tags[0] != "go" {
		t.Errorf("tags = %v", p.Tags)
	}

	rec, env := do(t, s, "GET", "/api/pastes/"+p.ID, nil)
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	var got pasteData
	json.Unmarshal(env.Data, &got)
	if got.Content != "caf\u00e9" {
		t.Errorf("content = %q, want NFC form", got.Content)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestRawPaste(t *testing.T) {
	s := newTestServer(t, lim.Config{})
	p := createPaste(t, s, map[string]any{"content": "<b>raw</b>"})
	rec, _ := do(t, s, "GET", "/api/pastes/"+p.ID+"/raw", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "<b>raw</b>" {
		t.Errorf("raw = %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}

func TestErrorEnvelope(t *testing.T) {
	s := newTestServer(t, lim.Config{})
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing paste", "GET", "/api/pastes/AAAAAAAAAAA", nil, 404, "PASTE_NOT_FOUND"},
		{"empty content", "POST", "/api/pastes", map[string]any{"content": ""}, 400, "INVALID_REQUEST"},
		{"unknown field", "POST", "/api/pastes", map[string]any{"content": "x", "owner": 1}, 400, "INVALID_REQUEST"},
		{"bad expiry", "POST", "/api/pastes", map[string]any{"content": "x", "expire_in": "5s"}, 400, "INVALID_DURATION"},
		{"needs auth", "GET", "/api/me", nil, 401, "UNAUTHORIZED"},
		{"bad id", "GET", "/api/collections/abc", nil, 400, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, s, tt.method, tt.path, tt.body)
			if rec.Code != tt.status || env.Success || env.Code != tt.code || env.Message == "" {
				t.Errorf("got %d %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestBurnAfterReadHTTP(t *testing.T) {
	s := newTestServer(t, lim.Config{})
	p := createPaste(t, s, map[string]any{"content": "once", "burn_after_read": true})
	if rec, _ := do(t, s, "GET", "/api/pastes/"+p.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("first read: %d", rec.Code)
	}
	rec, env := do(t, s, "GET", "/api/pastes/"+p.ID, nil)
	if rec.Code != http.StatusNotFound || env.Code != "PASTE_NOT_FOUND" {
		t.Errorf("second read: %d %s", rec.Code, rec.Body.String())
	}
}

func TestPasswordProtectedHTTP(t *testing.T) {
	s := newTestServer(t, lim.Config{})
	p := createPaste(t, s, map[string]any{"content": "locked", "password": "opensesame"})
	if !p.HasPassword {
		t.Fatal("has_password not set")
	}
	path := "/api/pastes/" + p.ID
	if _, env := do(t, s, "GET", path, nil); env.Code != "PASSWORD_REQUIRED" {
		t.Errorf("no password: %s", env.Code)
	}
	if rec, env := do(t, s, "GET", path, nil, withHeader("X-Paste-Password", "nope")); rec.Code != 401 || env.Code != "INVALID_PASSWORD" {
		t.Errorf("wrong password: %d %s", rec.Code, env.Code)
	}
	if rec, _ := do(t, s, "GET", path+"?password=opensesame", nil); rec.Code != http.StatusOK {
		t.Errorf("query password: %d", rec.Code)
	}
}

func TestDeleteWithTokenHTTP(t *testing.T) {
	s := newTestServer(t, lim.Config{})
	p := createPaste(t, s, map[string]any{"content": "bye"})
	path := "/api/pastes/" + p.ID
	if rec, _ := do(t, s, "DELETE", path, nil, withHeader("X-Deletion-Token", "garbage")); rec.Code != http.StatusForbidden {
		t.Errorf("bad token: %d", rec.Code)
	}
	if rec, _ := do(t, s, "DELETE", path, nil, withHeader("X-Deletion-Token", p.DeletionToken)); rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec, _ := do(t, s, "GET", path, nil); rec.Code != http.StatusNotFound {
		t.Errorf("after delete: %d", rec.Code)
	}
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t, lim.Config{})
	cookie := register(t, s, "alice")
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie flags: %+v", cookie)
	}

	var check struct {
		Authenticated bool `json:"authenticated"`
		User          struct {
			Username string `json:"username"`
		} `json:"user"`
	}
	_, env := do(t, s, "GET", "/api/auth/check", nil, withCookie(cookie))
	json.Unmarshal(env.Data, &check)
	if !check.Authenticated || check.User.Username != "alice" {
		t.Fatalf("check: %s", env.Data)
	}

	rec, env := do(t, s, "POST", "/api/auth/login", map[string]string{"login": "alice", "password": "wrong password"})
	if rec.Code != http.StatusUnauthorized || env.Code != "INVALID_CREDENTIALS" {
		t.Errorf("bad login: %d %s", rec.Code, env.Code)
	}
	rec, _ = do(t, s, "POST", "/api/auth/login", map[string]string{"username": "alice", "password": "correct horse battery"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	login := sessionFrom(t, rec)

	bearer := withHeader("Authorization", "Bearer "+login.Value)
	if rec, _ := do(t, s, "GET", "/api/me", nil, bearer); rec.Code != http.StatusOK {
		t.Errorf("me with bearer: %d", rec.Code)
	}

	rec, _ = do(t, s, "POST", "/api/auth/logout", nil, withCookie(login))
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: %d", rec.Code)
	}
	if c := sessionFrom(t, rec); c.MaxAge >= 0 {
		t.Error("logout should expire the cookie")
	}
	check.Authenticated = true
	_, env = do(t, s, "GET", "/?check_auth=1", nil, withCookie(login))
	json.Unmarshal(env.Data, &check)
	if check.Authenticated {
		t.Error("revoked session still authenticated")
	}
	_, env = do(t, s, "GET", "/?check_auth=1", nil, withCookie(cookie))
	json.Unmarshal(env.Data, &check)
	if !check.Authenticated {
		t.Error("logout revoked an unrelated session")
	}
}

func TestPrivatePasteHTTP(t *testing.T) {
	s := newTestServer(t, lim.Config{})
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")
	p := createPaste(t, s, map[string]any{"content": "mine", "is_public": false}, withCookie(alice))
	if p.Owner != "" && p.Owner != "alice" {
		t.Errorf("owner = %q", p.Owner)
	}
	if p.DeletionToken != "" {
		t.Error("owned paste got a deletion token")
	}
	path := "/api/pastes/" + p.ID
	if rec, _ := do(t, s, "GET", path, nil, withCookie(bob)); rec.Code != http.StatusNotFound {
		t.Errorf("bob: %d", rec.Code)
	}
	if rec, _ := do(t, s, "GET", path, nil, withCookie(alice)); rec.Code != http.StatusOK {
		t.Errorf("alice: %d", rec.Code)
	}
	if rec, _ := do(t, s, "PUT", path, map[string]any{"title": "x"}, withCookie(bob)); rec.Code != http.StatusNotFound {
		t.Errorf("bob update: %d", rec.Code)
	}
	if rec, _ := do(t, s, "PUT", path, map[string]any{"title": "renamed", "tags": []string{"a"}}, withCookie(alice)); rec.Code != http.StatusOK {
		t.Errorf("alice update: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSocialHTTP(t *testing.T) {
	s := newTestServer(t, lim.Config{})
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	if rec, env := do(t, s, "POST", "/api/users/alice/follow", nil, withCookie(alice)); rec.Code != 400 || env.Code != "SELF_FOLLOW" {
		t.Errorf("self follow: %d %s", rec.Code, env.Code)
	}
	if rec, _ := do(t, s, "POST", "/api/users/alice/follow", nil, withCookie(bob)); rec.Code != http.StatusOK {
		t.Fatalf("follow: %d", rec.Code)
	}
	if rec, _ := do(t, s, "POST", "/api/messages", map[string]string{"recipient": "alice", "body": "hey"}, withCookie(bob)); rec.Code != http.StatusCreated {
		t.Fatalf("message: %d %s", rec.Code, rec.Body.String())
	}

	_, env := do(t, s, "GET", "/api/notifications", nil, withCookie(alice))
	var feed struct {
		Items []struct {
			Kind  string `json:"kind"`
			Actor string `json:"actor"`
		} `json:"items"`
		Unread         int `json:"unread"`
		UnreadMessages int `json:"unread_messages"`
	}
	json.Unmarshal(env.Data, &feed)
	if len(feed.Items) != 2 || feed.Unread != 2 || feed.UnreadMessages != 1 {
		t.Errorf("feed = %s", env.Data)
	}

	_, env = do(t, s, "GET", "/api/users/alice", nil)
	var prof struct {
		Followers int `json:"followers"`
		User      struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	json.Unmarshal(env.Data, &prof)
	if prof.Followers != 1 || prof.User.Email != "" {
		t.Errorf("profile = %s", env.Data)
	}
}

func TestCollectionsHTTP(t *testing.T) {
	s := newTestServer(t, lim.Config{})
	alice := register(t, s, "alice")
	p := createPaste(t, s, map[string]any{"content": "x"}, withCookie(alice))

	rec, env := do(t, s, "POST", "/api/collections", map[string]any{"name": "faves"}, withCookie(alice))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create collection: %d %s", rec.Code, rec.Body.String())
	}
	var col struct {
		ID         int64 `json:"id"`
		PasteCount int   `json:"paste_count"`
	}
	json.Unmarshal(env.Data, &col)
	path := fmt.Sprintf("/api/collections/%d", col.ID)
	if rec, _ := do(t, s, "POST", path+"/pastes/"+p.ID, nil, withCookie(alice)); rec.Code != http.StatusOK {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	_, env = do(t, s, "GET", path, nil, withCookie(alice))
	json.Unmarshal(env.Data, &col)
	if col.PasteCount != 1 {
		t.Errorf("paste_count = %d", col.PasteCount)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, lim.Config{})
	rec, _ := do(t, s, "OPTIONS", "/api/pastes", nil, withHeader("Origin", "https://app.example.com"))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" ||
		rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Errorf("headers = %v", rec.Header())
	}
	rec, _ = do(t, s, "OPTIONS", "/api/pastes", nil, withHeader("Origin", "https://evil.example"))
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("foreign origin allowed")
	}
}

func TestRateLimitHTTP(t *testing.T) {
	s := newTestServer(t, lim.Config{RPM: 60, Burst: 2, ConservativeLimit: 1})
	for i := 0; i < 2; i++ {
		if rec, _ := do(t, s, "GET", "/api/pastes", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	rec, env := do(t, s, "GET", "/api/pastes", nil)
	if rec.Code != http.StatusTooManyRequests || env.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("got %d %s", rec.Code, env.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestFollowChargedToWriteBucket(t *testing.T) {
	s := newTestServer(t, lim.Config{RPM: 60, Burst: 2, ConservativeLimit: 1})
	alice := register(t, s, "alice")
	register(t, s, "bob")
	if rec, _ := do(t, s, "POST", "/api/users/bob/follow", nil, withCookie(alice)); rec.Code != http.StatusOK {
		t.Fatalf("follow: %d", rec.Code)
	}
	if rec, _ := do(t, s, "DELETE", "/api/users/bob/follow", nil, withCookie(alice)); rec.Code != http.StatusOK {
		t.Fatalf("unfollow: %d", rec.Code)
	}
	for i := 0; i < 2; i++ {
		if rec, _ := do(t, s, "GET", "/api/users/bob", nil); rec.Code != http.StatusOK {
			t.Fatalf("profile read %d: %d", i, rec.Code)
		}
	}
	rec, env := do(t, s, "POST", "/api/users/bob/follow", nil, withCookie(alice))
	if rec.Code != http.StatusTooManyRequests || env.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("third write: %d %s", rec.Code, env.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, lim.Config{})
	if rec, _ := do(t, s, "GET", "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health: %d", rec.Code)
	}
	rec, env := do(t, s, "GET", "/ready", nil)
	if rec.Code != http.StatusOK || !strings.Contains(string(env.Data), `"database":"up"`) {
		t.Errorf("ready: %d %s", rec.Code, rec.Body.String())
	}
	s.deps.DB.Close()
	rec, env = do(t, s, "GET", "/ready", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready with closed db: %d", rec.Code)
	}
	if env.Success || env.Code != "SERVICE_UNAVAILABLE" || !strings.Contains(string(env.Data), `"database":"down"`) {
		t.Errorf("ready failure body: %s", rec.Body.String())
	}
}

func TestRecovererMasksPanics(t *testing.T) {
	mw := NewMw(nil, &cfg.Cfg{}, nil)
	h := mw.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil).WithContext(util.SetRequestID(context.Background(), "rid"))
	h.ServeHTTP(rec, req)
	var env envelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	if rec.Code != 500 || env.Code != "INTERNAL_ERROR" || strings.Contains(rec.Body.String(), "boom") {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
}
