package svc

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"pasteforge/cfg"
	"pasteforge/pkg/domain"
	"pasteforge/pkg/kms"
	"pasteforge/svc/auth"
	"pasteforge/svc/cache"
	"pasteforge/svc/db"
	"pasteforge/svc/util"
)

var memSeq int64

type harness struct {
	store    *db.SQLite
	pastes   *Paste
	users    *Users
	social   *Social
	comments *Comments
	cols     *Collections
	projects *Projects
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:svctest%d?mode=memory&cache=shared", atomic.AddInt64(&memSeq, 1))
	store, err := db.NewSQLite(dsn, db.Options{MaxOpenConns: 1, MaxIdleConns: 1, QueryTimeout: 5 * time.Second, Migrate: true})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	adapter, err := kms.NewLocalAdapter(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatal(err)
	}
	env := kms.NewEnvelope(adapter, time.Minute)

	h, err := auth.NewHasher(1, 1024, 1, []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	h.SetMinVerifyDuration(0)
	if err := h.Start(2); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)

	tokens, err := util.NewDeletionTokens([]byte("del-token-key/ABCDEFGHIJKLMNOPQRSTUV"), time.Hour, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tokens.SetTracker(store)

	sessions, err := auth.NewSessions([]byte("session-secret-0123456789abcdefghij"), time.Hour, store)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sessions.Stop)

	c := &cfg.Cfg{
		MaxPasteSize:   64 * 1024,
		MaxWorkerLoad:  100,
		WorkerPoolSize: 2,
		TTLPresets:     []time.Duration{10 * time.Minute, time.Hour},
	}
	lru, err := cache.NewLRU(100)
	if err != nil {
		t.Fatal(err)
	}
	pastes := NewPaste(store, lru, nil, h, env, tokens, c)
	t.Cleanup(pastes.Shutdown)

	social := NewSocial(store)
	return &harness{
		store:    store,
		pastes:   pastes,
		users:    NewUsers(store, h, sessions),
		social:   social,
		comments: NewComments(store, pastes, social),
		cols:     NewCollections(store, pastes),
		projects: NewProjects(store),
	}
}

func (h *harness) register(t *testing.T, name string) domain.Viewer {
	t.Helper()
	a, err := h.users.Register(context.Background(), domain.RegisterParams{
		Username: name,
		Email:    name + "@example.com",
		Password: "correct horse battery",
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	return domain.Viewer{UserID: a.User.ID, Role: a.User.Role}
}

func (h *harness) create(t *testing.T, p domain.CreateParams) (*domain.Paste, string) {
	t.Helper()
	if p.Content == "" {
		p.Content = "package main"
	}
	paste, token, err := h.pastes.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return paste, token
}

func ownerOf(v domain.Viewer) *int64 {
	id := v.UserID
	return &id
}
