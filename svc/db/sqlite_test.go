package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"pasteforge/pkg/domain"
)

var memSeq int64

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	dsn := fmt.Sprintf("file:dbtest%d?mode=memory&cache=shared", atomic.AddInt64(&memSeq, 1))
	s, err := NewSQLite(dsn, Options{MaxOpenConns: 1, MaxIdleConns: 1, QueryTimeout: 5 * time.Second, Migrate: true})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkUser(t *testing.T, s *SQLite, name string) *domain.User {
	t.Helper()
	u := &domain.User{Username: name, Email: name + "@example.com", PasswordHash: "x"}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return u
}

func mkPaste(t *testing.T, s *SQLite, p *domain.Paste) *domain.Paste {
	t.Helper()
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	if p.Language == "" {
		p.Language = domain.DefaultLang
	}
	if p.Title == "" {
		p.Title = domain.DefaultTitle
	}
	p.EncryptedBlob = []byte("blob")
	p.EncryptedDEK = []byte("dek")
	if err := s.CreatePaste(context.Background(), p); err != nil {
		t.Fatalf("CreatePaste(%s): %v", p.ID, err)
	}
	return p
}

func TestPasteCRUD(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	u := mkUser(t, s, "alice")
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	mkPaste(t, s, &domain.Paste{ID: "p1", Title: "hello", Tags: []string{"go", "db"}, IsPublic: true, OwnerID: &u.ID, ExpiresAt: &exp, PasswordHash: "h"})

	got, err := s.GetPaste(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPaste: %v", err)
	}
	if got.Title != "hello" || got.OwnerName != "alice" || !got.HasPassword || got.CurrentVersion != 1 {
		t.Errorf("unexpected paste %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "db" {
		t.Errorf("tags = %v", got.Tags)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("expires = %v, want %v", got.ExpiresAt, exp)
	}

	got.Title = "renamed"
	got.UpdatedAt = time.Now()
	if err := s.UpdatePaste(ctx, got); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrViews(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	again, _ := s.GetPaste(ctx, "p1")
	if again.Title != "renamed" || again.Views != 1 {
		t.Errorf("after update %+v", again)
	}
	if err := s.DeletePaste(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPaste(ctx, "p1"); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("got %v, want ErrPasteNotFound", err)
	}
	if err := s.DeletePaste(ctx, "p1"); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestBurnPasteOnlyOnce(t *testing.T) {
	s := newTestSQLite(t)
	mkPaste(t, s, &domain.Paste{ID: "burn", BurnAfterRead: true})
	mkPaste(t, s, &domain.Paste{ID: "keep"})

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.BurnPaste(context.Background(), "burn")
			if err != nil {
				t.Error(err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("burn winners = %d, want 1", wins)
	}
	if ok, _ := s.BurnPaste(context.Background(), "keep"); ok {
		t.Error("non-burn paste must not be deleted by BurnPaste")
	}
}

func TestListPublicFilters(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	base := time.Now().Add(-time.Hour)
	mkPaste(t, s, &domain.Paste{ID: "a", Title: "Go tips", Language: "go", Tags: []string{"go"}, IsPublic: true, CreatedAt: base})
	mkPaste(t, s, &domain.Paste{ID: "b", Title: "Rust", Language: "rust", IsPublic: true, CreatedAt: base.Add(time.Second)})
	mkPaste(t, s, &domain.Paste{ID: "private", IsPublic: false})
	mkPaste(t, s, &domain.Paste{ID: "locked", IsPublic: true, PasswordHash: "h"})
	mkPaste(t, s, &domain.Paste{ID: "burn", IsPublic: true, BurnAfterRead: true})
	mkPaste(t, s, &domain.Paste{ID: "old", IsPublic: true, ExpiresAt: &past})

	all, err := s.ListPublic(ctx, domain.ListFilter{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "b" {
		t.Fatalf("ListPublic = %v", ids(all))
	}
	byTag, _ := s.ListPublic(ctx, domain.ListFilter{Tag: "GO"}, time.Now())
	if len(byTag) != 1 || byTag[0].ID != "a" {
		t.Errorf("tag filter = %v", ids(byTag))
	}
	byQuery, _ := s.ListPublic(ctx, domain.ListFilter{Query: "tips"}, time.Now())
	if len(byQuery) != 1 || byQuery[0].ID != "a" {
		t.Errorf("query filter = %v", ids(byQuery))
	}
	byLang, _ := s.ListPublic(ctx, domain.ListFilter{Language: "rust"}, time.Now())
	if len(byLang) != 1 || byLang[0].ID != "b" {
		t.Errorf("language filter = %v", ids(byLang))
	}
}

func ids(ps []*domain.Paste) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestRelatedScoring(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	u := mkUser(t, s, "bob")
	base := time.Now().Add(-time.Hour)
	src := mkPaste(t, s, &domain.Paste{ID: "src", Language: "go", Tags: []string{"http", "db"}, IsPublic: true, OwnerID: &u.ID})
	mkPaste(t, s, &domain.Paste{ID: "lang", Language: "go", IsPublic: true, CreatedAt: base})                                  // 3
	mkPaste(t, s, &domain.Paste{ID: "both", Language: "go", Tags: []string{"db", "http"}, IsPublic: true, CreatedAt: base})     // 7
	mkPaste(t, s, &domain.Paste{ID: "tag", Language: "py", Tags: []string{"db"}, IsPublic: true, CreatedAt: base})              // 2
	mkPaste(t, s, &domain.Paste{ID: "owner", Language: "py", IsPublic: true, OwnerID: &u.ID, CreatedAt: base})                  // 1
	mkPaste(t, s, &domain.Paste{ID: "none", Language: "py", Tags: []string{"dbx"}, IsPublic: true, CreatedAt: base})            // 0
	mkPaste(t, s, &domain.Paste{ID: "hidden", Language: "go", Tags: []string{"db"}, IsPublic: false, CreatedAt: base})          // private
	mkPaste(t, s, &domain.Paste{ID: "burned", Language: "go", IsPublic: true, BurnAfterRead: true, CreatedAt: base})            // burn
	mkPaste(t, s, &domain.Paste{ID: "protected", Language: "go", IsPublic: true, PasswordHash: "h", CreatedAt: base})           // password

	got, err := s.Related(ctx, src, 10, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"both", "lang", "tag", "owner"}
	if fmt.Sprint(ids(got)) != fmt.Sprint(want) {
		t.Errorf("Related = %v, want %v", ids(got), want)
	}
	top, _ := s.Related(ctx, src, 1, time.Now())
	if len(top) != 1 || top[0].ID != "both" {
		t.Errorf("limit 1 = %v", ids(top))
	}
}

func TestCleanupExpired(t *testing.T) {
	s := newTestSQLite(t)
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	mkPaste(t, s, &domain.Paste{ID: "gone", ExpiresAt: &past})
	mkPaste(t, s, &domain.Paste{ID: "live", ExpiresAt: &future})
	mkPaste(t, s, &domain.Paste{ID: "forever"})
	purged, err := s.CleanupExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(purged) != 1 || purged[0] != "gone" {
		t.Errorf("purged = %v", purged)
	}
	if ok, _ := s.PasteExists(context.Background(), "live"); !ok {
		t.Error("live paste removed")
	}
}

func TestUserUniqueness(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	mkUser(t, s, "carol")
	err := s.CreateUser(ctx, &domain.User{Username: "CAROL", Email: "other@example.com", PasswordHash: "x"})
	if !errors.Is(err, domain.ErrUsernameTaken) {
		t.Errorf("dup username: %v", err)
	}
	err = s.CreateUser(ctx, &domain.User{Username: "dave", Email: "carol@example.com", PasswordHash: "x"})
	if !errors.Is(err, domain.ErrEmailTaken) {
		t.Errorf("dup email: %v", err)
	}
	u, err := s.UserByLogin(ctx, "carol@example.com")
	if err != nil || u.Username != "carol" {
		t.Errorf("UserByLogin: %v %v", u, err)
	}
	if _, err := s.UserByUsername(ctx, "nobody"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("missing user: %v", err)
	}
}

func TestCollectionPasteCount(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	u := mkUser(t, s, "erin")
	mkPaste(t, s, &domain.Paste{ID: "x", IsPublic: true})
	mkPaste(t, s, &domain.Paste{ID: "y", IsPublic: true})
	c := &domain.Collection{UserID: u.ID, Name: "snips", IsPublic: true, CreatedAt: time.Now()}
	if err := s.CreateCollection(ctx, c); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"x", "y", "x"} {
		if err := s.AddToCollection(ctx, c.ID, id, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := s.Collection(ctx, c.ID)
	if got.PasteCount != 2 {
		t.Errorf("paste_count = %d, want 2", got.PasteCount)
	}
	if err := s.DeletePaste(ctx, "y"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Collection(ctx, c.ID)
	if got.PasteCount != 1 {
		t.Errorf("paste_count after delete = %d, want 1", got.PasteCount)
	}
	if err := s.AddToCollection(ctx, c.ID, "missing", time.Now()); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("add missing paste: %v", err)
	}
}

func TestFollowConstraints(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	a, b := mkUser(t, s, "fa"), mkUser(t, s, "fb")
	if err := s.Follow(ctx, a.ID, a.ID, time.Now()); !errors.Is(err, domain.ErrSelfFollow) {
		t.Errorf("self follow: %v", err)
	}
	if err := s.Follow(ctx, a.ID, b.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Follow(ctx, a.ID, b.ID, time.Now()); !errors.Is(err, domain.ErrAlreadyFollowing) {
		t.Errorf("double follow: %v", err)
	}
	followers, following, _ := s.FollowCounts(ctx, b.ID)
	if followers != 1 || following != 0 {
		t.Errorf("counts = %d/%d", followers, following)
	}
	if err := s.Unfollow(ctx, a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Unfollow(ctx, a.ID, b.ID); !errors.Is(err, domain.ErrNotFollowing) {
		t.Errorf("double unfollow: %v", err)
	}
}

func TestRevocationAndReplay(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	if err := s.RevokeToken(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsRevoked(ctx, "jti-1"); !ok {
		t.Error("token should be revoked")
	}
	if err := s.MarkUsed(ctx, "h1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsUsed(ctx, "h1"); !ok {
		t.Error("token should be used")
	}
	if n, _ := s.PruneTokens(ctx, time.Now().Add(2*time.Hour)); n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
}

func TestMigrateDownUp(t *testing.T) {
	s := newTestSQLite(t)
	if err := MigrateDown(s.DB(), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().Exec("SELECT 1 FROM pastes"); err == nil {
		t.Error("pastes table should be gone")
	}
	if err := MigrateUp(s.DB()); err != nil {
		t.Fatal(err)
	}
	v, dirty, err := SchemaVersion(s.DB())
	if err != nil || dirty || v != 1 {
		t.Errorf("version=%d dirty=%v err=%v", v, dirty, err)
	}
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer mockDB.Close()
	s := NewFromDB(mockDB, time.Second)
	for i := 0; i < maxFailures; i++ {
		mock.ExpectExec("UPDATE pastes SET views").WillReturnError(errors.New("disk I/O error"))
	}
	for i := 0; i < maxFailures; i++ {
		if err := s.IncrViews(context.Background(), "id"); err == nil {
			t.Fatal("expected error")
		}
	}
	if err := s.IncrViews(context.Background(), "id"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("got %v, want ErrCircuitOpen", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetPasteWrapsDriverError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer mockDB.Close()
	s := NewFromDB(mockDB, time.Second)
	mock.ExpectQuery("SELECT").WithArgs("abc").WillReturnError(errors.New("boom"))
	_, err = s.GetPaste(context.Background(), "abc")
	if err == nil || errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("got %v", err)
	}
	if domain.Status(err) != 500 {
		t.Errorf("status = %d", domain.Status(err))
	}
}
