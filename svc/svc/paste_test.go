package svc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pasteforge/pkg/domain"
)

func TestCreateAndGet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, token := h.create(t, domain.CreateParams{Title: "  hi ", Content: "a\x00b", Language: "Go", IsPublic: true, Tags: []string{"CLI", "cli"}})
	if token == "" {
		t.Fatal("anonymous paste should get a deletion token")
	}
	if p.Title != "hi" || p.Language != "go" || p.CurrentVersion != 1 {
		t.Errorf("unexpected paste %+v", p)
	}
	got, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "ab" {
		t.Errorf("content = %q, want control chars stripped", got.Content)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "cli" {
		t.Errorf("tags = %v", got.Tags)
	}
}

func TestCreateOwnedHasNoToken(t *testing.T) {
	h := newHarness(t)
	alice := h.register(t, "alice")
	_, token := h.create(t, domain.CreateParams{OwnerID: ownerOf(alice)})
	if token != "" {
		t.Error("owned paste should not get a deletion token")
	}
}

func TestCreateRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tests := []struct {
		name   string
		params domain.CreateParams
		want   error
	}{
		{"empty", domain.CreateParams{Content: "  \n"}, domain.ErrContentRequired},
		{"too large", domain.CreateParams{Content: strings.Repeat("a", 64*1024+1)}, domain.ErrPasteTooLarge},
		{"too many tags", domain.CreateParams{Content: "x", Tags: []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"}}, domain.ErrTooManyTags},
		{"project without owner", domain.CreateParams{Content: "x", ProjectID: new(int64)}, domain.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.pastes.Create(ctx, tt.params)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBurnAfterRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, _ := h.create(t, domain.CreateParams{Content: "secret", BurnAfterRead: true})

	got, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, "")
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if got.Content != "secret" {
		t.Errorf("content = %q", got.Content)
	}
	if _, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, ""); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("second read err = %v, want not found", err)
	}
}

func TestBurnAfterReadConcurrent(t *testing.T) {
	h := newHarness(t)
	p, _ := h.create(t, domain.CreateParams{Content: "once", BurnAfterRead: true})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.pastes.Get(context.Background(), domain.Viewer{}, p.ID, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d readers got the content, want 1", wins)
	}
}

func TestBurnOwnerReadKeepsPaste(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register(t, "alice")
	p, _ := h.create(t, domain.CreateParams{Content: "mine", BurnAfterRead: true, OwnerID: ownerOf(alice)})
	if _, err := h.pastes.Get(ctx, alice, p.ID, ""); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, ""); err != nil {
		t.Fatalf("paste burned by owner read: %v", err)
	}
}

func TestPasswordGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register(t, "alice")
	p, _ := h.create(t, domain.CreateParams{Content: "locked", Password: "hunter22", IsPublic: true, OwnerID: ownerOf(alice)})
	if !p.HasPassword {
		t.Fatal("HasPassword not set")
	}
	if _, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, ""); !errors.Is(err, domain.ErrPasswordRequired) {
		t.Errorf("no password err = %v", err)
	}
	if _, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, "nope"); !errors.Is(err, domain.ErrInvalidPassword) {
		t.Errorf("wrong password err = %v", err)
	}
	if got, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, "hunter22"); err != nil || got.Content != "locked" {
		t.Errorf("right password: %v", err)
	}
	if _, err := h.pastes.Get(ctx, alice, p.ID, ""); err != nil {
		t.Errorf("owner should bypass password: %v", err)
	}
}

func TestExpiredPaste(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()
	exp := now.Add(time.Minute)
	p, _ := h.create(t, domain.CreateParams{Content: "soon gone", ExpiresAt: &exp})
	if _, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, ""); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}
	h.pastes.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, ""); !errors.Is(err, domain.ErrPasteExpired) {
		t.Errorf("err = %v, want expired", err)
	}
	if _, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, ""); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("expired paste not deleted: %v", err)
	}
}

func TestPrivatePaste(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register(t, "alice")
	bob := h.register(t, "bob")
	p, _ := h.create(t, domain.CreateParams{Content: "private", OwnerID: ownerOf(alice)})

	if _, err := h.pastes.Get(ctx, bob, p.ID, ""); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("bob err = %v, want not found", err)
	}
	if _, err := h.pastes.Get(ctx, alice, p.ID, ""); err != nil {
		t.Errorf("owner read: %v", err)
	}
	admin := domain.Viewer{UserID: bob.UserID, Role: domain.RoleAdmin}
	if _, err := h.pastes.Get(ctx, admin, p.ID, ""); err != nil {
		t.Errorf("admin read: %v", err)
	}

	anon, _ := h.create(t, domain.CreateParams{Content: "unlisted"})
	if _, err := h.pastes.Get(ctx, bob, anon.ID, ""); err != nil {
		t.Errorf("private anonymous paste should be readable by link: %v", err)
	}
}

func TestGetInvalidID(t *testing.T) {
	h := newHarness(t)
	if _, err := h.pastes.Get(context.Background(), domain.Viewer{}, "../../etc", ""); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestDeleteWithToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, token := h.create(t, domain.CreateParams{Content: "bye"})
	other, _ := h.create(t, domain.CreateParams{Content: "other"})

	if err := h.pastes.Delete(ctx, domain.Viewer{}, other.ID, token); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("token for another paste err = %v", err)
	}
	if err := h.pastes.Delete(ctx, domain.Viewer{}, p.ID, ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("no token err = %v", err)
	}
	if err := h.pastes.Delete(ctx, domain.Viewer{}, p.ID, token); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, ""); !errors.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("deleted paste still readable: %v", err)
	}
}

func TestDeleteOwned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register(t, "alice")
	bob := h.register(t, "bob")
	p, _ := h.create(t, domain.CreateParams{Content: "x", IsPublic: true, OwnerID: ownerOf(alice)})
	if err := h.pastes.Delete(ctx, bob, p.ID, ""); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("bob err = %v", err)
	}
	if err := h.pastes.Delete(ctx, alice, p.ID, ""); err != nil {
		t.Errorf("owner delete: %v", err)
	}
}

func TestUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register(t, "alice")
	bob := h.register(t, "bob")
	p, _ := h.create(t, domain.CreateParams{Content: "v1", IsPublic: true, OwnerID: ownerOf(alice)})
	if _, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, ""); err != nil {
		t.Fatal(err)
	}

	body, title, pw := "v2", "renamed", "s3cretpw"
	if _, err := h.pastes.Update(ctx, bob, p.ID, domain.UpdateParams{Content: &body}); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("bob update err = %v", err)
	}
	up, err := h.pastes.Update(ctx, alice, p.ID, domain.UpdateParams{Content: &body, Title: &title, Password: &pw, SetTags: true, Tags: []string{"x"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if up.Title != "renamed" || !up.HasPassword || len(up.Tags) != 1 {
		t.Errorf("unexpected update %+v", up)
	}
	got, err := h.pastes.Get(ctx, domain.Viewer{}, p.ID, pw)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.Content != "v2" {
		t.Errorf("stale content %q served after update", got.Content)
	}

	up, err = h.pastes.Update(ctx, alice, p.ID, domain.UpdateParams{ClearPassword: true})
	if err != nil || up.HasPassword {
		t.Errorf("clear password: %v %+v", err, up)
	}
}

func TestRelated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src, _ := h.create(t, domain.CreateParams{Language: "go", Tags: []string{"cli", "db"}, IsPublic: true})
	a, _ := h.create(t, domain.CreateParams{Language: "go", Tags: []string{"cli"}, IsPublic: true})
	b, _ := h.create(t, domain.CreateParams{Language: "python", Tags: []string{"cli", "db"}, IsPublic: true})
	h.create(t, domain.CreateParams{Language: "python", IsPublic: true})
	h.create(t, domain.CreateParams{Language: "go", Tags: []string{"cli"}})

	got, err := h.pastes.Related(ctx, domain.Viewer{}, src.ID, "", 5)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
		ids := make([]string, len(got))
		for i, p := range got {
			ids[i] = p.ID
		}
		t.Errorf("related = %v, want [%s %s]", ids, a.ID, b.ID)
	}
}

func TestListPublic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, domain.CreateParams{Language: "go", Tags: []string{"web"}, IsPublic: true})
	h.create(t, domain.CreateParams{Language: "rust", IsPublic: true})
	h.create(t, domain.CreateParams{Language: "go"})
	h.create(t, domain.CreateParams{Language: "go", IsPublic: true, BurnAfterRead: true})

	got, err := h.pastes.List(ctx, domain.ListFilter{Language: "go"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d pastes, want 1", len(got))
	}
	got, err = h.pastes.List(ctx, domain.ListFilter{Tag: "WEB"})
	if err != nil || len(got) != 1 {
		t.Errorf("tag filter: %v, %d results", err, len(got))
	}
}

func TestPurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()
	exp := now.Add(time.Minute)
	p, _ := h.create(t, domain.CreateParams{ExpiresAt: &exp})
	keep, _ := h.create(t, domain.CreateParams{})

	purger, err := NewPurger(h.pastes, "@every 1h", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	h.pastes.now = func() time.Time { return now.Add(2 * time.Minute) }
	n, err := purger.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if ok, _ := h.store.PasteExists(ctx, p.ID); ok {
		t.Error("expired paste survived purge")
	}
	if ok, _ := h.store.PasteExists(ctx, keep.ID); !ok {
		t.Error("live paste purged")
	}
}

func TestNewPurgerRejectsBadSchedule(t *testing.T) {
	h := newHarness(t)
	if _, err := NewPurger(h.pastes, "every now and then", time.Minute); err == nil {
		t.Error("expected error")
	}
}

func TestShutdownRefusesWork(t *testing.T) {
	h := newHarness(t)
	h.pastes.Shutdown()
	if _, _, err := h.pastes.Create(context.Background(), domain.CreateParams{Content: "x"}); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestListingsHideBurnAndProtectedFromStrangers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.register(t, "alice")
	bob := h.register(t, "bob")
	plain, _ := h.create(t, domain.CreateParams{IsPublic: true, OwnerID: ownerOf(alice)})
	burn, _ := h.create(t, domain.CreateParams{Content: "secret", IsPublic: true, BurnAfterRead: true, OwnerID: ownerOf(alice)})
	locked, _ := h.create(t, domain.CreateParams{IsPublic: true, Password: "hunter22", OwnerID: ownerOf(alice)})

	for _, v := range []domain.Viewer{{}, bob} {
		got, err := h.pastes.ByUser(ctx, v, "alice", domain.Page{})
		if err != nil {
			t.Fatalf("ByUser: %v", err)
		}
		if len(got) != 1 || got[0].ID != plain.ID {
			t.Errorf("viewer %d sees %d pastes, want only %s", v.UserID, len(got), plain.ID)
		}
	}
	own, err := h.pastes.ByUser(ctx, alice, "alice", domain.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(own) != 3 {
		t.Errorf("owner sees %d pastes, want 3", len(own))
	}
	prof, err := h.users.Profile(ctx, bob, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if prof.PasteCount != 1 {
		t.Errorf("profile paste count %d, want 1", prof.PasteCount)
	}

	name := "mixed"
	col, err := h.cols.Create(ctx, alice, domain.CollectionParams{Name: &name})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{plain.ID, burn.ID, locked.ID} {
		if err := h.cols.AddPaste(ctx, alice, col.ID, id); err != nil {
			t.Fatalf("AddPaste %s: %v", id, err)
		}
	}
	view, err := h.cols.Get(ctx, bob, col.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Pastes) != 1 || view.Pastes[0].ID != plain.ID {
		t.Errorf("collection shows %d pastes to a stranger, want 1", len(view.Pastes))
	}

	proj := "tools"
	pr, err := h.projects.Create(ctx, alice, domain.ProjectParams{Name: &proj})
	if err != nil {
		t.Fatal(err)
	}
	h.create(t, domain.CreateParams{IsPublic: true, BurnAfterRead: true, OwnerID: ownerOf(alice), ProjectID: &pr.ID})
	if got, err := h.projects.Pastes(ctx, bob, pr.ID, domain.Page{}); err != nil || len(got) != 0 {
		t.Errorf("project listing leaked burn paste: %d %v", len(got), err)
	}

	// the listing must not have consumed the burn paste
	got, err := h.pastes.Get(ctx, bob, burn.ID, "")
	if err != nil || got.Content != "secret" {
		t.Fatalf("burn paste read: %v", err)
	}
}
