package svc

import (
	"context"
	"strings"
	"time"

	"pasteforge/pkg/domain"
	"pasteforge/svc/db"
)

type Collections struct {
	db     *db.SQLite
	pastes *Paste
	now    func() time.Time
}

func NewCollections(store *db.SQLite, pastes *Paste) *Collections {
	return &Collections{db: store, pastes: pastes, now: time.Now}
}

// CollectionView is a collection together with the pastes v may see in it.
type CollectionView struct {
	*domain.Collection
	Pastes []*domain.Paste `json:"pastes"`
}

// applyGroupParams validates and applies name/description/visibility edits
// shared by collections and projects.
func applyGroupParams(p domain.CollectionParams, name, desc *string, public *bool) error {
	if p.Name != nil {
		n := strings.TrimSpace(*p.Name)
		if n == "" {
			return domain.ErrNameRequired
		}
		if len([]rune(n)) > domain.MaxNameLength {
			return domain.ErrTextTooLong
		}
		*name = n
	}
	if p.Description != nil {
		d := strings.TrimSpace(*p.Description)
		if len([]rune(d)) > domain.MaxDescriptionLength {
			return domain.ErrTextTooLong
		}
		*desc = d
	}
	if p.IsPublic != nil {
		*public = *p.IsPublic
	}
	return nil
}

func (c *Collections) Create(ctx context.Context, v domain.Viewer, p domain.CollectionParams) (*domain.Collection, error) {
	if !v.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	if p.Name == nil {
		return nil, domain.ErrNameRequired
	}
	col := &domain.Collection{UserID: v.UserID, IsPublic: true, CreatedAt: c.now().UTC()}
	if err := applyGroupParams(p, &col.Name, &col.Description, &col.IsPublic); err != nil {
		return nil, err
	}
	if err := c.db.CreateCollection(ctx, col); err != nil {
		return nil, err
	}
	return c.db.Collection(ctx, col.ID)
}

// visible loads a collection; private ones read as missing to non-owners.
func (c *Collections) visible(ctx context.Context, v domain.Viewer, id int64) (*domain.Collection, error) {
	col, err := c.db.Collection(ctx, id)
	if err != nil {
		return nil, err
	}
	if !col.IsPublic && col.UserID != v.UserID && !v.IsAdmin() {
		return nil, domain.ErrCollectionNotFound
	}
	return col, nil
}

func (c *Collections) owned(ctx context.Context, v domain.Viewer, id int64) (*domain.Collection, error) {
	if !v.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	col, err := c.visible(ctx, v, id)
	if err != nil {
		return nil, err
	}
	if col.UserID != v.UserID && !v.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	return col, nil
}

func (c *Collections) Get(ctx context.Context, v domain.Viewer, id int64) (*CollectionView, error) {
	col, err := c.visible(ctx, v, id)
	if err != nil {
		return nil, err
	}
	own := col.UserID == v.UserID || v.IsAdmin()
	pastes, err := c.db.CollectionPastes(ctx, id, own, c.now())
	if err != nil {
		return nil, err
	}
	for i, p := range pastes {
		pastes[i] = p.Summary()
	}
	return &CollectionView{Collection: col, Pastes: pastes}, nil
}

func (c *Collections) ByUser(ctx context.Context, v domain.Viewer, username string) ([]*domain.Collection, error) {
	u, err := c.db.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return c.db.CollectionsByUser(ctx, u.ID, u.ID == v.UserID || v.IsAdmin())
}

func (c *Collections) Mine(ctx context.Context, v domain.Viewer) ([]*domain.Collection, error) {
	if !v.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	return c.db.CollectionsByUser(ctx, v.UserID, true)
}

func (c *Collections) Update(ctx context.Context, v domain.Viewer, id int64, p domain.CollectionParams) (*domain.Collection, error) {
	col, err := c.owned(ctx, v, id)
	if err != nil {
		return nil, err
	}
	if err := applyGroupParams(p, &col.Name, &col.Description, &col.IsPublic); err != nil {
		return nil, err
	}
	if err := c.db.UpdateCollection(ctx, col); err != nil {
		return nil, err
	}
	return col, nil
}

func (c *Collections) Delete(ctx context.Context, v domain.Viewer, id int64) error {
	if _, err := c.owned(ctx, v, id); err != nil {
		return err
	}
	return c.db.DeleteCollection(ctx, id)
}

// AddPaste adds a paste the owner can currently see.
func (c *Collections) AddPaste(ctx context.Context, v domain.Viewer, id int64, pasteID string) error {
	if _, err := c.owned(ctx, v, id); err != nil {
		return err
	}
	paste, err := c.db.GetPaste(ctx, pasteID)
	if err != nil {
		return err
	}
	if paste.Expired(c.now()) {
		return domain.ErrPasteExpired
	}
	if !paste.IsPublic && paste.OwnerID != nil && !paste.OwnedBy(v.UserID) && !v.IsAdmin() {
		return domain.ErrPasteNotFound
	}
	return c.db.AddToCollection(ctx, id, pasteID, c.now())
}

func (c *Collections) RemovePaste(ctx context.Context, v domain.Viewer, id int64, pasteID string) error {
	if _, err := c.owned(ctx, v, id); err != nil {
		return err
	}
	return c.db.RemoveFromCollection(ctx, id, pasteID)
}
