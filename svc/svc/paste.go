package svc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"pasteforge/cfg"
	"pasteforge/metrics"
	"pasteforge/pkg/domain"
	"pasteforge/pkg/kms"
	"pasteforge/svc/auth"
	"pasteforge/svc/cache"
	"pasteforge/svc/db"
	"pasteforge/svc/util"
)

const cacheTTL = 10 * time.Minute

type Paste struct {
	db     *db.SQLite
	lru    *cache.LRU
	rdb    *db.Redis
	hasher *auth.Hasher
	env    *kms.Envelope
	tokens *util.DeletionTokens
	cfg    *cfg.Cfg
	now    func() time.Time

	viewQueue       chan string
	viewWorkerWg    sync.WaitGroup
	activeCreateOps int32
	shutdownCtx     context.Context
	shutdownFn      context.CancelFunc
	shutdown        atomic.Bool
	opWg            sync.WaitGroup
}

// NewPaste wires the paste service. rdb may be nil.
func NewPaste(store *db.SQLite, lru *cache.LRU, rdb *db.Redis, h *auth.Hasher, env *kms.Envelope, tokens *util.DeletionTokens, c *cfg.Cfg) *Paste {
	if store == nil || lru == nil || h == nil || env == nil || tokens == nil || c == nil {
		panic("paste service: nil dependency")
	}
	workers := c.WorkerPoolSize
	if workers <= 0 {
		workers = 8
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	p := &Paste{
		db:          store,
		lru:         lru,
		rdb:         rdb,
		hasher:      h,
		env:         env,
		tokens:      tokens,
		cfg:         c,
		now:         time.Now,
		viewQueue:   make(chan string, workers*100),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	for i := 0; i < workers; i++ {
		p.viewWorkerWg.Add(1)
		go p.viewWorker()
	}
	return p
}

func (p *Paste) viewWorker() {
	defer p.viewWorkerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("view worker panicked")
		}
	}()
	for id := range p.viewQueue {
		ctx, cancel := context.WithTimeout(p.shutdownCtx, 5*time.Second)
		if err := p.db.IncrViews(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			util.Warn().Err(err).Str("id", id).Msg("failed to incr views")
		}
		cancel()
	}
}

func (p *Paste) queueView(id string) {
	if p.shutdown.Load() {
		return
	}
	select {
	case p.viewQueue <- id:
	default:
		util.Warn().Str("id", id).Msg("view queue full, dropping increment")
	}
}

// Shutdown drains queued view increments, then stops the KEK cache.
func (p *Paste) Shutdown() {
	if !p.shutdown.CompareAndSwap(false, true) {
		return
	}
	p.opWg.Wait()
	close(p.viewQueue)
	done := make(chan struct{})
	go func() {
		p.viewWorkerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("view workers didn't stop in time")
	}
	p.shutdownFn()
	p.env.Stop()
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return domain.ErrUnavailable
	}
	p.opWg.Add(1)
	return nil
}

func (p *Paste) Presets() []ExpiryPreset {
	return Presets(p.cfg.TTLPresets)
}

func sanitizeContent(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

func (p *Paste) seal(ctx context.Context, id, content string) ([]byte, []byte, error) {
	raw, err := json.Marshal(domain.Blob{Content: content, Version: 1})
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal blob")
	}
	defer util.Wipe(raw)
	blob, dek, err := p.env.Seal(ctx, id, raw)
	if err != nil {
		metrics.EncryptionOps.WithLabelValues("seal_error").Inc()
		return nil, nil, errors.Wrap(err, "seal content")
	}
	metrics.EncryptionOps.WithLabelValues("seal").Inc()
	return blob, dek, nil
}

func (p *Paste) open(ctx context.Context, row *domain.Paste) error {
	raw, err := p.env.Open(ctx, row.ID, row.EncryptedBlob, row.EncryptedDEK)
	if err != nil {
		metrics.EncryptionOps.WithLabelValues("open_error").Inc()
		return errors.Wrap(err, "open content")
	}
	defer util.Wipe(raw)
	var b domain.Blob
	if err := json.Unmarshal(raw, &b); err != nil {
		return errors.Wrap(err, "unmarshal blob")
	}
	metrics.EncryptionOps.WithLabelValues("open").Inc()
	row.Content = b.Content
	return nil
}

func (p *Paste) validate(title, content, language *string) error {
	if content != nil {
		*content = sanitizeContent(*content)
		if strings.TrimSpace(*content) == "" {
			return domain.ErrContentRequired
		}
		if int64(len(*content)) > p.cfg.MaxPasteSize {
			return domain.ErrPasteTooLarge
		}
	}
	if title != nil {
		*title = strings.TrimSpace(sanitizeContent(*title))
		if *title == "" {
			*title = domain.DefaultTitle
		}
		if len([]rune(*title)) > domain.MaxTitleLength {
			return domain.ErrTitleTooLong
		}
	}
	if language != nil {
		*language = strings.ToLower(strings.TrimSpace(*language))
		if *language == "" {
			*language = domain.DefaultLang
		}
		if len(*language) > 32 {
			return domain.ErrInvalidRequest
		}
	}
	return nil
}

// Create stores a new paste. Anonymous pastes get a deletion token, returned
// once and never stored in plaintext.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, string, error) {
	if err := p.begin(); err != nil {
		return nil, "", err
	}
	defer p.opWg.Done()
	load := atomic.AddInt32(&p.activeCreateOps, 1)
	defer atomic.AddInt32(&p.activeCreateOps, -1)
	if p.cfg.MaxWorkerLoad > 0 && load > int32(p.cfg.MaxWorkerLoad) {
		return nil, "", domain.ErrUnavailable
	}
	if err := p.validate(&params.Title, &params.Content, &params.Language); err != nil {
		return nil, "", err
	}
	tags, err := domain.NormalizeTags(params.Tags)
	if err != nil {
		return nil, "", err
	}
	if params.ProjectID != nil {
		if params.OwnerID == nil {
			return nil, "", domain.ErrUnauthorized
		}
		pr, err := p.db.Project(ctx, *params.ProjectID)
		if err != nil {
			return nil, "", err
		}
		if pr.UserID != *params.OwnerID {
			return nil, "", domain.ErrProjectNotFound
		}
	}
	id, err := util.GenID(func(id string) (bool, error) {
		return p.db.PasteExists(ctx, id)
	})
	if err != nil {
		return nil, "", domain.ErrIDGenerationFailed
	}
	blob, dek, err := p.seal(ctx, id, params.Content)
	if err != nil {
		return nil, "", err
	}
	var pwHash string
	if params.Password != "" {
		if pwHash, err = p.hasher.Hash(ctx, params.Password); err != nil {
			return nil, "", errors.Wrap(err, "hash paste password")
		}
	}
	var token, tokenHash string
	if params.OwnerID == nil {
		if token, err = p.tokens.Generate(id); err != nil {
			return nil, "", errors.Wrap(err, "gen deletion token")
		}
		tokenHash = util.HashToken(token)
	}
	now := p.now().UTC().Truncate(time.Second)
	paste := &domain.Paste{
		ID:                id,
		Title:             params.Title,
		Language:          params.Language,
		Tags:              tags,
		IsPublic:          params.IsPublic,
		BurnAfterRead:     params.BurnAfterRead,
		HasPassword:       pwHash != "",
		OwnerID:           params.OwnerID,
		ProjectID:         params.ProjectID,
		CurrentVersion:    1,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         params.ExpiresAt,
		EncryptedBlob:     blob,
		EncryptedDEK:      dek,
		PasswordHash:      pwHash,
		DeletionTokenHash: tokenHash,
		ClientIPHash:      params.ClientIPHash,
	}
	if err := p.db.CreatePaste(ctx, paste); err != nil {
		return nil, "", err
	}
	paste.Content = params.Content
	p.store(ctx, paste)
	metrics.PasteCreated.Inc()
	util.Ctx(ctx).Info().Str("id", id).Bool("burn", paste.BurnAfterRead).Bool("anonymous", paste.OwnerID == nil).Msg("paste created")
	return paste, token, nil
}

func (p *Paste) ttlFor(paste *domain.Paste) time.Duration {
	ttl := cacheTTL
	if paste.ExpiresAt != nil {
		if until := paste.ExpiresAt.Sub(p.now()); until < ttl {
			ttl = until
		}
	}
	return ttl
}

// store populates both cache tiers. Burn pastes are never cached.
func (p *Paste) store(ctx context.Context, paste *domain.Paste) {
	if paste.BurnAfterRead {
		return
	}
	ttl := p.ttlFor(paste)
	if ttl <= 0 {
		return
	}
	p.lru.Set(paste, ttl)
	if p.rdb != nil {
		if err := p.rdb.CachePaste(ctx, paste, ttl); err != nil {
			util.Warn().Err(err).Str("id", paste.ID).Msg("failed to cache in Redis")
		}
	}
}

func (p *Paste) evict(ctx context.Context, paste *domain.Paste) {
	p.lru.Delete(paste.ID)
	if p.rdb != nil {
		if err := p.rdb.DeletePaste(ctx, paste.ID); err != nil {
			util.Warn().Err(err).Str("id", paste.ID).Msg("failed to delete from Redis")
		}
	}
	if len(paste.EncryptedDEK) > 0 {
		p.env.Forget(paste.EncryptedDEK)
	}
}

// lookup finds a paste in LRU, then Redis, then SQLite, decrypting as needed.
func (p *Paste) lookup(ctx context.Context, id string) (*domain.Paste, error) {
	if !util.ValidID(id) {
		return nil, domain.ErrPasteNotFound
	}
	if paste, ok := p.lru.Get(id); ok {
		metrics.CacheHits.WithLabelValues("lru").Inc()
		return paste, nil
	}
	if p.rdb != nil {
		paste, err := p.rdb.GetPaste(ctx, id)
		if err != nil {
			util.Warn().Err(err).Str("id", id).Msg("redis lookup failed")
		}
		if paste != nil {
			if err := p.open(ctx, paste); err == nil {
				metrics.CacheHits.WithLabelValues("redis").Inc()
				p.lru.Set(paste, p.ttlFor(paste))
				return paste, nil
			}
			p.rdb.DeletePaste(ctx, id)
		}
	}
	metrics.CacheMisses.Inc()
	paste, err := p.db.GetPaste(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.open(ctx, paste); err != nil {
		return nil, err
	}
	if !paste.Expired(p.now()) {
		p.store(ctx, paste)
	}
	return paste, nil
}

func canManage(v domain.Viewer, paste *domain.Paste) bool {
	return v.IsAdmin() || (v.Authenticated() && paste.OwnedBy(v.UserID))
}

// gate applies the password, expiration and visibility checks in order.
func (p *Paste) gate(ctx context.Context, v domain.Viewer, paste *domain.Paste, password string) error {
	privileged := canManage(v, paste)
	if paste.HasPassword && !privileged {
		if password == "" {
			metrics.PasteDenied.WithLabelValues("password_required").Inc()
			return domain.ErrPasswordRequired
		}
		if ok, _ := p.hasher.Verify(password, paste.PasswordHash); !ok {
			metrics.PasteDenied.WithLabelValues("password").Inc()
			return domain.ErrInvalidPassword
		}
	}
	if paste.Expired(p.now()) {
		metrics.PasteDenied.WithLabelValues("expired").Inc()
		p.evict(ctx, paste)
		if err := p.db.DeletePaste(ctx, paste.ID); err != nil && !errors.Is(err, domain.ErrPasteNotFound) {
			util.Warn().Err(err).Str("id", paste.ID).Msg("failed to delete expired paste")
		}
		return domain.ErrPasteExpired
	}
	// private anonymous pastes are unlisted: the link is the capability
	if !paste.IsPublic && paste.OwnerID != nil && !privileged {
		metrics.PasteDenied.WithLabelValues("private").Inc()
		return domain.ErrPasteNotFound
	}
	return nil
}

// Get runs the full retrieval chain: lookup, password, expiration,
// visibility, view increment, burn.
func (p *Paste) Get(ctx context.Context, v domain.Viewer, id, password string) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	paste, err := p.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.gate(ctx, v, paste, password); err != nil {
		return nil, err
	}
	paste.Views++
	if paste.BurnAfterRead && !(v.Authenticated() && paste.OwnedBy(v.UserID)) {
		won, err := p.db.BurnPaste(ctx, paste.ID)
		if err != nil {
			return nil, err
		}
		p.evict(ctx, paste)
		if !won {
			return nil, domain.ErrPasteNotFound
		}
		metrics.PasteBurned.Inc()
		util.Ctx(ctx).Info().Str("id", paste.ID).Msg("paste burned after read")
	} else {
		p.queueView(paste.ID)
	}
	metrics.PasteRetrieved.Inc()
	return paste, nil
}

// Peek resolves a paste through the gates without counting a view or
// burning it. Used for comments, related pastes and collections.
func (p *Paste) Peek(ctx context.Context, v domain.Viewer, id, password string) (*domain.Paste, error) {
	paste, err := p.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.gate(ctx, v, paste, password); err != nil {
		return nil, err
	}
	return paste, nil
}

func (p *Paste) Update(ctx context.Context, v domain.Viewer, id string, params domain.UpdateParams) (*domain.Paste, error) {
	if !v.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	row, err := p.db.GetPaste(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canManage(v, row) {
		if row.IsPublic || row.OwnerID == nil {
			return nil, domain.ErrForbidden
		}
		return nil, domain.ErrPasteNotFound
	}
	if row.Expired(p.now()) {
		return nil, domain.ErrPasteExpired
	}
	if err := p.validate(params.Title, params.Content, params.Language); err != nil {
		return nil, err
	}
	oldDEK := row.EncryptedDEK
	if params.Content != nil {
		if row.EncryptedBlob, row.EncryptedDEK, err = p.seal(ctx, row.ID, *params.Content); err != nil {
			return nil, err
		}
		row.Content = *params.Content
	} else if err := p.open(ctx, row); err != nil {
		return nil, err
	}
	if params.Title != nil {
		row.Title = *params.Title
	}
	if params.Language != nil {
		row.Language = *params.Language
	}
	if params.SetTags {
		if row.Tags, err = domain.NormalizeTags(params.Tags); err != nil {
			return nil, err
		}
	}
	if params.IsPublic != nil {
		row.IsPublic = *params.IsPublic
	}
	switch {
	case params.ClearPassword:
		row.PasswordHash = ""
	case params.Password != nil && *params.Password != "":
		if row.PasswordHash, err = p.hasher.Hash(ctx, *params.Password); err != nil {
			return nil, errors.Wrap(err, "hash paste password")
		}
	}
	row.HasPassword = row.PasswordHash != ""
	row.UpdatedAt = p.now().UTC().Truncate(time.Second)
	if err := p.db.UpdatePaste(ctx, row); err != nil {
		return nil, err
	}
	p.evict(ctx, &domain.Paste{ID: row.ID, EncryptedDEK: oldDEK})
	return row, nil
}

// Delete removes a paste for its owner, an admin, or the holder of the
// anonymous deletion token.
func (p *Paste) Delete(ctx context.Context, v domain.Viewer, id, token string) error {
	row, err := p.db.GetPaste(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case canManage(v, row):
	case token != "":
		if row.DeletionTokenHash == "" {
			return domain.ErrForbidden
		}
		if err := p.tokens.Verify(ctx, token, id); err != nil {
			util.Ctx(ctx).Warn().Err(err).Str("id", id).Msg("deletion token rejected")
			return domain.ErrForbidden
		}
		if subtle.ConstantTimeCompare([]byte(util.HashToken(token)), []byte(row.DeletionTokenHash)) != 1 {
			return domain.ErrForbidden
		}
	case v.Authenticated():
		return domain.ErrForbidden
	default:
		return domain.ErrUnauthorized
	}
	if err := p.db.DeletePaste(ctx, id); err != nil {
		return err
	}
	p.evict(ctx, row)
	util.Ctx(ctx).Info().Str("id", id).Msg("paste deleted")
	return nil
}

func (p *Paste) List(ctx context.Context, f domain.ListFilter) ([]*domain.Paste, error) {
	return p.db.ListPublic(ctx, f, p.now())
}

// Related returns pastes similar to id. The source must be visible to v.
func (p *Paste) Related(ctx context.Context, v domain.Viewer, id, password string, limit int) ([]*domain.Paste, error) {
	src, err := p.Peek(ctx, v, id, password)
	if err != nil {
		return nil, err
	}
	return p.db.Related(ctx, src, limit, p.now())
}

func (p *Paste) ByUser(ctx context.Context, v domain.Viewer, username string, page domain.Page) ([]*domain.Paste, error) {
	u, err := p.db.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return p.db.ListByUser(ctx, u.ID, v.IsAdmin() || v.UserID == u.ID, page, p.now())
}

// Purge deletes expired pastes and stale token rows, evicting caches.
func (p *Paste) Purge(ctx context.Context) (int, error) {
	ids, err := p.db.CleanupExpired(ctx, p.now())
	for _, id := range ids {
		p.lru.Delete(id)
		if p.rdb != nil {
			p.rdb.DeletePaste(ctx, id)
		}
	}
	metrics.PurgedPastes.Add(float64(len(ids)))
	if err != nil {
		return len(ids), err
	}
	if _, err := p.db.PruneTokens(ctx, p.now()); err != nil {
		return len(ids), err
	}
	return len(ids), nil
}
