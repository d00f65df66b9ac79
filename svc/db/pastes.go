package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"pasteforge/pkg/domain"
)

const pasteCols = `p.id, p.title, p.encrypted_blob, p.encrypted_dek, p.language,
	COALESCE(p.password_hash, ''), p.expire_time, p.is_public, p.burn_after_read, p.tags,
	p.user_id, COALESCE(u.username, ''), p.project_id, p.views, p.current_version,
	COALESCE(p.deletion_token_hash, ''), COALESCE(p.client_ip_hash, ''), p.created_at, p.updated_at`

const pasteFrom = ` FROM pastes p LEFT JOIN users u ON u.id = p.user_id`

// strangerFilter hides what a non-owner could only open with a secret or
// would destroy by opening.
const strangerFilter = ` AND p.is_public = 1 AND p.burn_after_read = 0
	AND (p.password_hash IS NULL OR p.password_hash = '')`

// liveFilter keeps listings to pastes anyone may see without a secret.
const liveFilter = ` (p.expire_time IS NULL OR p.expire_time > ?)` + strangerFilter

type scanner interface {
	Scan(dest ...any) error
}

func scanPaste(r scanner) (*domain.Paste, error) {
	var (
		p                domain.Paste
		expire           sql.NullInt64
		owner, project   sql.NullInt64
		isPublic, burn   int
		tags             string
		created, updated int64
	)
	err := r.Scan(&p.ID, &p.Title, &p.EncryptedBlob, &p.EncryptedDEK, &p.Language,
		&p.PasswordHash, &expire, &isPublic, &burn, &tags,
		&owner, &p.OwnerName, &project, &p.Views, &p.CurrentVersion,
		&p.DeletionTokenHash, &p.ClientIPHash, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.ExpiresAt = timePtr(expire)
	p.IsPublic = isPublic == 1
	p.BurnAfterRead = burn == 1
	p.HasPassword = p.PasswordHash != ""
	p.Tags = domain.SplitTags(tags)
	if owner.Valid {
		id := owner.Int64
		p.OwnerID = &id
	}
	if project.Valid {
		id := project.Int64
		p.ProjectID = &id
	}
	p.CreatedAt = fromUnix(created)
	p.UpdatedAt = fromUnix(updated)
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func (s *SQLite) CreatePaste(ctx context.Context, p *domain.Paste) error {
	_, err := s.exec(ctx, `INSERT INTO pastes (id, title, encrypted_blob, encrypted_dek, language,
		password_hash, expire_time, is_public, burn_after_read, tags, user_id, project_id,
		current_version, deletion_token_hash, client_ip_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		p.ID, p.Title, p.EncryptedBlob, p.EncryptedDEK, p.Language,
		nullString(p.PasswordHash), nullUnix(p.ExpiresAt), boolInt(p.IsPublic), boolInt(p.BurnAfterRead),
		domain.JoinTags(p.Tags), nullID(p.OwnerID), nullID(p.ProjectID),
		nullString(p.DeletionTokenHash), nullString(p.ClientIPHash), unix(p.CreatedAt), unix(p.UpdatedAt))
	return errors.Wrap(err, "db create paste")
}

// GetPaste returns the row even when expired; gating is the caller's job.
func (s *SQLite) GetPaste(ctx context.Context, id string) (*domain.Paste, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	p, err := scanPaste(s.db.QueryRowContext(qctx, `SELECT `+pasteCols+pasteFrom+` WHERE p.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get paste")
	}
	return p, nil
}

func (s *SQLite) UpdatePaste(ctx context.Context, p *domain.Paste) error {
	res, err := s.exec(ctx, `UPDATE pastes SET title = ?, encrypted_blob = ?, encrypted_dek = ?,
		language = ?, password_hash = ?, is_public = ?, tags = ?, updated_at = ? WHERE id = ?`,
		p.Title, p.EncryptedBlob, p.EncryptedDEK, p.Language, nullString(p.PasswordHash),
		boolInt(p.IsPublic), domain.JoinTags(p.Tags), unix(p.UpdatedAt), p.ID)
	if err != nil {
		return errors.Wrap(err, "db update paste")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

func (s *SQLite) DeletePaste(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM pastes WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "db delete paste")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

// BurnPaste deletes a burn-after-read paste. Only one caller sees true for
// a given id; that caller is the one allowed to show the content.
func (s *SQLite) BurnPaste(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM pastes WHERE id = ? AND burn_after_read = 1`, id)
	if err != nil {
		return false, errors.Wrap(err, "db burn paste")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "db burn rows")
	}
	return n == 1, nil
}

func (s *SQLite) IncrViews(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE pastes SET views = views + 1 WHERE id = ?`, id)
	return errors.Wrap(err, "incr views")
}

func (s *SQLite) PasteExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, []any{id}, &one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "exists check")
	}
	return true, nil
}

func (s *SQLite) listPastes(ctx context.Context, q string, args []any) ([]*domain.Paste, error) {
	out := make([]*domain.Paste, 0)
	err := s.query(ctx, q, args, func(r *sql.Rows) error {
		p, err := scanPaste(r)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListPublic returns public unprotected pastes, newest first.
func (s *SQLite) ListPublic(ctx context.Context, f domain.ListFilter, now time.Time) ([]*domain.Paste, error) {
	f.Normalize()
	q := `SELECT ` + pasteCols + pasteFrom + ` WHERE` + liveFilter
	args := []any{unix(now)}
	if f.Tag != "" {
		q += ` AND (',' || p.tags || ',') LIKE ? ESCAPE '\'`
		args = append(args, "%,"+likeEscape(f.Tag)+",%")
	}
	if f.Language != "" {
		q += ` AND p.language = ?`
		args = append(args, f.Language)
	}
	if f.Query != "" {
		q += ` AND p.title LIKE ? ESCAPE '\'`
		args = append(args, "%"+likeEscape(f.Query)+"%")
	}
	q += ` ORDER BY p.created_at DESC, p.id LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)
	out, err := s.listPastes(ctx, q, args)
	return out, errors.Wrap(err, "db list pastes")
}

// ListByUser lists a user's non-expired pastes. Without includePrivate it
// shows only what strangerFilter lets through.
func (s *SQLite) ListByUser(ctx context.Context, userID int64, includePrivate bool, page domain.Page, now time.Time) ([]*domain.Paste, error) {
	page.Normalize(20, 100)
	q := `SELECT ` + pasteCols + pasteFrom + ` WHERE p.user_id = ? AND (p.expire_time IS NULL OR p.expire_time > ?)`
	if !includePrivate {
		q += strangerFilter
	}
	q += ` ORDER BY p.created_at DESC, p.id LIMIT ? OFFSET ?`
	out, err := s.listPastes(ctx, q, []any{userID, unix(now), page.Limit, page.Offset})
	return out, errors.Wrap(err, "db list user pastes")
}

func (s *SQLite) ListByProject(ctx context.Context, projectID int64, includePrivate bool, page domain.Page, now time.Time) ([]*domain.Paste, error) {
	page.Normalize(20, 100)
	q := `SELECT ` + pasteCols + pasteFrom + ` WHERE p.project_id = ? AND (p.expire_time IS NULL OR p.expire_time > ?)`
	if !includePrivate {
		q += strangerFilter
	}
	q += ` ORDER BY p.created_at DESC, p.id LIMIT ? OFFSET ?`
	out, err := s.listPastes(ctx, q, []any{projectID, unix(now), page.Limit, page.Offset})
	return out, errors.Wrap(err, "db list project pastes")
}

// Related scores candidates in SQL: same language +3, each shared tag +2,
// same owner +1. Only positive scores are returned, best first.
func (s *SQLite) Related(ctx context.Context, src *domain.Paste, limit int, now time.Time) ([]*domain.Paste, error) {
	if limit <= 0 {
		limit = 5
	}
	if limit > 20 {
		limit = 20
	}
	score := `(CASE WHEN p.language = ? THEN 3 ELSE 0 END)`
	args := []any{src.Language}
	for _, t := range src.Tags {
		score += ` + (CASE WHEN (',' || p.tags || ',') LIKE ? ESCAPE '\' THEN 2 ELSE 0 END)`
		args = append(args, "%,"+likeEscape(t)+",%")
	}
	score += ` + (CASE WHEN p.user_id IS NOT NULL AND p.user_id = ? THEN 1 ELSE 0 END)`
	args = append(args, nullID(src.OwnerID))
	q := `SELECT ` + pasteCols + `, ` + score + ` AS score` + pasteFrom +
		` WHERE p.id <> ? AND` + liveFilter + ` ORDER BY score DESC, p.created_at DESC, p.id LIMIT ?`
	args = append(args, src.ID, unix(now), limit)
	out := make([]*domain.Paste, 0, limit)
	err := s.query(ctx, q, args, func(r *sql.Rows) error {
		var sc int
		p, err := scanPaste(scoreScanner{r, &sc})
		if err != nil {
			return err
		}
		// zero scores sort last, so dropping them keeps the top rows intact
		if sc > 0 {
			out = append(out, p)
		}
		return nil
	})
	return out, errors.Wrap(err, "db related pastes")
}

// scoreScanner appends the trailing score column to a paste scan.
type scoreScanner struct {
	r     *sql.Rows
	score *int
}

func (s scoreScanner) Scan(dest ...any) error {
	return s.r.Scan(append(dest, s.score)...)
}

func (s *SQLite) CountByUser(ctx context.Context, userID int64, includePrivate bool, now time.Time) (int, error) {
	q := `SELECT COUNT(*) FROM pastes p WHERE p.user_id = ? AND (p.expire_time IS NULL OR p.expire_time > ?)`
	if !includePrivate {
		q += strangerFilter
	}
	var n int
	err := s.queryRow(ctx, q, []any{userID, unix(now)}, &n)
	return n, errors.Wrap(err, "db count pastes")
}

// CleanupExpired deletes expired pastes in batches and returns their ids so
// caches can be invalidated.
func (s *SQLite) CleanupExpired(ctx context.Context, now time.Time) ([]string, error) {
	const batch = 100
	var purged []string
	for i := 0; i < 10000; i++ {
		select {
		case <-ctx.Done():
			return purged, ctx.Err()
		default:
		}
		ids := make([]string, 0, batch)
		err := s.query(ctx, `SELECT id FROM pastes WHERE expire_time IS NOT NULL AND expire_time <= ? LIMIT ?`,
			[]any{unix(now), batch}, func(r *sql.Rows) error {
				var id string
				if err := r.Scan(&id); err != nil {
					return err
				}
				ids = append(ids, id)
				return nil
			})
		if err != nil {
			return purged, errors.Wrap(err, "cleanup select")
		}
		if len(ids) == 0 {
			break
		}
		args := make([]any, 0, len(ids)+1)
		for _, id := range ids {
			args = append(args, id)
		}
		args = append(args, unix(now))
		q := `DELETE FROM pastes WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `) AND expire_time <= ?`
		if _, err := s.exec(ctx, q, args...); err != nil {
			return purged, errors.Wrap(err, "cleanup batch failed")
		}
		purged = append(purged, ids...)
		if len(ids) < batch {
			break
		}
	}
	return purged, nil
}
