package domain

import (
	"strings"
	"time"
)

const (
	MaxTags        = 10
	MaxTagLength   = 32
	MaxTitleLength = 200
	DefaultTitle   = "Untitled"
	DefaultLang    = "plaintext"
)

type Paste struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Content           string     `json:"content,omitempty"`
	Language          string     `json:"language"`
	Tags              []string   `json:"tags"`
	IsPublic          bool       `json:"is_public"`
	BurnAfterRead     bool       `json:"burn_after_read"`
	HasPassword       bool       `json:"has_password"`
	OwnerID           *int64     `json:"owner_id,omitempty"`
	OwnerName         string     `json:"owner,omitempty"`
	ProjectID         *int64     `json:"project_id,omitempty"`
	Views             int64      `json:"views"`
	CurrentVersion    int        `json:"current_version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	EncryptedBlob     []byte     `json:"-"`
	EncryptedDEK      []byte     `json:"-"`
	PasswordHash      string     `json:"-"`
	DeletionTokenHash string     `json:"-"`
	ClientIPHash      string     `json:"-"`
}

func (p *Paste) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}
func (p *Paste) OwnedBy(userID int64) bool {
	return p.OwnerID != nil && *p.OwnerID == userID
}

// Summary drops the content, used for listings.
func (p *Paste) Summary() *Paste {
	cp := *p
	cp.Content = ""
	return &cp
}

// Blob is the plaintext sealed into Paste.EncryptedBlob.
type Blob struct {
	Content string `json:"content"`
	Version int    `json:"version"`
}

type CreateParams struct {
	Title         string
	Content       string
	Language      string
	Password      string
	ExpiresAt     *time.Time
	IsPublic      bool
	BurnAfterRead bool
	Tags          []string
	OwnerID       *int64
	ProjectID     *int64
	ClientIPHash  string
}

type UpdateParams struct {
	Title         *string
	Content       *string
	Language      *string
	Tags          []string
	SetTags       bool
	IsPublic      *bool
	Password      *string
	ClearPassword bool
}

type ListFilter struct {
	Tag      string
	Language string
	Query    string
	Limit    int
	Offset   int
}

func (f *ListFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Tag = strings.ToLower(strings.TrimSpace(f.Tag))
	f.Language = strings.ToLower(strings.TrimSpace(f.Language))
	f.Query = strings.TrimSpace(f.Query)
}

// Viewer identifies who is asking for a paste. Zero value is anonymous.
type Viewer struct {
	UserID int64
	Role   string
}

func (v Viewer) Authenticated() bool { return v.UserID != 0 }
func (v Viewer) IsAdmin() bool       { return v.Role == RoleAdmin }

// NormalizeTags lower-cases, trims, dedups and drops empty tags.
// Tags are stored comma separated so commas inside a tag split it.
func NormalizeTags(in []string) ([]string, error) {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, t := range strings.Split(raw, ",") {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" {
				continue
			}
			if r := []rune(t); len(r) > MaxTagLength {
				t = string(r[:MaxTagLength])
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	if len(out) > MaxTags {
		return nil, ErrTooManyTags
	}
	return out, nil
}
func JoinTags(tags []string) string {
	return strings.Join(tags, ",")
}
func SplitTags(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
