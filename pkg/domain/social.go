package domain

import "time"

const (
	NotifyFollow  = "follow"
	NotifyComment = "comment"
	NotifyMessage = "message"
)

const (
	MaxCommentLength     = 2000
	MaxMessageLength     = 5000
	MaxNameLength        = 100
	MaxDescriptionLength = 1000
)

type Comment struct {
	ID        int64     `json:"id"`
	PasteID   string    `json:"paste_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Collection struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Owner       string    `json:"owner,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsPublic    bool      `json:"is_public"`
	PasteCount  int       `json:"paste_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type CollectionParams struct {
	Name        *string
	Description *string
	IsPublic    *bool
}

type Project struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Owner       string    `json:"owner,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsPublic    bool      `json:"is_public"`
	PasteCount  int       `json:"paste_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type ProjectParams = CollectionParams

type Message struct {
	ID          int64      `json:"id"`
	SenderID    int64      `json:"sender_id"`
	Sender      string     `json:"sender"`
	RecipientID int64      `json:"recipient_id"`
	Recipient   string     `json:"recipient"`
	Body        string     `json:"body"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Notification struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Kind      string     `json:"kind"`
	ActorID   int64      `json:"actor_id"`
	Actor     string     `json:"actor"`
	RefID     string     `json:"ref_id,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type Page struct {
	Limit  int
	Offset int
}

func (p *Page) Normalize(def, max int) {
	if p.Limit <= 0 {
		p.Limit = def
	}
	if p.Limit > max {
		p.Limit = max
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
}
