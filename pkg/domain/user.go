package domain

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Bio          string    `json:"bio"`
	Website      string    `json:"website"`
	AvatarURL    string    `json:"avatar_url"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Public strips the fields only the user themself may see.
func (u *User) Public() *User {
	cp := *u
	cp.Email = ""
	return &cp
}

type Profile struct {
	User       *User `json:"user"`
	PasteCount int   `json:"paste_count"`
	Followers  int   `json:"followers"`
	Following  int   `json:"following"`
	IsFollowed bool  `json:"is_followed"`
}

type RegisterParams struct {
	Username string
	Email    string
	Password string
}

type ProfileParams struct {
	DisplayName *string
	Bio         *string
	Website     *string
	AvatarURL   *string
}

// Session is what a verified session token resolves to.
type Session struct {
	UserID    int64
	Username  string
	Role      string
	TokenID   string
	ExpiresAt time.Time
}
