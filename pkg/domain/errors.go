package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteExpired       = NewErr("PASTE_EXPIRED", "paste expired", http.StatusNotFound)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusBadRequest)
	ErrInvalidDuration    = NewErr("INVALID_DURATION", "invalid expiration", http.StatusBadRequest)
	ErrPasswordRequired   = NewErr("PASSWORD_REQUIRED", "password required", http.StatusUnauthorized)
	ErrInvalidPassword    = NewErr("INVALID_PASSWORD", "invalid password", http.StatusUnauthorized)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrTooManyTags        = NewErr("TOO_MANY_TAGS", "too many tags", http.StatusBadRequest)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrForbidden          = NewErr("FORBIDDEN", "forbidden", http.StatusForbidden)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
	ErrUnavailable        = NewErr("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)

	ErrInvalidCredentials = NewErr("INVALID_CREDENTIALS", "invalid username or password", http.StatusUnauthorized)
	ErrUsernameTaken      = NewErr("USERNAME_TAKEN", "username already exists", http.StatusConflict)
	ErrEmailTaken         = NewErr("EMAIL_TAKEN", "email already exists", http.StatusConflict)
	ErrUserNotFound       = NewErr("USER_NOT_FOUND", "user not found", http.StatusNotFound)
	ErrWeakPassword       = NewErr("WEAK_PASSWORD", "password must be at least 8 characters", http.StatusBadRequest)

	ErrCommentNotFound      = NewErr("COMMENT_NOT_FOUND", "comment not found", http.StatusNotFound)
	ErrCollectionNotFound   = NewErr("COLLECTION_NOT_FOUND", "collection not found", http.StatusNotFound)
	ErrProjectNotFound      = NewErr("PROJECT_NOT_FOUND", "project not found", http.StatusNotFound)
	ErrNotificationNotFound = NewErr("NOTIFICATION_NOT_FOUND", "notification not found", http.StatusNotFound)
	ErrAlreadyFollowing     = NewErr("ALREADY_FOLLOWING", "already following", http.StatusConflict)
	ErrNotFollowing         = NewErr("NOT_FOLLOWING", "not following", http.StatusNotFound)
	ErrSelfFollow           = NewErr("SELF_FOLLOW", "cannot follow yourself", http.StatusBadRequest)
	ErrSelfMessage          = NewErr("SELF_MESSAGE", "cannot message yourself", http.StatusBadRequest)

	ErrInvalidUsername = NewErr("INVALID_USERNAME", "username must be 3-32 letters, digits, _ or -", http.StatusBadRequest)
	ErrInvalidEmail    = NewErr("INVALID_EMAIL", "invalid email address", http.StatusBadRequest)
	ErrTitleTooLong    = NewErr("TITLE_TOO_LONG", "title too long", http.StatusBadRequest)
	ErrTextTooLong     = NewErr("TEXT_TOO_LONG", "text too long", http.StatusBadRequest)
	ErrNameRequired    = NewErr("NAME_REQUIRED", "name required", http.StatusBadRequest)
	ErrBodyRequired    = NewErr("BODY_REQUIRED", "text required", http.StatusBadRequest)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// ErrResp is the failure envelope every handler writes.
type ErrResp struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func asErr(err error) (*Err, bool) {
	if e, ok := err.(*Err); ok {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	return nil, false
}
func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Code: e.Code, Message: e.Msg}
	}
	return ErrResp{Code: "INTERNAL_ERROR", Message: "internal server error"}
}
func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
