package api

import (
	"net/http"
	"time"

	"pasteforge/pkg/domain"
	"pasteforge/svc/svc"
)

type RegisterReq struct {
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

type LoginReq struct {
	Login    string `json:"login" validate:"required_without=Username,max=254"`
	Username string `json:"username" validate:"max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

type AuthResp struct {
	User      *domain.User `json:"user"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type CheckResp struct {
	Authenticated bool         `json:"authenticated"`
	User          *domain.User `json:"user,omitempty"`
}

func (h *Hdl) setSession(w http.ResponseWriter, a *svc.Auth) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    a.Token,
		Path:     "/",
		Expires:  a.Session.ExpiresAt,
		MaxAge:   int(time.Until(a.Session.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Hdl) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Hdl) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterReq
	if err := decode(w, r, maxJSONBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	a, err := h.users.Register(r.Context(), domain.RegisterParams{
		Username: nfc(req.Username),
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.setSession(w, a)
	writeJSON(w, http.StatusCreated, AuthResp{User: a.User, ExpiresAt: a.Session.ExpiresAt})
}

func (h *Hdl) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginReq
	if err := decode(w, r, maxJSONBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	login := req.Login
	if login == "" {
		login = req.Username
	}
	a, err := h.users.Login(r.Context(), nfc(login), req.Password)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.setSession(w, a)
	writeJSON(w, http.StatusOK, AuthResp{User: a.User, ExpiresAt: a.Session.ExpiresAt})
}

// Logout always clears the cookie; the token is revoked when one was valid.
func (h *Hdl) Logout(w http.ResponseWriter, r *http.Request) {
	if a := authFrom(r.Context()); a != nil {
		if err := h.users.Logout(r.Context(), a.session); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	h.clearSession(w)
	writeJSON(w, http.StatusOK, map[string]bool{"logged_out": true})
}

func (h *Hdl) CheckAuth(w http.ResponseWriter, r *http.Request) {
	resp := CheckResp{}
	if a := authFrom(r.Context()); a != nil {
		resp.Authenticated = true
		resp.User = a.user
	}
	writeJSON(w, http.StatusOK, resp)
}

// Root only answers the legacy ?check_auth=1 probe.
func (h *Hdl) Root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("check_auth") == "" {
		writeErr(w, r, domain.NewErr("NOT_FOUND", "not found", http.StatusNotFound))
		return
	}
	h.CheckAuth(w, r)
}

func (h *Hdl) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.users.Me(r.Context(), viewer(r).UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type ProfileReq struct {
	DisplayName *string `json:"display_name" validate:"omitempty,max=256"`
	Bio         *string `json:"bio" validate:"omitempty,max=2000"`
	Website     *string `json:"website" validate:"omitempty,max=500"`
	AvatarURL   *string `json:"avatar_url" validate:"omitempty,max=500"`
}

func (h *Hdl) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req ProfileReq
	if err := decode(w, r, maxJSONBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	u, err := h.users.UpdateProfile(r.Context(), viewer(r).UserID, domain.ProfileParams{
		DisplayName: nfcPtr(req.DisplayName),
		Bio:         nfcPtr(req.Bio),
		Website:     req.Website,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type PasswordReq struct {
	Current string `json:"current_password" validate:"required,max=1024"`
	New     string `json:"new_password" validate:"required,max=1024"`
}

func (h *Hdl) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req PasswordReq
	if err := decode(w, r, maxJSONBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.users.ChangePassword(r.Context(), viewer(r).UserID, req.Current, req.New); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}
