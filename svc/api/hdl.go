package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"pasteforge/cfg"
	"pasteforge/pkg/domain"
	"pasteforge/svc/lim"
	"pasteforge/svc/svc"
	"pasteforge/svc/util"
)

// Hdl holds the HTTP handlers. Every handler is a thin adapter: decode,
// call one service method, encode.
type Hdl struct {
	cfg         *cfg.Cfg
	pastes      *svc.Paste
	users       *svc.Users
	social      *svc.Social
	comments    *svc.Comments
	collections *svc.Collections
	projects    *svc.Projects
	ipHasher    *util.IPHasher
}

type CreatePasteReq struct {
	Title         string `json:"title" validate:"max=1000"`
	Content       string `json:"content" validate:"required"`
	Language      string `json:"language" validate:"max=32"`
	Password      string `json:"password" validate:"max=256"`
	ExpireIn      string `json:"expire_in" validate:"max=32"`
	ExpireTime    int64  `json:"expire_time" validate:"gte=0"`
	IsPublic      *bool  `json:"is_public"`
	BurnAfterRead bool   `json:"burn_after_read"`
	Tags          Tags   `json:"tags"`
	ProjectID     *int64 `json:"project_id" validate:"omitempty,gt=0"`
}

type CreatePasteResp struct {
	*domain.Paste
	DeletionToken string `json:"deletion_token,omitempty"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	var req CreatePasteReq
	if err := decode(w, r, h.cfg.MaxPasteSize*2+maxJSONBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	expires, err := svc.ParseExpiry(req.ExpireIn, req.ExpireTime, time.Now())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	ip := lim.ClientIP(r, h.cfg.TrustedProxies)
	ipHash, err := h.ipHasher.HashIP(ip)
	if err != nil {
		log.Error().Err(err).Str("ip", util.RedactIP(ip)).Msg("failed to hash client IP")
		writeErr(w, r, domain.ErrInternalServer)
		return
	}
	params := domain.CreateParams{
		Title:         nfc(req.Title),
		Content:       nfc(req.Content),
		Language:      req.Language,
		Password:      req.Password,
		ExpiresAt:     expires,
		IsPublic:      req.IsPublic == nil || *req.IsPublic,
		BurnAfterRead: req.BurnAfterRead,
		Tags:          req.Tags,
		ProjectID:     req.ProjectID,
		ClientIPHash:  ipHash,
	}
	v := viewer(r)
	if v.Authenticated() {
		params.OwnerID = &v.UserID
	}
	paste, token, err := h.pastes.Create(r.Context(), params)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Bool("password_protected", paste.HasPassword).
		Msg("paste created")
	writeJSON(w, http.StatusCreated, CreatePasteResp{Paste: paste.Summary(), DeletionToken: token})
}

func pastePassword(r *http.Request) string {
	if pw := r.Header.Get("X-Paste-Password"); pw != "" {
		return pw
	}
	return r.URL.Query().Get("password")
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	paste, err := h.pastes.Get(r.Context(), viewer(r), id, pastePassword(r))
	if err != nil {
		if domain.Status(err) == http.StatusUnauthorized {
			hlog.FromRequest(r).Warn().
				Str("paste_id", id).
				Str("client_ip", util.RedactIP(lim.ClientIP(r, h.cfg.TrustedProxies))).
				Msg("failed password attempt")
		}
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paste)
}

func (h *Hdl) RawPaste(w http.ResponseWriter, r *http.Request) {
	paste, err := h.pastes.Get(r.Context(), viewer(r), chi.URLParam(r, "id"), pastePassword(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(paste.Content))
}

type UpdatePasteReq struct {
	Title         *string `json:"title" validate:"omitempty,max=1000"`
	Content       *string `json:"content"`
	Language      *string `json:"language" validate:"omitempty,max=32"`
	Tags          *Tags   `json:"tags"`
	IsPublic      *bool   `json:"is_public"`
	Password      *string `json:"password" validate:"omitempty,max=256"`
	ClearPassword bool    `json:"clear_password"`
}

func (h *Hdl) UpdatePaste(w http.ResponseWriter, r *http.Request) {
	var req UpdatePasteReq
	if err := decode(w, r, h.cfg.MaxPasteSize*2+maxJSONBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	params := domain.UpdateParams{
		Title:         nfcPtr(req.Title),
		Content:       nfcPtr(req.Content),
		Language:      req.Language,
		IsPublic:      req.IsPublic,
		Password:      req.Password,
		ClearPassword: req.ClearPassword,
	}
	if req.Tags != nil {
		params.SetTags = true
		params.Tags = *req.Tags
	}
	paste, err := h.pastes.Update(r.Context(), viewer(r), chi.URLParam(r, "id"), params)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paste)
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.pastes.Delete(r.Context(), viewer(r), id, r.Header.Get("X-Deletion-Token")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (h *Hdl) ListPastes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := page(r)
	f := domain.ListFilter{
		Tag:      q.Get("tag"),
		Language: q.Get("language"),
		Query:    nfc(q.Get("q")),
		Limit:    p.Limit,
		Offset:   p.Offset,
	}
	list, err := h.pastes.List(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Hdl) RelatedPastes(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.pastes.Related(r.Context(), viewer(r), chi.URLParam(r, "id"), pastePassword(r), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Hdl) UserPastes(w http.ResponseWriter, r *http.Request) {
	list, err := h.pastes.ByUser(r.Context(), viewer(r), chi.URLParam(r, "username"), page(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Hdl) GetPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pastes.Presets())
}
