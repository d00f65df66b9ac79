package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"pasteforge/pkg/domain"
)

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidRequest
	}
	return id, nil
}

func (h *Hdl) Profile(w http.ResponseWriter, r *http.Request) {
	prof, err := h.users.Profile(r.Context(), viewer(r), chi.URLParam(r, "username"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

func (h *Hdl) Follow(w http.ResponseWriter, r *http.Request) {
	if err := h.social.Follow(r.Context(), viewer(r), chi.URLParam(r, "username")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"following": true})
}

func (h *Hdl) Unfollow(w http.ResponseWriter, r *http.Request) {
	if err := h.social.Unfollow(r.Context(), viewer(r), chi.URLParam(r, "username")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"following": false})
}

func (h *Hdl) Followers(w http.ResponseWriter, r *http.Request) {
	list, err := h.social.Followers(r.Context(), chi.URLParam(r, "username"), page(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Hdl) Following(w http.ResponseWriter, r *http.Request) {
	list, err := h.social.Following(r.Context(), chi.URLParam(r, "username"), page(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Hdl) ListComments(w http.ResponseWriter, r *http.Request) {
	list, err := h.comments.List(r.Context(), viewer(r), chi.URLParam(r, "id"), pastePassword(r), page(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type CommentReq struct {
	Content string `json:"content" validate:"required"`
}

func (h *Hdl) CreateComment(w http.ResponseWriter, r *http.Request) {
	var req CommentReq
	if err := decode(w, r, maxJSONBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	c, err := h.comments.Create(r.Context(), viewer(r), chi.URLParam(r, "id"), pastePassword(r), nfc(req.Content))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Hdl) DeleteComment(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.comments.Delete(r.Context(), viewer(r), id); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
}

type MessageReq struct {
	Recipient string `json:"recipient" validate:"required,max=64"`
	Body      string `json:"body" validate:"required"`
}

func (h *Hdl) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageReq
	if err := decode(w, r, maxJSONBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	m, err := h.social.SendMessage(r.Context(), viewer(r), req.Recipient, nfc(req.Body))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Hdl) Inbox(w http.ResponseWriter, r *http.Request) {
	list, err := h.social.Inbox(r.Context(), viewer(r), page(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Hdl) Conversation(w http.ResponseWriter, r *http.Request) {
	list, err := h.social.Conversation(r.Context(), viewer(r), chi.URLParam(r, "username"), page(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Hdl) Notifications(w http.ResponseWriter, r *http.Request) {
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread_only"))
	feed, err := h.social.Notifications(r.Context(), viewer(r), unread, page(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (h *Hdl) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.social.MarkRead(r.Context(), viewer(r), id); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"read": id})
}

func (h *Hdl) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.social.MarkAllRead(r.Context(), viewer(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"read": n})
}

type GroupReq struct {
	Name        *string `json:"name" validate:"omitempty,max=400"`
	Description *string `json:"description" validate:"omitempty,max=4000"`
	IsPublic    *bool   `json:"is_public"`
}

func (g GroupReq) params() domain.CollectionParams {
	return domain.CollectionParams{Name: nfcPtr(g.Name), Description: nfcPtr(g.Description), IsPublic: g.IsPublic}
}

func (h *Hdl) CreateCollection(w http.ResponseWriter, r *http.Request) {
	var req GroupReq
	if err := decode(w, r, maxJSONBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	c, err := h.collections.Create(r.Context(), viewer(r), req.params())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Hdl) MyCollections(w http.ResponseWriter, r *http.Request) {
	list, err := h.collections.Mine(r.Context(), viewer(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Hdl) UserCollections(w http.ResponseWriter, r *http.Request) {
	list, err := h.collections.ByUser(r.Context(), viewer(r), chi.URLParam(r, "username"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Hdl) GetCollection(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	c, err := h.collections.Get(r.Context(), viewer(r), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Hdl) UpdateCollection(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req GroupReq
	if err := decode(w, r, maxJSONBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	c, err := h.collections.Update(r.Context(), viewer(r), id, req.params())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Hdl) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.collections.Delete(r.Context(), viewer(r), id); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
}

func (h *Hdl) AddToCollection(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.collections.AddPaste(r.Context(), viewer(r), id, chi.URLParam(r, "pasteID")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"added": true})
}

func (h *Hdl) RemoveFromCollection(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.collections.RemovePaste(r.Context(), viewer(r), id, chi.URLParam(r, "pasteID")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (h *Hdl) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req GroupReq
	if err := decode(w, r, maxJSONBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	p, err := h.projects.Create(r.Context(), viewer(r), req.params())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Hdl) MyProjects(w http.ResponseWriter, r *http.Request) {
	list, err := h.projects.Mine(r.Context(), viewer(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Hdl) GetProject(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	p, err := h.projects.Get(r.Context(), viewer(r), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Hdl) UpdateProject(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req GroupReq
	if err := decode(w, r, maxJSONBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	p, err := h.projects.Update(r.Context(), viewer(r), id, req.params())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Hdl) DeleteProject(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.projects.Delete(r.Context(), viewer(r), id); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
}

func (h *Hdl) ProjectPastes(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	list, err := h.projects.Pastes(r.Context(), viewer(r), id, page(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
