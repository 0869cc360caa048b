package chat

import (
	"encoding/json"
	"net/http"
	"strconv"

	myMiddleware "go-groupchat/internal/middleware"

	"github.com/go-chi/chi/v5"
)

// Mount registers the REST surface that drives the lifecycle coordinator.
// Every route expects the auth middleware to have run.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/api/groups", h.CreateGroup)
	r.Route("/api/groups/{groupID}", func(r chi.Router) {
		r.Get("/", h.GetGroup)
		r.Patch("/", h.UpdateGroup)
		r.Delete("/", h.DismissGroup)
		r.Post("/join", h.JoinGroup)
		r.Post("/leave", h.LeaveGroup)
		r.Get("/members", h.ListMembers)
		r.Post("/members", h.AddMember)
		r.Delete("/members/{userID}", h.RemoveMember)
	})
	r.Get("/api/messages", h.GetChatHistory)
	r.Get("/api/presence/{userID}", h.GetPresence)
}

func requester(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok || id == "" {
		writeError(w, ErrUnauthenticated)
		return "", false
	}
	return Identity(id), true
}

type createGroupRequest struct {
	Name    string  `json:"name"`
	Notice  string  `json:"notice"`
	AddMode AddMode `json:"addMode"`
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(w, r)
	if !ok {
		return
	}
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g, err := h.hub.Lifecycle.HandleCreate(r.Context(), id, req.Name, req.Notice, req.AddMode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	if _, ok := requester(w, r); !ok {
		return
	}
	g, err := h.hub.Index.Group(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(w, r)
	if !ok {
		return
	}
	var patch GroupPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g, err := h.hub.Lifecycle.HandleUpdate(r.Context(), id, chi.URLParam(r, "groupID"), patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) DismissGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(w, r)
	if !ok {
		return
	}
	members, err := h.hub.Lifecycle.HandleDismiss(r.Context(), id, chi.URLParam(r, "groupID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dismissed": true, "members": members})
}

func (h *Handler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(w, r)
	if !ok {
		return
	}
	n, err := h.hub.Lifecycle.HandleJoin(r.Context(), id, chi.URLParam(r, "groupID"), nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"memberCount": n})
}

func (h *Handler) LeaveGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(w, r)
	if !ok {
		return
	}
	n, err := h.hub.Lifecycle.HandleLeave(r.Context(), id, chi.URLParam(r, "groupID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"memberCount": n})
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	if _, ok := requester(w, r); !ok {
		return
	}
	groupID := chi.URLParam(r, "groupID")
	if _, err := h.hub.Index.Group(r.Context(), groupID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.hub.Index.MembersOf(r.Context(), groupID))
}

type addMemberRequest struct {
	UserID Identity `json:"userId"`
}

func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(w, r)
	if !ok {
		return
	}
	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	n, err := h.hub.Lifecycle.HandleApprove(r.Context(), id, chi.URLParam(r, "groupID"), req.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"memberCount": n})
}

func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(w, r)
	if !ok {
		return
	}
	target := Identity(chi.URLParam(r, "userID"))
	n, err := h.hub.Lifecycle.HandleRemove(r.Context(), id, chi.URLParam(r, "groupID"), target)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"memberCount": n})
}

// GetChatHistory serves GET /api/messages?target=<user-or-group>&limit=<n>.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := requester(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, "limit must be a number", http.StatusBadRequest)
			return
		}
		limit = n
	}
	msgs, err := h.hub.Router.History(r.Context(), id, r.URL.Query().Get("target"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := requester(w, r); !ok {
		return
	}
	target := Identity(chi.URLParam(r, "userID"))
	online, err := h.hub.IsOnline(r.Context(), target)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": target, "online": online})
}
