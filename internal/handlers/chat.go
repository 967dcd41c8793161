package handlers

import (
	"net/http"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/chat"
	"github.com/pliu/teamchat/internal/models"
)

// ChatHandler exposes rooms, members, messages and invitations.
type ChatHandler struct {
	Chat *chat.Service
}

func (h *ChatHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.Chat.ListRooms(r.Context(), caller(r), pathVar(r, "ws"))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// MyRooms lists the ids of every room the caller belongs to, across
// workspaces.
func (h *ChatHandler) MyRooms(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Chat.RoomIDsFor(r.Context(), caller(r).UserID)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *ChatHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req chat.CreateRoomInput
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	room, err := h.Chat.CreateRoom(r.Context(), caller(r), pathVar(r, "ws"), req)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *ChatHandler) EnsureGeneralRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.Chat.EnsureGeneralRoom(r.Context(), caller(r), pathVar(r, "ws"))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *ChatHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.Chat.GetRoom(r.Context(), caller(r), pathVar(r, "id"))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *ChatHandler) UpdateRoom(w http.ResponseWriter, r *http.Request) {
	var req chat.UpdateRoomInput
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	room, err := h.Chat.UpdateRoom(r.Context(), caller(r), pathVar(r, "id"), req)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *ChatHandler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.Chat.DeleteRoom(r.Context(), caller(r), pathVar(r, "id")); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) ArchiveRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.Chat.ArchiveRoom(r.Context(), caller(r), pathVar(r, "id"))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *ChatHandler) UnarchiveRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.Chat.UnarchiveRoom(r.Context(), caller(r), pathVar(r, "id"))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *ChatHandler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.Chat.JoinRoom(r.Context(), caller(r), pathVar(r, "id"))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *ChatHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req chat.AddMemberInput
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	m, err := h.Chat.AddMember(r.Context(), caller(r), pathVar(r, "id"), req)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *ChatHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := h.Chat.RemoveMember(r.Context(), caller(r), pathVar(r, "id"), pathVar(r, "userId")); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) ChangeMemberRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role models.Role `json:"role"`
	}
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if err := h.Chat.ChangeMemberRole(r.Context(), caller(r), pathVar(r, "id"), pathVar(r, "userId"), req.Role); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
