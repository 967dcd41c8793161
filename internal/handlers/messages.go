package handlers

import (
	"net/http"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/chat"
	"github.com/pliu/teamchat/internal/events"
)

func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	before, err := intQuery(r, "before")
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	msgs, err := h.Chat.ListMessages(r.Context(), caller(r), pathVar(r, "id"), chat.ListOptions{BeforeSeq: before, Limit: int(limit)})
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// SendMessage is the REST fallback for message:send. The stored message is
// still broadcast to the room.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req events.SendMessage
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	req.RoomID = pathVar(r, "id")
	msg, err := h.Chat.SendMessage(r.Context(), caller(r), req)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *ChatHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.Chat.GetMessage(r.Context(), caller(r), pathVar(r, "id"), pathVar(r, "msgId"))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *ChatHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req events.EditMessage
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	req.RoomID = pathVar(r, "id")
	req.MessageID = pathVar(r, "msgId")
	msg, err := h.Chat.EditMessage(r.Context(), caller(r), req)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.Chat.DeleteMessage(r.Context(), caller(r), pathVar(r, "id"), pathVar(r, "msgId")); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) AddReaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
	}
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if err := h.Chat.AddReaction(r.Context(), caller(r), pathVar(r, "id"), pathVar(r, "msgId"), req.Type); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	if err := h.Chat.RemoveReaction(r.Context(), caller(r), pathVar(r, "id"), pathVar(r, "msgId"), pathVar(r, "type")); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"messageId"`
	}
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if err := h.Chat.MarkRead(r.Context(), caller(r), pathVar(r, "id"), req.MessageID); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	inv, err := h.Chat.CreateInvitation(r.Context(), caller(r), pathVar(r, "id"), req.UserID)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *ChatHandler) ListInvitations(w http.ResponseWriter, r *http.Request) {
	invs, err := h.Chat.ListInvitations(r.Context(), caller(r))
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invs)
}

func (h *ChatHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	room, err := h.Chat.AcceptInvitation(r.Context(), caller(r), req.Token)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *ChatHandler) DeclineInvitation(w http.ResponseWriter, r *http.Request) {
	if err := h.Chat.DeclineInvitation(r.Context(), caller(r), pathVar(r, "id")); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
