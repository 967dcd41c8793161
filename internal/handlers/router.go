package handlers

import (
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/auth"
	"github.com/pliu/teamchat/internal/chat"
	"github.com/pliu/teamchat/internal/keys"
	"github.com/pliu/teamchat/internal/middleware"
	"github.com/pliu/teamchat/internal/store"
	"github.com/pliu/teamchat/internal/ws"
)

type Deps struct {
	Store      store.Store
	Sessions   *auth.SessionManager
	Chat       *chat.Service
	Keys       *keys.Service
	Hub        *ws.Hub
	Dispatcher ws.Dispatcher
	Logger     *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	authHandler := &AuthHandler{Store: d.Store, Sessions: d.Sessions, Logger: d.Logger}
	keyHandler := &KeyHandler{Keys: d.Keys}
	chatHandler := &ChatHandler{Chat: d.Chat}

	r := mux.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, middleware.LoggingMiddleware(d.Logger), chimw.Recoverer)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apperr.WriteHTTP(w, apperr.NotFound("no such route"))
	})

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/logout", authHandler.Logout).Methods("POST")

	api := r.NewRoute().Subrouter()
	api.Use(middleware.Auth(d.Sessions))

	api.HandleFunc("/me", authHandler.Me).Methods("GET")
	api.HandleFunc("/users/search", authHandler.SearchUsers).Methods("GET")
	api.HandleFunc("/me/rooms", chatHandler.MyRooms).Methods("GET")

	api.HandleFunc("/keys/me", keyHandler.GetMine).Methods("GET")
	api.HandleFunc("/keys/me", keyHandler.Initialize).Methods("POST")
	api.HandleFunc("/keys/me/rotate", keyHandler.Rotate).Methods("POST")
	api.HandleFunc("/rooms/{id}/keys/public", keyHandler.PublicKeys).Methods("GET")
	api.HandleFunc("/rooms/{id}/keys", keyHandler.RoomKey).Methods("GET")
	api.HandleFunc("/rooms/{id}/keys/versions", keyHandler.Versions).Methods("GET")
	api.HandleFunc("/rooms/{id}/keys/versions", keyHandler.CreateVersion).Methods("POST")
	api.HandleFunc("/rooms/{id}/keys/provision", keyHandler.Provision).Methods("POST")

	api.HandleFunc("/workspaces/{ws}/rooms", chatHandler.ListRooms).Methods("GET")
	api.HandleFunc("/workspaces/{ws}/rooms", chatHandler.CreateRoom).Methods("POST")
	api.HandleFunc("/workspaces/{ws}/rooms/general", chatHandler.EnsureGeneralRoom).Methods("POST")
	api.HandleFunc("/rooms/{id}", chatHandler.GetRoom).Methods("GET")
	api.HandleFunc("/rooms/{id}", chatHandler.UpdateRoom).Methods("PATCH")
	api.HandleFunc("/rooms/{id}", chatHandler.DeleteRoom).Methods("DELETE")
	api.HandleFunc("/rooms/{id}/archive", chatHandler.ArchiveRoom).Methods("POST")
	api.HandleFunc("/rooms/{id}/unarchive", chatHandler.UnarchiveRoom).Methods("POST")
	api.HandleFunc("/rooms/{id}/join", chatHandler.JoinRoom).Methods("POST")
	api.HandleFunc("/rooms/{id}/members", chatHandler.AddMember).Methods("POST")
	api.HandleFunc("/rooms/{id}/members/{userId}", chatHandler.RemoveMember).Methods("DELETE")
	api.HandleFunc("/rooms/{id}/members/{userId}", chatHandler.ChangeMemberRole).Methods("PATCH")

	api.HandleFunc("/rooms/{id}/messages", chatHandler.ListMessages).Methods("GET")
	api.HandleFunc("/rooms/{id}/messages", chatHandler.SendMessage).Methods("POST")
	api.HandleFunc("/rooms/{id}/messages/{msgId}", chatHandler.GetMessage).Methods("GET")
	api.HandleFunc("/rooms/{id}/messages/{msgId}", chatHandler.EditMessage).Methods("PATCH")
	api.HandleFunc("/rooms/{id}/messages/{msgId}", chatHandler.DeleteMessage).Methods("DELETE")
	api.HandleFunc("/rooms/{id}/messages/{msgId}/reactions", chatHandler.AddReaction).Methods("POST")
	api.HandleFunc("/rooms/{id}/messages/{msgId}/reactions/{type}", chatHandler.RemoveReaction).Methods("DELETE")
	api.HandleFunc("/rooms/{id}/read", chatHandler.MarkRead).Methods("POST")

	api.HandleFunc("/rooms/{id}/invitations", chatHandler.CreateInvitation).Methods("POST")
	api.HandleFunc("/invitations", chatHandler.ListInvitations).Methods("GET")
	api.HandleFunc("/invitations/accept", chatHandler.AcceptInvitation).Methods("POST")
	api.HandleFunc("/invitations/{id}/decline", chatHandler.DeclineInvitation).Methods("POST")

	api.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		id := caller(r)
		rooms, err := d.Chat.RoomIDsFor(r.Context(), id.UserID)
		if err != nil {
			apperr.WriteHTTP(w, err)
			return
		}
		ws.ServeWs(d.Hub, d.Dispatcher, w, r, id, rooms)
	}).Methods("GET")

	return r
}
