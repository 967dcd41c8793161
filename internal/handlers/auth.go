package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/auth"
	"github.com/pliu/teamchat/internal/models"
	"github.com/pliu/teamchat/internal/store"
)

const (
	minPasswordLen = 8
	maxUsernameLen = 32
	searchLimit    = 20
)

var errInvalidCredentials = apperr.Unauthenticated("invalid credentials")

type Credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

type AuthHandler struct {
	Store    store.Store
	Sessions *auth.SessionManager
	Logger   *slog.Logger
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := decode(w, r, &req); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || utf8.RuneCountInString(req.Username) > maxUsernameLen {
		apperr.WriteHTTP(w, apperr.Newf(apperr.CodeInvalidArgument, "username must be 1 to %d characters", maxUsernameLen))
		return
	}
	if len(req.Password) < minPasswordLen {
		apperr.WriteHTTP(w, apperr.Newf(apperr.CodeInvalidArgument, "password must be at least %d characters", minPasswordLen))
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		PasswordHash: string(hashedPassword),
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			err = apperr.Conflict("username already exists")
		}
		apperr.WriteHTTP(w, err)
		return
	}
	if err := h.Sessions.Save(w, r, user.Identity()); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	h.Logger.Info("signed up", "user", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decode(w, r, &creds); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	user, err := h.Store.GetUserByUsername(r.Context(), strings.TrimSpace(creds.Username))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			err = errInvalidCredentials
		}
		apperr.WriteHTTP(w, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		apperr.WriteHTTP(w, errInvalidCredentials)
		return
	}

	if err := h.Sessions.Save(w, r, user.Identity()); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Clear(w, r); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUserByID(r.Context(), caller(r).UserID)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusOK, []models.User{})
		return
	}

	users, err := h.Store.SearchUsers(r.Context(), query, searchLimit)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}
