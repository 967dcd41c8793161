// Package auth carries the server's identity session cookie and the signed
// tokens used for room invitations.
package auth

import (
	"net/http"
	"time"

	"github.com/gorilla/sessions"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/models"
)

const SessionName = "teamchat-session"

const (
	keyUserID = "userId"
	keyName   = "name"
	keyAvatar = "avatar"
)

var ErrNoSession = apperr.Unauthenticated("not logged in")

// SessionManager stores the caller identity in an authenticated cookie.
type SessionManager struct {
	store *sessions.CookieStore
}

func NewSessionManager(secret []byte, maxAge time.Duration, secure bool) *SessionManager {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &SessionManager{store: store}
}

func (m *SessionManager) Save(w http.ResponseWriter, r *http.Request, id models.Identity) error {
	session, err := m.store.Get(r, SessionName)
	if err != nil && session == nil {
		return err
	}
	session.Values[keyUserID] = id.UserID
	session.Values[keyName] = id.Name
	session.Values[keyAvatar] = id.Avatar
	return session.Save(r, w)
}

func (m *SessionManager) Identity(r *http.Request) (models.Identity, error) {
	session, err := m.store.Get(r, SessionName)
	if err != nil {
		return models.Identity{}, ErrNoSession
	}
	userID, _ := session.Values[keyUserID].(string)
	if userID == "" {
		return models.Identity{}, ErrNoSession
	}
	name, _ := session.Values[keyName].(string)
	avatar, _ := session.Values[keyAvatar].(string)
	return models.Identity{UserID: userID, Name: name, Avatar: avatar}, nil
}

func (m *SessionManager) Clear(w http.ResponseWriter, r *http.Request) error {
	session, err := m.store.Get(r, SessionName)
	if err != nil && session == nil {
		return err
	}
	session.Values = map[interface{}]interface{}{}
	session.Options.MaxAge = -1
	return session.Save(r, w)
}
