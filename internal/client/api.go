package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/chat"
	"github.com/pliu/teamchat/internal/keys"
	"github.com/pliu/teamchat/internal/models"
)

// API is a thin REST client. Server errors come back as *apperr.Error with
// the code the server used.
type API struct {
	base *url.URL
	http *http.Client
}

// NewAPI returns a client for the server at baseURL. A cookie jar is added
// to httpClient when it has none so the login session sticks.
func NewAPI(baseURL string, httpClient *http.Client) (*API, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		httpClient.Jar = jar
	}
	return &API{base: u, http: httpClient}, nil
}

func (a *API) url(path string, query url.Values) string {
	u := *a.base
	u.Path = path
	u.RawQuery = query.Encode()
	return u.String()
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.url(path, query), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "server unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e apperr.Error
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
			return apperr.Newf(apperr.CodeUnknown, "%s %s: %s", method, path, resp.Status)
		}
		return &e
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s %s", method, path)
}

type credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

func (a *API) Signup(ctx context.Context, username, password, displayName string) (*models.User, error) {
	var u models.User
	err := a.do(ctx, http.MethodPost, "/signup", nil, credentials{username, password, displayName}, &u)
	return &u, err
}

func (a *API) Login(ctx context.Context, username, password string) (*models.User, error) {
	var u models.User
	err := a.do(ctx, http.MethodPost, "/login", nil, credentials{Username: username, Password: password}, &u)
	return &u, err
}

func (a *API) Logout(ctx context.Context) error {
	return a.do(ctx, http.MethodPost, "/logout", nil, nil, nil)
}

func (a *API) KeyPair(ctx context.Context) (*models.UserKeyPair, error) {
	var kp models.UserKeyPair
	if err := a.do(ctx, http.MethodGet, "/keys/me", nil, nil, &kp); err != nil {
		return nil, err
	}
	return &kp, nil
}

func (a *API) InitializeKeyPair(ctx context.Context, in keys.UploadKeyPair) (*models.UserKeyPair, error) {
	var kp models.UserKeyPair
	if err := a.do(ctx, http.MethodPost, "/keys/me", nil, in, &kp); err != nil {
		return nil, err
	}
	return &kp, nil
}

func (a *API) RotateKeyPair(ctx context.Context, in keys.UploadKeyPair) (*models.UserKeyPair, error) {
	var kp models.UserKeyPair
	if err := a.do(ctx, http.MethodPost, "/keys/me/rotate", nil, in, &kp); err != nil {
		return nil, err
	}
	return &kp, nil
}

func (a *API) PublicKeys(ctx context.Context, roomID string) (map[string]string, error) {
	pubs := map[string]string{}
	err := a.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/keys/public", nil, nil, &pubs)
	return pubs, err
}

// RoomKey fetches the caller's copy of a room key version; 0 is the current
// version.
func (a *API) RoomKey(ctx context.Context, roomID string, version int) (*models.RoomKey, error) {
	var q url.Values
	if version > 0 {
		q = url.Values{"version": {strconv.Itoa(version)}}
	}
	var rk models.RoomKey
	if err := a.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/keys", q, nil, &rk); err != nil {
		return nil, err
	}
	return &rk, nil
}

func (a *API) RoomKeyVersions(ctx context.Context, roomID string) ([]models.RoomKeyVersion, error) {
	var vs []models.RoomKeyVersion
	err := a.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/keys/versions", nil, nil, &vs)
	return vs, err
}

type roomKeyUpload struct {
	Version int                  `json:"version"`
	Copies  []models.RoomKeyCopy `json:"copies"`
}

func (a *API) CreateRoomKeyVersion(ctx context.Context, roomID string, version int, copies []models.RoomKeyCopy) (*models.RoomKeyVersion, error) {
	var v models.RoomKeyVersion
	if err := a.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/keys/versions", nil, roomKeyUpload{version, copies}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (a *API) ProvisionRoomKeys(ctx context.Context, roomID string, version int, copies []models.RoomKeyCopy) ([]string, error) {
	var out struct {
		Provisioned []string `json:"provisioned"`
	}
	err := a.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/keys/provision", nil, roomKeyUpload{version, copies}, &out)
	return out.Provisioned, err
}

func (a *API) CreateRoom(ctx context.Context, workspaceID string, in chat.CreateRoomInput) (*models.Room, error) {
	var room models.Room
	if err := a.do(ctx, http.MethodPost, "/workspaces/"+url.PathEscape(workspaceID)+"/rooms", nil, in, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (a *API) ListRooms(ctx context.Context, workspaceID string) ([]models.Room, error) {
	var rooms []models.Room
	err := a.do(ctx, http.MethodGet, "/workspaces/"+url.PathEscape(workspaceID)+"/rooms", nil, nil, &rooms)
	return rooms, err
}

// RoomIDs lists every room the caller belongs to, in any workspace.
func (a *API) RoomIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := a.do(ctx, http.MethodGet, "/me/rooms", nil, nil, &ids)
	return ids, err
}

func (a *API) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	if err := a.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID), nil, nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (a *API) AddMember(ctx context.Context, roomID string, in chat.AddMemberInput) (*models.Member, error) {
	var m models.Member
	if err := a.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/members", nil, in, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (a *API) RemoveMember(ctx context.Context, roomID, userID string) error {
	return a.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(roomID)+"/members/"+url.PathEscape(userID), nil, nil, nil)
}

func (a *API) ListMessages(ctx context.Context, roomID string, before int64, limit int) ([]models.Message, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var msgs []models.Message
	err := a.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/messages", q, nil, &msgs)
	return msgs, err
}

func (a *API) GetMessage(ctx context.Context, roomID, messageID string) (*models.Message, error) {
	var msg models.Message
	if err := a.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/messages/"+url.PathEscape(messageID), nil, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (a *API) EditMessage(ctx context.Context, roomID, messageID string, enc *models.EncryptedContent, content string) (*models.Message, error) {
	body := struct {
		Content          string                   `json:"content,omitempty"`
		EncryptedContent *models.EncryptedContent `json:"encryptedContent,omitempty"`
	}{content, enc}
	var msg models.Message
	if err := a.do(ctx, http.MethodPatch, "/rooms/"+url.PathEscape(roomID)+"/messages/"+url.PathEscape(messageID), nil, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (a *API) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	return a.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(roomID)+"/messages/"+url.PathEscape(messageID), nil, nil, nil)
}
