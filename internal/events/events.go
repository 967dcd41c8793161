// Package events defines the realtime event vocabulary shared by the server
// hub, the services that publish into it, and the client.
package events

import (
	"encoding/json"
	"time"

	"github.com/pliu/teamchat/internal/models"
)

// Client to server.
const (
	MessageSend    = "message:send"
	MessageEdit    = "message:edit"
	MessageDelete  = "message:delete"
	ReactionAdd    = "reaction:add"
	ReactionRemove = "reaction:remove"
	RoomJoin       = "room:join"
	RoomLeave      = "room:leave"
)

// Server to client.
const (
	MessageNew      = "message:new"
	MessageUpdated  = "message:updated"
	MessageDeleted  = "message:deleted"
	ReactionAdded   = "reaction:added"
	ReactionRemoved = "reaction:removed"
	RoomJoined      = "room:joined"
	RoomLeft        = "room:left"
	RoomUpdated     = "room:updated"
	RoomDeleted     = "room:deleted"
	MemberAdded     = "member:added"
	MemberRemoved   = "member:removed"
	MemberUpdated   = "member:updated"
	KeyProvisioned  = "key:provisioned"
	KeyRotated      = "key:rotated"
	InvitationNew   = "invitation:new"
	Presence        = "presence"
	Error           = "error"
)

// Both directions.
const (
	TypingStart = "typing:start"
	TypingStop  = "typing:stop"
	MessageRead = "message:read"
	KeyRequest  = "key:request"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

func RoomChannel(roomID string) string { return "room:" + roomID }

func UserChannel(userID string) string { return "user:" + userID }

// Publisher fans events out to channels. Subscribe and Unsubscribe keep a
// user's channel set in step with membership changes made during a live
// session.
type Publisher interface {
	Publish(channel, event string, data any)
	Subscribe(userID string, roomIDs ...string)
	Unsubscribe(userID, roomID string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(string, string, any) {}
func (Nop) Subscribe(string, ...string) {}
func (Nop) Unsubscribe(string, string) {}

type SendMessage struct {
	RoomID           string                   `json:"roomId"`
	ClientNonce      string                   `json:"clientNonce,omitempty"`
	Type             models.MessageType       `json:"type"`
	Content          string                   `json:"content,omitempty"`
	EncryptedContent *models.EncryptedContent `json:"encryptedContent,omitempty"`
	Attachments      []models.Attachment      `json:"attachments,omitempty"`
	ReplyTo          string                   `json:"replyTo,omitempty"`
}

type EditMessage struct {
	RoomID           string                   `json:"roomId"`
	MessageID        string                   `json:"messageId"`
	Content          string                   `json:"content,omitempty"`
	EncryptedContent *models.EncryptedContent `json:"encryptedContent,omitempty"`
}

type MessageRef struct {
	RoomID    string     `json:"roomId"`
	MessageID string     `json:"messageId"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

type Typing struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
}

type Read struct {
	RoomID    string    `json:"roomId"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId,omitempty"`
	ReadAt    time.Time `json:"readAt,omitempty"`
}

type Reaction struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
	Type      string `json:"type"`
}

type RoomRef struct {
	RoomID string `json:"roomId"`
}

type RoomSnapshot struct {
	Room *models.Room `json:"room"`
}

type Member struct {
	RoomID string      `json:"roomId"`
	UserID string      `json:"userId"`
	Role   models.Role `json:"role,omitempty"`
}

type KeyRequestPayload struct {
	RoomID  string `json:"roomId"`
	UserID  string `json:"userId,omitempty"`
	Version int    `json:"version,omitempty"`
}

type KeyProvisionedPayload struct {
	RoomID  string `json:"roomId"`
	Version int    `json:"version"`
	KeyID   string `json:"keyId"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
	Ref     string `json:"ref,omitempty"`
}
