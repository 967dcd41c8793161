package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pliu/teamchat/internal/crypto"
)

// Identity is the already-authenticated caller handed to every chat
// operation.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	AvatarURL    string    `json:"avatarUrl,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (u *User) Identity() Identity {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return Identity{UserID: u.ID, Name: name, Avatar: u.AvatarURL}
}

// UserKeyPair holds the long-term DH public key and the password-wrapped
// private key. The server never sees the private key in the clear.
type UserKeyPair struct {
	UserID            string            `json:"userId"`
	PublicKey         string            `json:"publicKey"`
	WrappedPrivateKey crypto.WrappedKey `json:"wrappedPrivateKey"`
	KeyVersion        int               `json:"keyVersion"`
	CreatedAt         time.Time         `json:"createdAt"`
	RotatedAt         *time.Time        `json:"rotatedAt,omitempty"`
}

// RoomKeyVersion anchors one generation of a room's key. Its (RoomID,
// Version) pair is unique, which makes version creation single-writer.
type RoomKeyVersion struct {
	RoomID    string    `json:"roomId"`
	Version   int       `json:"version"`
	KeyID     string    `json:"keyId"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomKey is one member's wrapped copy of a room key version. WrapperPublicKey
// is the public key the copy was wrapped against.
type RoomKey struct {
	RoomID           string     `json:"roomId"`
	UserID           string     `json:"userId"`
	Version          int        `json:"version"`
	KeyID            string     `json:"keyId"`
	WrappedKey       crypto.Box `json:"wrappedKey"`
	WrapperID        string     `json:"wrapperId"`
	WrapperPublicKey string     `json:"wrapperPublicKey"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// RoomKeyCopy is the upload form of a RoomKey.
type RoomKeyCopy struct {
	UserID     string     `json:"userId"`
	WrappedKey crypto.Box `json:"wrappedKey"`
}

func KeyID(roomID string, version int) string {
	return roomID + ":" + strconv.Itoa(version)
}

func ParseKeyID(keyID string) (string, int, error) {
	i := strings.LastIndexByte(keyID, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed key id %q", keyID)
	}
	v, err := strconv.Atoi(keyID[i+1:])
	if err != nil || v < 1 {
		return "", 0, fmt.Errorf("malformed key id %q", keyID)
	}
	return keyID[:i], v, nil
}

type RoomType string

const (
	RoomTypeGeneral   RoomType = "general"
	RoomTypePrivate   RoomType = "private"
	RoomTypeGroup     RoomType = "group"
	RoomTypeWorkspace RoomType = "workspace"
)

type RoomStatus string

const (
	RoomStatusActive   RoomStatus = "active"
	RoomStatusArchived RoomStatus = "archived"
	RoomStatusDeleted  RoomStatus = "deleted"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

type RoomSettings struct {
	AllowFileUploads bool  `json:"allowFileUploads"`
	MaxFileSizeBytes int64 `json:"maxFileSizeBytes"`
	RetentionDays    int   `json:"retentionDays"`
}

func DefaultRoomSettings() RoomSettings {
	return RoomSettings{AllowFileUploads: true, MaxFileSizeBytes: 25 << 20}
}

// Member is one entry of a room's membership list. KeyPending marks a member
// of an encrypted room who has no copy of the current room key yet.
type Member struct {
	UserID            string     `json:"userId"`
	Role              Role       `json:"role"`
	JoinedAt          time.Time  `json:"joinedAt"`
	LastReadAt        *time.Time `json:"lastReadAt,omitempty"`
	LastReadMessageID string     `json:"lastReadMessageId,omitempty"`
	PublicKey         string     `json:"publicKey,omitempty"`
	KeyPending        bool       `json:"keyPending,omitempty"`
}

type Room struct {
	ID                string       `json:"id"`
	WorkspaceID       string       `json:"workspaceId"`
	Name              string       `json:"name"`
	Description       string       `json:"description,omitempty"`
	Type              RoomType     `json:"type"`
	CreatedBy         string       `json:"createdBy"`
	Members           []Member     `json:"members"`
	IsEncrypted       bool         `json:"isEncrypted"`
	EncryptionKeyID   string       `json:"encryptionKeyId,omitempty"`
	CurrentKeyVersion int          `json:"currentKeyVersion"`
	Settings          RoomSettings `json:"settings"`
	Status            RoomStatus   `json:"status"`
	LastActivityAt    time.Time    `json:"lastActivityAt"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeEmoji  MessageType = "emoji"
	MessageTypeSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeEmoji, MessageTypeSystem:
		return true
	}
	return false
}

// EncryptedContent is the wire envelope of an encrypted body. EncryptedContent
// is base64 ciphertext with the GCM tag appended.
type EncryptedContent struct {
	EncryptedContent string `json:"encryptedContent"`
	IV               string `json:"iv"`
	KeyID            string `json:"keyId"`
}

func (e *EncryptedContent) Box() *crypto.Box {
	return &crypto.Box{Ciphertext: e.EncryptedContent, IV: e.IV}
}

type Attachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
	EncryptedURL string `json:"encryptedUrl,omitempty"`
}

type Reaction struct {
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

type Message struct {
	ID               string            `json:"id"`
	RoomID           string            `json:"roomId"`
	Seq              int64             `json:"seq"`
	SenderID         string            `json:"senderId"`
	Type             MessageType       `json:"type"`
	Content          string            `json:"content,omitempty"`
	EncryptedContent *EncryptedContent `json:"encryptedContent,omitempty"`
	Attachments      []Attachment      `json:"attachments,omitempty"`
	Reactions        []Reaction        `json:"reactions,omitempty"`
	ReplyTo          string            `json:"replyTo,omitempty"`
	ClientNonce      string            `json:"clientNonce,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	EditedAt         *time.Time        `json:"editedAt,omitempty"`
	DeletedAt        *time.Time        `json:"deletedAt,omitempty"`
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
)

type Invitation struct {
	ID          string           `json:"id"`
	RoomID      string           `json:"roomId"`
	InviterID   string           `json:"inviterId"`
	InviteeID   string           `json:"inviteeId"`
	Token       string           `json:"token,omitempty"`
	Status      InvitationStatus `json:"status"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	CreatedAt   time.Time        `json:"createdAt"`
	RespondedAt *time.Time       `json:"respondedAt,omitempty"`
}
