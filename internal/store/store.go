package store

import (
	"context"
	"time"

	"github.com/pliu/teamchat/internal/models"
)

// Store is the persistence contract of the chat core. Every method is atomic;
// multi-row writes run in one transaction. Missing rows surface as
// apperr NOT_FOUND and unique-constraint collisions as apperr CONFLICT.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error)

	// Key pair operations
	CreateKeyPair(ctx context.Context, kp *models.UserKeyPair) error
	GetKeyPair(ctx context.Context, userID string) (*models.UserKeyPair, error)
	// RotateKeyPair replaces the pair at kp.KeyVersion-1 and re-wraps the
	// user's own room key copies in the same transaction. Copies in rooms
	// the user left are dropped; every remaining copy must be in rewrapped.
	RotateKeyPair(ctx context.Context, kp *models.UserKeyPair, rewrapped []models.RoomKey) error
	GetPublicKeys(ctx context.Context, userIDs []string) (map[string]string, error)

	// Room key operations
	// CreateRoomKeyVersion inserts the (room, version) anchor, the copies,
	// and advances the room's current key. A second writer for the same
	// version gets CONFLICT.
	CreateRoomKeyVersion(ctx context.Context, v *models.RoomKeyVersion, copies []models.RoomKey) error
	// InsertRoomKeys adds copies of an existing version, skipping users who
	// already hold one, and returns the users that received a new copy.
	InsertRoomKeys(ctx context.Context, copies []models.RoomKey) ([]string, error)
	GetRoomKey(ctx context.Context, roomID, userID string, version int) (*models.RoomKey, error)
	ListRoomKeyVersions(ctx context.Context, roomID string) ([]models.RoomKeyVersion, error)

	// Room operations
	CreateRoom(ctx context.Context, room *models.Room, v *models.RoomKeyVersion, copies []models.RoomKey) error
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	GetGeneralRoom(ctx context.Context, workspaceID string) (*models.Room, error)
	ListRoomsForUser(ctx context.Context, workspaceID, userID string) ([]models.Room, error)
	ListRoomIDsForUser(ctx context.Context, userID string) ([]string, error)
	UpdateRoom(ctx context.Context, room *models.Room) error
	DeleteRoom(ctx context.Context, id string) error

	// Member operations
	AddMember(ctx context.Context, roomID string, m *models.Member, key *models.RoomKey) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	UpdateMemberRole(ctx context.Context, roomID, userID string, role models.Role) error
	MarkRead(ctx context.Context, roomID, userID, messageID string, at time.Time) error

	// Message operations
	// AppendMessage assigns the next per-room sequence number, bumps the
	// room's last activity and the sender's read marker. An encrypted
	// message whose key is no longer the room's current one is a conflict.
	AppendMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, roomID, id string) (*models.Message, error)
	ListMessages(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]models.Message, error)
	UpdateMessage(ctx context.Context, m *models.Message) error
	SoftDeleteMessage(ctx context.Context, roomID, id string, at time.Time) error
	AddReaction(ctx context.Context, messageID string, r models.Reaction) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID, reactionType string) (bool, error)

	// Invitation operations
	CreateInvitation(ctx context.Context, inv *models.Invitation) error
	GetInvitation(ctx context.Context, id string) (*models.Invitation, error)
	FindPendingInvitation(ctx context.Context, roomID, inviteeID string) (*models.Invitation, error)
	ListPendingInvitations(ctx context.Context, inviteeID string) ([]models.Invitation, error)
	// RespondInvitation moves a pending invitation to status and, when m is
	// set, adds the member in the same transaction. A non-pending
	// invitation yields CONFLICT.
	RespondInvitation(ctx context.Context, id string, status models.InvitationStatus, at time.Time, m *models.Member) error

	Close() error
}
