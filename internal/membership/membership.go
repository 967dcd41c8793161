// Package membership holds the access rules for chat rooms as pure functions
// over a room value. Nothing here touches storage.
package membership

import (
	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/models"
)

var (
	ErrNotMember         = apperr.Forbidden("not a member of this room")
	ErrNotAdmin          = apperr.Forbidden("room admin role required")
	ErrOwnerImmutable    = apperr.Forbidden("the room owner cannot be removed or demoted")
	ErrRoomArchived      = apperr.FailedPrecondition("room is archived")
	ErrRoomDeleted       = apperr.NotFound("room not found")
	ErrKeyPending        = apperr.FailedPrecondition("room key has not been provisioned for this member")
	ErrInvalidRole       = apperr.InvalidArg("invalid role")
	ErrMemberNotFound    = apperr.NotFound("member not found")
	ErrInvalidTransition = apperr.FailedPrecondition("invalid room state transition")
)

func Find(room *models.Room, userID string) *models.Member {
	if room == nil {
		return nil
	}
	for i := range room.Members {
		if room.Members[i].UserID == userID {
			return &room.Members[i]
		}
	}
	return nil
}

func IsMember(room *models.Room, userID string) bool {
	return Find(room, userID) != nil
}

// IsAdmin reports whether userID is an owner or admin of the room.
func IsAdmin(room *models.Room, userID string) bool {
	m := Find(room, userID)
	return m != nil && (m.Role == models.RoleOwner || m.Role == models.RoleAdmin)
}

func IsOwner(room *models.Room, userID string) bool {
	m := Find(room, userID)
	return m != nil && m.Role == models.RoleOwner
}

func MemberIDs(room *models.Room) []string {
	ids := make([]string, 0, len(room.Members))
	for _, m := range room.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// CanRead allows any member to read an active or archived room.
func CanRead(room *models.Room, userID string) error {
	if room.Status == models.RoomStatusDeleted {
		return ErrRoomDeleted
	}
	if !IsMember(room, userID) {
		return ErrNotMember
	}
	return nil
}

// CanPost additionally requires an active room and, for encrypted rooms, a
// provisioned key.
func CanPost(room *models.Room, userID string) error {
	if err := CanRead(room, userID); err != nil {
		return err
	}
	if room.Status != models.RoomStatusActive {
		return ErrRoomArchived
	}
	if room.IsEncrypted && Find(room, userID).KeyPending {
		return ErrKeyPending
	}
	return nil
}

func CanManage(room *models.Room, actorID string) error {
	if err := CanRead(room, actorID); err != nil {
		return err
	}
	if !IsAdmin(room, actorID) {
		return ErrNotAdmin
	}
	return nil
}

// CanRemove applies the removal rules: the owner can never be removed, a
// member may remove themselves, and only admins act on others.
func CanRemove(room *models.Room, actorID, targetID string) error {
	if err := CanRead(room, actorID); err != nil {
		return err
	}
	target := Find(room, targetID)
	if target == nil {
		return ErrMemberNotFound
	}
	if target.Role == models.RoleOwner {
		return ErrOwnerImmutable
	}
	if actorID == targetID {
		return nil
	}
	if !IsAdmin(room, actorID) {
		return ErrNotAdmin
	}
	return nil
}

// CanChangeRole rejects demoting the owner and promoting anyone to owner.
func CanChangeRole(room *models.Room, actorID, targetID string, role models.Role) error {
	if role != models.RoleAdmin && role != models.RoleMember {
		return ErrInvalidRole
	}
	if err := CanManage(room, actorID); err != nil {
		return err
	}
	target := Find(room, targetID)
	if target == nil {
		return ErrMemberNotFound
	}
	if target.Role == models.RoleOwner {
		return ErrOwnerImmutable
	}
	return nil
}

// Transition validates a room status change:
// active <-> archived, active|archived -> deleted.
func Transition(from, to models.RoomStatus) error {
	switch from {
	case models.RoomStatusActive:
		if to == models.RoomStatusArchived || to == models.RoomStatusDeleted {
			return nil
		}
	case models.RoomStatusArchived:
		if to == models.RoomStatusActive || to == models.RoomStatusDeleted {
			return nil
		}
	}
	return ErrInvalidTransition
}
