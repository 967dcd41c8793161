package chat

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/crypto"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/keys"
	"github.com/pliu/teamchat/internal/membership"
	"github.com/pliu/teamchat/internal/models"
)

type AddMemberInput struct {
	UserID string      `json:"userId"`
	Role   models.Role `json:"role,omitempty"`
	// WrappedKey is the new member's copy of the current room key, wrapped
	// by the caller. Without it the member joins with the key pending.
	WrappedKey *crypto.Box `json:"wrappedKey,omitempty"`
}

// AddMember adds a user to the room on an admin's behalf. In an encrypted
// room the supplied key copy is stored atomically with the membership.
func (s *Service) AddMember(ctx context.Context, actor models.Identity, roomID string, in AddMemberInput) (*models.Member, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := membership.CanManage(room, actor.UserID); err != nil {
		return nil, err
	}
	if room.Status != models.RoomStatusActive {
		return nil, membership.ErrRoomArchived
	}
	if in.Role == "" {
		in.Role = models.RoleMember
	}
	if in.Role != models.RoleMember && in.Role != models.RoleAdmin {
		return nil, membership.ErrInvalidRole
	}
	if membership.IsMember(room, in.UserID) {
		return nil, apperr.Conflict("user is already a member")
	}
	if _, err := s.store.GetUserByID(ctx, in.UserID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, err
	}
	if in.WrappedKey != nil && (!room.IsEncrypted || room.CurrentKeyVersion == 0) {
		return nil, apperr.InvalidArg("room has no key to provision")
	}

	m, err := s.newMember(ctx, room, in.UserID, in.Role, in.WrappedKey != nil)
	if err != nil {
		return nil, err
	}

	var key *models.RoomKey
	if in.WrappedKey != nil {
		if _, err := s.store.GetRoomKey(ctx, roomID, actor.UserID, room.CurrentKeyVersion); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, keys.ErrNotKeyHolder
			}
			return nil, err
		}
		room.Members = append(room.Members, *m)
		copies, err := s.keys.BuildCopies(ctx, actor, room, room.CurrentKeyVersion,
			[]models.RoomKeyCopy{{UserID: in.UserID, WrappedKey: *in.WrappedKey}})
		if err != nil {
			return nil, err
		}
		key = &copies[0]
	}

	if err := s.store.AddMember(ctx, roomID, m, key); err != nil {
		return nil, err
	}
	s.logger.Info("added member", "room", roomID, "user", m.UserID, "by", actor.UserID, "key_pending", m.KeyPending)
	s.announceMember(ctx, roomID, m)
	return m, nil
}

// RemoveMember removes target from the room, or the caller themselves when
// target is the caller. The removed user's key copies stay, but access ends
// with the membership row.
func (s *Service) RemoveMember(ctx context.Context, actor models.Identity, roomID, targetID string) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := membership.CanRemove(room, actor.UserID, targetID); err != nil {
		return err
	}
	if actor.UserID != targetID && room.Status != models.RoomStatusActive {
		return membership.ErrRoomArchived
	}
	if err := s.store.RemoveMember(ctx, roomID, targetID); err != nil {
		return err
	}
	s.logger.Info("removed member", "room", roomID, "user", targetID, "by", actor.UserID)

	s.events.Publish(events.RoomChannel(roomID), events.MemberRemoved, events.Member{RoomID: roomID, UserID: targetID})
	s.events.Unsubscribe(targetID, roomID)
	s.events.Publish(events.UserChannel(targetID), events.RoomLeft, events.RoomRef{RoomID: roomID})
	return nil
}

func (s *Service) LeaveRoom(ctx context.Context, actor models.Identity, roomID string) error {
	return s.RemoveMember(ctx, actor, roomID, actor.UserID)
}

func (s *Service) ChangeMemberRole(ctx context.Context, actor models.Identity, roomID, targetID string, role models.Role) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := membership.CanChangeRole(room, actor.UserID, targetID, role); err != nil {
		return err
	}
	if room.Status != models.RoomStatusActive {
		return membership.ErrRoomArchived
	}
	if err := s.store.UpdateMemberRole(ctx, roomID, targetID, role); err != nil {
		return err
	}
	s.events.Publish(events.RoomChannel(roomID), events.MemberUpdated, events.Member{RoomID: roomID, UserID: targetID, Role: role})
	return nil
}
