package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/membership"
	"github.com/pliu/teamchat/internal/models"
)

const (
	maxRoomNameLen        = 100
	maxRoomDescriptionLen = 1000
	generalRoomName       = "general"
)

type CreateRoomInput struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Type        models.RoomType      `json:"type"`
	IsEncrypted bool                 `json:"isEncrypted"`
	MemberIDs   []string             `json:"memberIds,omitempty"`
	Settings    *models.RoomSettings `json:"settings,omitempty"`
	// KeyCopies optionally provisions version 1 of the room key in the same
	// transaction. When present it must include the creator's own copy.
	KeyCopies []models.RoomKeyCopy `json:"keyCopies,omitempty"`
}

type UpdateRoomInput struct {
	Name        *string              `json:"name,omitempty"`
	Description *string              `json:"description,omitempty"`
	Settings    *models.RoomSettings `json:"settings,omitempty"`
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.InvalidArg("room name is required")
	}
	if utf8.RuneCountInString(name) > maxRoomNameLen {
		return "", apperr.Newf(apperr.CodeInvalidArgument, "room name is longer than %d characters", maxRoomNameLen)
	}
	return name, nil
}

func validateDescription(d string) error {
	if utf8.RuneCountInString(d) > maxRoomDescriptionLen {
		return apperr.Newf(apperr.CodeInvalidArgument, "room description is longer than %d characters", maxRoomDescriptionLen)
	}
	return nil
}

func validateSettings(st models.RoomSettings) error {
	if st.MaxFileSizeBytes < 0 || st.RetentionDays < 0 {
		return apperr.InvalidArg("room settings must not be negative")
	}
	return nil
}

func (s *Service) CreateRoom(ctx context.Context, actor models.Identity, workspaceID string, in CreateRoomInput) (*models.Room, error) {
	if workspaceID == "" {
		return nil, apperr.InvalidArg("workspace is required")
	}
	if _, err := membership.PolicyFor(in.Type); err != nil {
		return nil, err
	}
	if in.Type == models.RoomTypeGeneral {
		return nil, apperr.InvalidArg("the general room is created on demand")
	}
	name, err := validateName(in.Name)
	if err != nil {
		return nil, err
	}
	if err := validateDescription(in.Description); err != nil {
		return nil, err
	}
	settings := models.DefaultRoomSettings()
	if in.Settings != nil {
		if err := validateSettings(*in.Settings); err != nil {
			return nil, err
		}
		settings = *in.Settings
	}
	if len(in.KeyCopies) > 0 && !in.IsEncrypted {
		return nil, apperr.InvalidArg("key copies given for an unencrypted room")
	}

	now := s.now()
	room := &models.Room{
		ID:             s.newID(),
		WorkspaceID:    workspaceID,
		Name:           name,
		Description:    in.Description,
		Type:           in.Type,
		CreatedBy:      actor.UserID,
		IsEncrypted:    in.IsEncrypted,
		Settings:       settings,
		Status:         models.RoomStatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ids := []string{actor.UserID}
	seen := map[string]bool{actor.UserID: true}
	for _, id := range in.MemberIDs {
		if seen[id] {
			continue
		}
		if _, err := s.store.GetUserByID(ctx, id); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, apperr.Newf(apperr.CodeInvalidArgument, "unknown user %s", id)
			}
			return nil, err
		}
		seen[id] = true
		ids = append(ids, id)
	}
	pubs, err := s.store.GetPublicKeys(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		role := models.RoleMember
		if i == 0 {
			role = models.RoleOwner
		}
		room.Members = append(room.Members, models.Member{UserID: id, Role: role, JoinedAt: now, PublicKey: pubs[id]})
	}

	var (
		version *models.RoomKeyVersion
		copies  []models.RoomKey
	)
	if len(in.KeyCopies) > 0 {
		copies, err = s.keys.BuildCopies(ctx, actor, room, 1, in.KeyCopies)
		if err != nil {
			return nil, err
		}
		holders := make(map[string]bool, len(copies))
		for _, c := range copies {
			holders[c.UserID] = true
		}
		if !holders[actor.UserID] {
			return nil, apperr.InvalidArg("key copies must include the creator's own copy")
		}
		for i := range room.Members {
			room.Members[i].KeyPending = !holders[room.Members[i].UserID]
		}
		version = &models.RoomKeyVersion{
			RoomID:    room.ID,
			Version:   1,
			KeyID:     models.KeyID(room.ID, 1),
			CreatedBy: actor.UserID,
			CreatedAt: now,
		}
		room.CurrentKeyVersion = 1
		room.EncryptionKeyID = version.KeyID
	}

	if err := s.store.CreateRoom(ctx, room, version, copies); err != nil {
		return nil, err
	}
	s.logger.Info("created room", "room", room.ID, "type", room.Type, "encrypted", room.IsEncrypted, "by", actor.UserID)

	for _, m := range room.Members {
		s.events.Subscribe(m.UserID, room.ID)
		s.events.Publish(events.UserChannel(m.UserID), events.RoomJoined, events.RoomSnapshot{Room: room})
	}
	return room, nil
}

// EnsureGeneralRoom returns the workspace's general room, creating it on
// first use, and makes sure the caller is a member. Concurrent first calls
// converge on a single room.
func (s *Service) EnsureGeneralRoom(ctx context.Context, actor models.Identity, workspaceID string) (*models.Room, error) {
	if workspaceID == "" {
		return nil, apperr.InvalidArg("workspace is required")
	}
	room, err := s.store.GetGeneralRoom(ctx, workspaceID)
	if errors.Is(err, apperr.ErrNotFound) {
		room, err = s.createGeneralRoom(ctx, actor, workspaceID)
	}
	if err != nil {
		return nil, err
	}
	if membership.IsMember(room, actor.UserID) {
		return room, nil
	}
	return s.JoinRoom(ctx, actor, room.ID)
}

func (s *Service) createGeneralRoom(ctx context.Context, actor models.Identity, workspaceID string) (*models.Room, error) {
	now := s.now()
	room := &models.Room{
		ID:             s.newID(),
		WorkspaceID:    workspaceID,
		Name:           generalRoomName,
		Type:           models.RoomTypeGeneral,
		CreatedBy:      actor.UserID,
		Settings:       models.DefaultRoomSettings(),
		Status:         models.RoomStatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
		Members:        []models.Member{{UserID: actor.UserID, Role: models.RoleOwner, JoinedAt: now}},
	}
	err := s.store.CreateRoom(ctx, room, nil, nil)
	if isConflict(err) {
		return s.store.GetGeneralRoom(ctx, workspaceID)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("created general room", "room", room.ID, "workspace", workspaceID)
	s.events.Subscribe(actor.UserID, room.ID)
	return room, nil
}

func (s *Service) ListRooms(ctx context.Context, actor models.Identity, workspaceID string) ([]models.Room, error) {
	return s.store.ListRoomsForUser(ctx, workspaceID, actor.UserID)
}

func (s *Service) GetRoom(ctx context.Context, actor models.Identity, roomID string) (*models.Room, error) {
	return s.readable(ctx, actor, roomID)
}

func (s *Service) UpdateRoom(ctx context.Context, actor models.Identity, roomID string, in UpdateRoomInput) (*models.Room, error) {
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
	if in.Name != nil {
		name, err := validateName(*in.Name)
		if err != nil {
			return nil, err
		}
		room.Name = name
	}
	if in.Description != nil {
		if err := validateDescription(*in.Description); err != nil {
			return nil, err
		}
		room.Description = *in.Description
	}
	if in.Settings != nil {
		if err := validateSettings(*in.Settings); err != nil {
			return nil, err
		}
		room.Settings = *in.Settings
	}
	room.UpdatedAt = s.now()
	if err := s.store.UpdateRoom(ctx, room); err != nil {
		return nil, err
	}
	s.events.Publish(events.RoomChannel(roomID), events.RoomUpdated, events.RoomSnapshot{Room: room})
	return room, nil
}

func (s *Service) ArchiveRoom(ctx context.Context, actor models.Identity, roomID string) (*models.Room, error) {
	return s.setStatus(ctx, actor, roomID, models.RoomStatusArchived)
}

func (s *Service) UnarchiveRoom(ctx context.Context, actor models.Identity, roomID string) (*models.Room, error) {
	return s.setStatus(ctx, actor, roomID, models.RoomStatusActive)
}

func (s *Service) setStatus(ctx context.Context, actor models.Identity, roomID string, to models.RoomStatus) (*models.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := membership.CanManage(room, actor.UserID); err != nil {
		return nil, err
	}
	if err := membership.Transition(room.Status, to); err != nil {
		return nil, err
	}
	room.Status = to
	room.UpdatedAt = s.now()
	if err := s.store.UpdateRoom(ctx, room); err != nil {
		return nil, err
	}
	s.logger.Info("room status changed", "room", roomID, "status", to, "by", actor.UserID)
	s.events.Publish(events.RoomChannel(roomID), events.RoomUpdated, events.RoomSnapshot{Room: room})
	return room, nil
}

// DeleteRoom hard-deletes the room with its messages, keys and invitations.
func (s *Service) DeleteRoom(ctx context.Context, actor models.Identity, roomID string) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if err := membership.CanDelete(room, actor.UserID); err != nil {
		return err
	}
	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	s.logger.Info("deleted room", "room", roomID, "by", actor.UserID)
	s.events.Publish(events.RoomChannel(roomID), events.RoomDeleted, events.RoomRef{RoomID: roomID})
	for _, m := range room.Members {
		s.events.Unsubscribe(m.UserID, roomID)
	}
	return nil
}

// JoinRoom adds the caller to a room whose type allows self-join.
func (s *Service) JoinRoom(ctx context.Context, actor models.Identity, roomID string) (*models.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if membership.IsMember(room, actor.UserID) {
		return room, nil
	}
	if err := membership.CanSelfJoin(room); err != nil {
		return nil, err
	}
	m, err := s.newMember(ctx, room, actor.UserID, models.RoleMember, false)
	if err != nil {
		return nil, err
	}
	if err := s.store.AddMember(ctx, roomID, m, nil); err != nil {
		if isConflict(err) {
			return s.store.GetRoom(ctx, roomID)
		}
		return nil, err
	}
	s.announceMember(ctx, roomID, m)
	return s.store.GetRoom(ctx, roomID)
}
