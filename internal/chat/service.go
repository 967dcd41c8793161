// Package chat implements rooms, membership, invitations and the message
// store on top of store.Store. Every operation takes the authenticated
// caller and checks membership before touching data. Message bodies of
// encrypted rooms are opaque here.
package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/auth"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/keys"
	"github.com/pliu/teamchat/internal/membership"
	"github.com/pliu/teamchat/internal/models"
	"github.com/pliu/teamchat/internal/store"
)

type Service struct {
	store   store.Store
	keys    *keys.Service
	invites *auth.InvitationSigner
	events  events.Publisher
	logger  *slog.Logger
	clock   clockwork.Clock
	newID   func() string
}

func NewService(st store.Store, keySvc *keys.Service, invites *auth.InvitationSigner, pub events.Publisher, logger *slog.Logger, clock clockwork.Clock) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:   st,
		keys:    keySvc,
		invites: invites,
		events:  pub,
		logger:  logger.With("component", "chat"),
		clock:   clock,
		newID:   uuid.NewString,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// RoomIDsFor lists the rooms userID belongs to; the hub subscribes a new
// connection to each.
func (s *Service) RoomIDsFor(ctx context.Context, userID string) ([]string, error) {
	return s.store.ListRoomIDsForUser(ctx, userID)
}

func (s *Service) readable(ctx context.Context, actor models.Identity, roomID string) (*models.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := membership.CanRead(room, actor.UserID); err != nil {
		return nil, err
	}
	return room, nil
}

// newMember builds the membership row for userID joining room, snapshotting
// the user's public key. In an encrypted room that already has a key the
// member starts out pending unless a copy is stored with it.
func (s *Service) newMember(ctx context.Context, room *models.Room, userID string, role models.Role, hasCopy bool) (*models.Member, error) {
	m := &models.Member{UserID: userID, Role: role, JoinedAt: s.now()}
	pubs, err := s.store.GetPublicKeys(ctx, []string{userID})
	if err != nil {
		return nil, err
	}
	m.PublicKey = pubs[userID]
	m.KeyPending = room.IsEncrypted && room.CurrentKeyVersion > 0 && !hasCopy
	return m, nil
}

// announceMember subscribes the new member to the room channel and tells
// the room. A pending member triggers a key request so that an online key
// holder provisions them.
func (s *Service) announceMember(ctx context.Context, roomID string, m *models.Member) {
	s.events.Subscribe(m.UserID, roomID)
	s.events.Publish(events.RoomChannel(roomID), events.MemberAdded, events.Member{RoomID: roomID, UserID: m.UserID, Role: m.Role})

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		s.logger.Warn("reload room after join", "room", roomID, "err", err)
	} else {
		s.events.Publish(events.UserChannel(m.UserID), events.RoomJoined, events.RoomSnapshot{Room: room})
	}
	if m.KeyPending && room != nil {
		s.events.Publish(events.RoomChannel(roomID), events.KeyRequest, events.KeyRequestPayload{
			RoomID:  roomID,
			UserID:  m.UserID,
			Version: room.CurrentKeyVersion,
		})
	}
}

func isConflict(err error) bool {
	return errors.Is(err, apperr.ErrConflict)
}
