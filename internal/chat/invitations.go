package chat

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/auth"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/membership"
	"github.com/pliu/teamchat/internal/models"
)

var ErrInvitationUsed = apperr.Conflict("invitation is no longer pending")

// CreateInvitation invites inviteeID into a private or group room. The
// returned invitation carries the signed token the invitee presents to
// accept it.
func (s *Service) CreateInvitation(ctx context.Context, actor models.Identity, roomID, inviteeID string) (*models.Invitation, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := membership.CanInvite(room, actor.UserID); err != nil {
		return nil, err
	}
	if membership.IsMember(room, inviteeID) {
		return nil, apperr.Conflict("user is already a member")
	}
	if _, err := s.store.GetUserByID(ctx, inviteeID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, err
	}

	pending, err := s.store.FindPendingInvitation(ctx, roomID, inviteeID)
	switch {
	case err == nil && s.expired(pending):
		if err := s.expire(ctx, pending); err != nil {
			return nil, err
		}
	case err == nil:
		return nil, apperr.Conflict("user already has a pending invitation")
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}

	now := s.now()
	inv := &models.Invitation{
		ID:        s.newID(),
		RoomID:    roomID,
		InviterID: actor.UserID,
		InviteeID: inviteeID,
		Status:    models.InvitationPending,
		CreatedAt: now,
	}
	inv.Token, inv.ExpiresAt, err = s.invites.Sign(inv.ID, roomID, inviteeID)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateInvitation(ctx, inv); err != nil {
		return nil, err
	}
	s.logger.Info("created invitation", "room", roomID, "invitee", inviteeID, "by", actor.UserID)
	s.events.Publish(events.UserChannel(inviteeID), events.InvitationNew, inv)
	return inv, nil
}

func (s *Service) expired(inv *models.Invitation) bool {
	return !s.now().Before(inv.ExpiresAt)
}

func (s *Service) expire(ctx context.Context, inv *models.Invitation) error {
	err := s.store.RespondInvitation(ctx, inv.ID, models.InvitationExpired, s.now(), nil)
	if err != nil && !isConflict(err) {
		return err
	}
	return nil
}

// ListInvitations returns the caller's pending invitations, marking any that
// have run out as expired on the way.
func (s *Service) ListInvitations(ctx context.Context, actor models.Identity) ([]models.Invitation, error) {
	all, err := s.store.ListPendingInvitations(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Invitation, 0, len(all))
	for i := range all {
		if s.expired(&all[i]) {
			if err := s.expire(ctx, &all[i]); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

// AcceptInvitation redeems a signed invitation token. The token must name
// the caller, and each invitation can be used once.
func (s *Service) AcceptInvitation(ctx context.Context, actor models.Identity, token string) (*models.Room, error) {
	claims, err := s.invites.Verify(token)
	if errors.Is(err, auth.ErrInvitationExpired) {
		if inv, getErr := s.store.GetInvitation(ctx, claims.InvitationID()); getErr == nil && inv.Status == models.InvitationPending {
			if expErr := s.expire(ctx, inv); expErr != nil {
				s.logger.Warn("expire invitation", "invitation", inv.ID, "err", expErr)
			}
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if claims.InviteeID() != actor.UserID {
		return nil, apperr.Forbidden("invitation was issued to another user")
	}

	inv, err := s.store.GetInvitation(ctx, claims.InvitationID())
	if err != nil {
		return nil, err
	}
	if inv.RoomID != claims.RoomID || inv.InviteeID != actor.UserID {
		return nil, auth.ErrInvalidInvitation
	}
	if inv.Status != models.InvitationPending {
		return nil, ErrInvitationUsed
	}

	room, err := s.store.GetRoom(ctx, inv.RoomID)
	if err != nil {
		return nil, err
	}
	if room.Status != models.RoomStatusActive {
		return nil, membership.ErrRoomArchived
	}

	var m *models.Member
	if !membership.IsMember(room, actor.UserID) {
		m, err = s.newMember(ctx, room, actor.UserID, models.RoleMember, false)
		if err != nil {
			return nil, err
		}
	}
	if err := s.store.RespondInvitation(ctx, inv.ID, models.InvitationAccepted, s.now(), m); err != nil {
		if isConflict(err) && m == nil {
			return nil, ErrInvitationUsed
		}
		if isConflict(err) {
			// Either the invitation or the membership row was taken first.
			current, getErr := s.store.GetInvitation(ctx, inv.ID)
			if getErr == nil && current.Status != models.InvitationPending {
				return nil, ErrInvitationUsed
			}
		}
		return nil, err
	}
	s.logger.Info("accepted invitation", "room", room.ID, "user", actor.UserID)
	if m != nil {
		s.announceMember(ctx, room.ID, m)
	}
	return s.store.GetRoom(ctx, room.ID)
}

func (s *Service) DeclineInvitation(ctx context.Context, actor models.Identity, invitationID string) error {
	inv, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return err
	}
	if inv.InviteeID != actor.UserID {
		return apperr.NotFound("invitation not found")
	}
	if inv.Status != models.InvitationPending {
		return ErrInvitationUsed
	}
	err = s.store.RespondInvitation(ctx, inv.ID, models.InvitationDeclined, s.now(), nil)
	if isConflict(err) {
		return ErrInvitationUsed
	}
	return err
}
