package membership

import (
	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/models"
)

// Policy is the per-type behaviour of a room.
type Policy struct {
	Type models.RoomType
	// SelfJoin lets any workspace user join without an admin.
	SelfJoin bool
	// Invitations enables the signed-token invitation flow.
	Invitations bool
	// UniquePerWorkspace allows at most one room of this type per workspace.
	UniquePerWorkspace bool
	// HardDelete permits deleting the room outright.
	HardDelete bool
}

func PolicyFor(t models.RoomType) (Policy, error) {
	switch t {
	case models.RoomTypeGeneral:
		return Policy{Type: t, SelfJoin: true, UniquePerWorkspace: true}, nil
	case models.RoomTypeWorkspace:
		return Policy{Type: t, SelfJoin: true, HardDelete: true}, nil
	case models.RoomTypeGroup:
		return Policy{Type: t, Invitations: true, HardDelete: true}, nil
	case models.RoomTypePrivate:
		return Policy{Type: t, Invitations: true, HardDelete: true}, nil
	default:
		return Policy{}, apperr.Newf(apperr.CodeInvalidArgument, "unknown room type %q", t)
	}
}

func CanSelfJoin(room *models.Room) error {
	p, err := PolicyFor(room.Type)
	if err != nil {
		return err
	}
	if room.Status != models.RoomStatusActive {
		return ErrRoomArchived
	}
	if !p.SelfJoin {
		return apperr.Forbidden("this room requires an invitation")
	}
	return nil
}

func CanInvite(room *models.Room, actorID string) error {
	p, err := PolicyFor(room.Type)
	if err != nil {
		return err
	}
	if !p.Invitations {
		return apperr.FailedPrecondition("invitations are not used for this room type")
	}
	if err := CanManage(room, actorID); err != nil {
		return err
	}
	if room.Status != models.RoomStatusActive {
		return ErrRoomArchived
	}
	return nil
}

func CanDelete(room *models.Room, actorID string) error {
	p, err := PolicyFor(room.Type)
	if err != nil {
		return err
	}
	if err := CanRead(room, actorID); err != nil {
		return err
	}
	if !IsOwner(room, actorID) {
		return apperr.Forbidden("only the room owner can delete the room")
	}
	if !p.HardDelete {
		return apperr.FailedPrecondition("this room cannot be deleted")
	}
	return Transition(room.Status, models.RoomStatusDeleted)
}
