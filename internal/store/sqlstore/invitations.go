package sqlstore

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/models"
)

var invitationColumns = []string{
	"id", "room_id", "inviter_id", "invitee_id", "token", "status", "expires_at", "created_at", "responded_at",
}

func scanInvitation(row interface{ Scan(...any) error }) (*models.Invitation, error) {
	var (
		inv         models.Invitation
		respondedAt sql.NullTime
	)
	if err := row.Scan(&inv.ID, &inv.RoomID, &inv.InviterID, &inv.InviteeID, &inv.Token, &inv.Status,
		&inv.ExpiresAt, &inv.CreatedAt, &respondedAt); err != nil {
		return nil, err
	}
	inv.RespondedAt = nullTimePtr(respondedAt)
	return &inv, nil
}

func (s *SQLStore) CreateInvitation(ctx context.Context, inv *models.Invitation) error {
	_, err := s.exec(ctx, s.db, s.sb.Insert("invitations").
		Columns(invitationColumns...).
		Values(inv.ID, inv.RoomID, inv.InviterID, inv.InviteeID, inv.Token, string(inv.Status),
			inv.ExpiresAt.UTC(), inv.CreatedAt.UTC(), timePtrUTC(inv.RespondedAt)))
	return translate(err, "sqlstore.CreateInvitation", "invitation")
}

func (s *SQLStore) getInvitation(ctx context.Context, where sq.Sqlizer) (*models.Invitation, error) {
	query, args, err := s.sb.Select(invitationColumns...).From("invitations").Where(where).
		OrderBy("created_at DESC").Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	inv, err := scanInvitation(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, translate(err, "sqlstore.getInvitation", "invitation")
	}
	return inv, nil
}

func (s *SQLStore) GetInvitation(ctx context.Context, id string) (*models.Invitation, error) {
	return s.getInvitation(ctx, sq.Eq{"id": id})
}

func (s *SQLStore) FindPendingInvitation(ctx context.Context, roomID, inviteeID string) (*models.Invitation, error) {
	return s.getInvitation(ctx, sq.Eq{
		"room_id":    roomID,
		"invitee_id": inviteeID,
		"status":     string(models.InvitationPending),
	})
}

func (s *SQLStore) ListPendingInvitations(ctx context.Context, inviteeID string) ([]models.Invitation, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select(invitationColumns...).From("invitations").
		Where(sq.Eq{"invitee_id": inviteeID, "status": string(models.InvitationPending)}).
		OrderBy("created_at"))
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListPendingInvitations.Query")
	}
	defer rows.Close()
	var out []models.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlstore.ListPendingInvitations.Scan")
		}
		out = append(out, *inv)
	}
	return out, errors.Wrap(rows.Err(), "sqlstore.ListPendingInvitations.Rows")
}

func (s *SQLStore) RespondInvitation(ctx context.Context, id string, status models.InvitationStatus, at time.Time, m *models.Member) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var roomID string
		if err := s.scanRow(ctx, tx, s.sb.Select("room_id").From("invitations").Where(sq.Eq{"id": id}), &roomID); err != nil {
			return translate(err, "sqlstore.RespondInvitation.Get", "invitation")
		}
		ok, err := s.execOne(ctx, tx, s.sb.Update("invitations").
			Set("status", string(status)).
			Set("responded_at", at.UTC()).
			Where(sq.Eq{"id": id, "status": string(models.InvitationPending)}))
		if err != nil {
			return errors.Wrap(err, "sqlstore.RespondInvitation.Update")
		}
		if !ok {
			return apperr.Conflict("invitation was already used")
		}
		if m == nil {
			return nil
		}
		return s.insertMember(ctx, tx, roomID, m)
	})
}
