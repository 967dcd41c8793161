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

var roomColumns = []string{
	"r.id", "r.workspace_id", "r.name", "r.description", "r.type", "r.created_by", "r.is_encrypted",
	"r.encryption_key_id", "r.current_key_version", "r.allow_file_uploads", "r.max_file_size_bytes",
	"r.retention_days", "r.status", "r.last_activity_at", "r.created_at", "r.updated_at",
}

func scanRoom(row interface{ Scan(...any) error }) (*models.Room, error) {
	var r models.Room
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Description, &r.Type, &r.CreatedBy, &r.IsEncrypted,
		&r.EncryptionKeyID, &r.CurrentKeyVersion, &r.Settings.AllowFileUploads, &r.Settings.MaxFileSizeBytes,
		&r.Settings.RetentionDays, &r.Status, &r.LastActivityAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLStore) insertMember(ctx context.Context, q querier, roomID string, m *models.Member) error {
	_, err := s.exec(ctx, q, s.sb.Insert("room_members").
		Columns("room_id", "user_id", "role", "joined_at", "public_key", "key_pending").
		Values(roomID, m.UserID, string(m.Role), m.JoinedAt.UTC(), m.PublicKey, m.KeyPending))
	return translate(err, "sqlstore.insertMember", "member")
}

func (s *SQLStore) CreateRoom(ctx context.Context, room *models.Room, v *models.RoomKeyVersion, copies []models.RoomKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, s.sb.Insert("rooms").
			Columns("id", "workspace_id", "name", "description", "type", "created_by", "is_encrypted",
				"encryption_key_id", "current_key_version", "allow_file_uploads", "max_file_size_bytes",
				"retention_days", "status", "last_activity_at", "created_at", "updated_at").
			Values(room.ID, room.WorkspaceID, room.Name, room.Description, string(room.Type), room.CreatedBy,
				room.IsEncrypted, room.EncryptionKeyID, room.CurrentKeyVersion, room.Settings.AllowFileUploads,
				room.Settings.MaxFileSizeBytes, room.Settings.RetentionDays, string(room.Status),
				room.LastActivityAt.UTC(), room.CreatedAt.UTC(), room.UpdatedAt.UTC()))
		if err != nil {
			return translate(err, "sqlstore.CreateRoom.Insert", "room")
		}
		for i := range room.Members {
			if err := s.insertMember(ctx, tx, room.ID, &room.Members[i]); err != nil {
				return err
			}
		}
		if v == nil {
			return nil
		}
		if err := s.insertRoomKeyVersion(ctx, tx, v); err != nil {
			return err
		}
		for i := range copies {
			if _, err := s.insertRoomKey(ctx, tx, &copies[i], false); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) loadMembers(ctx context.Context, q querier, roomIDs []string) (map[string][]models.Member, error) {
	out := make(map[string][]models.Member, len(roomIDs))
	if len(roomIDs) == 0 {
		return out, nil
	}
	rows, err := s.query(ctx, q, s.sb.Select("room_id", "user_id", "role", "joined_at", "last_read_at",
		"last_read_message_id", "public_key", "key_pending").
		From("room_members").
		Where(sq.Eq{"room_id": roomIDs}).
		OrderBy("joined_at", "user_id"))
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.loadMembers.Query")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			roomID   string
			m        models.Member
			lastRead sql.NullTime
		)
		if err := rows.Scan(&roomID, &m.UserID, &m.Role, &m.JoinedAt, &lastRead, &m.LastReadMessageID,
			&m.PublicKey, &m.KeyPending); err != nil {
			return nil, errors.Wrap(err, "sqlstore.loadMembers.Scan")
		}
		m.LastReadAt = nullTimePtr(lastRead)
		out[roomID] = append(out[roomID], m)
	}
	return out, errors.Wrap(rows.Err(), "sqlstore.loadMembers.Rows")
}

func (s *SQLStore) getRoom(ctx context.Context, q querier, where sq.Sqlizer) (*models.Room, error) {
	query, args, err := s.sb.Select(roomColumns...).From("rooms r").Where(where).ToSql()
	if err != nil {
		return nil, err
	}
	room, err := scanRoom(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, translate(err, "sqlstore.getRoom", "room")
	}
	members, err := s.loadMembers(ctx, q, []string{room.ID})
	if err != nil {
		return nil, err
	}
	room.Members = members[room.ID]
	return room, nil
}

func (s *SQLStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	return s.getRoom(ctx, s.db, sq.Eq{"r.id": id})
}

func (s *SQLStore) GetGeneralRoom(ctx context.Context, workspaceID string) (*models.Room, error) {
	return s.getRoom(ctx, s.db, sq.Eq{"r.workspace_id": workspaceID, "r.type": string(models.RoomTypeGeneral)})
}

func (s *SQLStore) ListRoomsForUser(ctx context.Context, workspaceID, userID string) ([]models.Room, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select(roomColumns...).
		From("rooms r").
		Join("room_members m ON m.room_id = r.id").
		Where(sq.Eq{"r.workspace_id": workspaceID, "m.user_id": userID}).
		OrderBy("r.last_activity_at DESC", "r.id"))
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListRoomsForUser.Query")
	}
	var (
		rooms []models.Room
		ids   []string
	)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "sqlstore.ListRoomsForUser.Scan")
		}
		rooms = append(rooms, *room)
		ids = append(ids, room.ID)
	}
	// Release the connection before loading members; SQLite runs with one.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListRoomsForUser.Rows")
	}

	members, err := s.loadMembers(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i].Members = members[rooms[i].ID]
	}
	return rooms, nil
}

func (s *SQLStore) ListRoomIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select("room_id").From("room_members").Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListRoomIDsForUser.Query")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "sqlstore.ListRoomIDsForUser.Scan")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "sqlstore.ListRoomIDsForUser.Rows")
}

func (s *SQLStore) UpdateRoom(ctx context.Context, room *models.Room) error {
	ok, err := s.execOne(ctx, s.db, s.sb.Update("rooms").
		Set("name", room.Name).
		Set("description", room.Description).
		Set("allow_file_uploads", room.Settings.AllowFileUploads).
		Set("max_file_size_bytes", room.Settings.MaxFileSizeBytes).
		Set("retention_days", room.Settings.RetentionDays).
		Set("status", string(room.Status)).
		Set("updated_at", room.UpdatedAt.UTC()).
		Where(sq.Eq{"id": room.ID}))
	if err != nil {
		return errors.Wrap(err, "sqlstore.UpdateRoom")
	}
	if !ok {
		return apperr.NotFound("room not found")
	}
	return nil
}

// DeleteRoom removes the room and everything hanging off it.
func (s *SQLStore) DeleteRoom(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		steps := []sq.Sqlizer{
			s.sb.Delete("reactions").Where(sq.Expr("message_id IN (SELECT id FROM messages WHERE room_id = ?)", id)),
			s.sb.Delete("messages").Where(sq.Eq{"room_id": id}),
			s.sb.Delete("invitations").Where(sq.Eq{"room_id": id}),
			s.sb.Delete("room_keys").Where(sq.Eq{"room_id": id}),
			s.sb.Delete("room_key_versions").Where(sq.Eq{"room_id": id}),
			s.sb.Delete("room_members").Where(sq.Eq{"room_id": id}),
		}
		for _, step := range steps {
			if _, err := s.exec(ctx, tx, step); err != nil {
				return errors.Wrap(err, "sqlstore.DeleteRoom")
			}
		}
		ok, err := s.execOne(ctx, tx, s.sb.Delete("rooms").Where(sq.Eq{"id": id}))
		if err != nil {
			return errors.Wrap(err, "sqlstore.DeleteRoom.Room")
		}
		if !ok {
			return apperr.NotFound("room not found")
		}
		return nil
	})
}

func (s *SQLStore) AddMember(ctx context.Context, roomID string, m *models.Member, key *models.RoomKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertMember(ctx, tx, roomID, m); err != nil {
			return err
		}
		if key != nil {
			if _, err := s.insertRoomKey(ctx, tx, key, true); err != nil {
				return err
			}
		}
		_, err := s.exec(ctx, tx, s.sb.Update("rooms").Set("updated_at", m.JoinedAt.UTC()).Where(sq.Eq{"id": roomID}))
		return errors.Wrap(err, "sqlstore.AddMember.Touch")
	})
}

func (s *SQLStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	ok, err := s.execOne(ctx, s.db, s.sb.Delete("room_members").Where(sq.Eq{"room_id": roomID, "user_id": userID}))
	if err != nil {
		return errors.Wrap(err, "sqlstore.RemoveMember")
	}
	if !ok {
		return apperr.NotFound("member not found")
	}
	return nil
}

func (s *SQLStore) UpdateMemberRole(ctx context.Context, roomID, userID string, role models.Role) error {
	ok, err := s.execOne(ctx, s.db, s.sb.Update("room_members").
		Set("role", string(role)).
		Where(sq.Eq{"room_id": roomID, "user_id": userID}))
	if err != nil {
		return errors.Wrap(err, "sqlstore.UpdateMemberRole")
	}
	if !ok {
		return apperr.NotFound("member not found")
	}
	return nil
}

func (s *SQLStore) MarkRead(ctx context.Context, roomID, userID, messageID string, at time.Time) error {
	ok, err := s.execOne(ctx, s.db, s.sb.Update("room_members").
		Set("last_read_at", at.UTC()).
		Set("last_read_message_id", messageID).
		Where(sq.Eq{"room_id": roomID, "user_id": userID}))
	if err != nil {
		return errors.Wrap(err, "sqlstore.MarkRead")
	}
	if !ok {
		return apperr.NotFound("member not found")
	}
	return nil
}
