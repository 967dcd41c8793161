package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/models"
)

var messageColumns = []string{
	"id", "room_id", "seq", "sender_id", "type", "content", "encrypted_content", "iv", "key_id",
	"attachments", "reply_to", "client_nonce", "created_at", "edited_at", "deleted_at",
}

func encodeAttachments(a []models.Attachment) (string, error) {
	if len(a) == 0 {
		return "", nil
	}
	b, err := json.Marshal(a)
	return string(b), err
}

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		m                   models.Message
		ciphertext, iv, kid string
		attachments         string
		editedAt, deletedAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.Seq, &m.SenderID, &m.Type, &m.Content, &ciphertext, &iv, &kid,
		&attachments, &m.ReplyTo, &m.ClientNonce, &m.CreatedAt, &editedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if ciphertext != "" {
		m.EncryptedContent = &models.EncryptedContent{EncryptedContent: ciphertext, IV: iv, KeyID: kid}
	}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, err
		}
	}
	m.EditedAt = nullTimePtr(editedAt)
	m.DeletedAt = nullTimePtr(deletedAt)
	return &m, nil
}

func encryptedColumns(m *models.Message) (string, string, string) {
	if m.EncryptedContent == nil {
		return "", "", ""
	}
	return m.EncryptedContent.EncryptedContent, m.EncryptedContent.IV, m.EncryptedContent.KeyID
}

func (s *SQLStore) AppendMessage(ctx context.Context, m *models.Message) error {
	attachments, err := encodeAttachments(m.Attachments)
	if err != nil {
		return errors.Wrap(err, "sqlstore.AppendMessage.Attachments")
	}
	ciphertext, iv, kid := encryptedColumns(m)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		bump := s.sb.Update("rooms").
			Set("message_seq", sq.Expr("message_seq + 1")).
			Set("last_activity_at", m.CreatedAt.UTC()).
			Where(sq.Eq{"id": m.RoomID})
		if kid != "" {
			// Encrypted bodies land only while their key is the room's current one.
			bump = bump.Where(sq.Eq{"encryption_key_id": kid})
		}
		var seq int64
		err := s.scanRow(ctx, tx, bump.Suffix("RETURNING message_seq"), &seq)
		if errors.Is(err, sql.ErrNoRows) && kid != "" {
			return s.staleKey(ctx, tx, m.RoomID, kid)
		}
		if err != nil {
			return translate(err, "sqlstore.AppendMessage.Seq", "room")
		}
		m.Seq = seq

		_, err = s.exec(ctx, tx, s.sb.Insert("messages").
			Columns(messageColumns...).
			Values(m.ID, m.RoomID, m.Seq, m.SenderID, string(m.Type), m.Content, ciphertext, iv, kid,
				attachments, m.ReplyTo, m.ClientNonce, m.CreatedAt.UTC(), nil, nil))
		if err != nil {
			return translate(err, "sqlstore.AppendMessage.Insert", "message")
		}

		_, err = s.exec(ctx, tx, s.sb.Update("room_members").
			Set("last_read_at", m.CreatedAt.UTC()).
			Set("last_read_message_id", m.ID).
			Where(sq.Eq{"room_id": m.RoomID, "user_id": m.SenderID}))
		return errors.Wrap(err, "sqlstore.AppendMessage.ReadMarker")
	})
}

// staleKey explains why an encrypted append matched no room row.
func (s *SQLStore) staleKey(ctx context.Context, q querier, roomID, kid string) error {
	var current string
	err := s.scanRow(ctx, q, s.sb.Select("encryption_key_id").From("rooms").Where(sq.Eq{"id": roomID}), &current)
	if err != nil {
		return translate(err, "sqlstore.AppendMessage.Key", "room")
	}
	return apperr.Newf(apperr.CodeConflict, "message is encrypted with %s but the room key is now %s", kid, current)
}

func (s *SQLStore) loadReactions(ctx context.Context, messageIDs []string) (map[string][]models.Reaction, error) {
	out := make(map[string][]models.Reaction, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	rows, err := s.query(ctx, s.db, s.sb.Select("message_id", "user_id", "type", "created_at").
		From("reactions").
		Where(sq.Eq{"message_id": messageIDs}).
		OrderBy("created_at", "user_id", "type"))
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.loadReactions.Query")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			r  models.Reaction
		)
		if err := rows.Scan(&id, &r.UserID, &r.Type, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "sqlstore.loadReactions.Scan")
		}
		out[id] = append(out[id], r)
	}
	return out, errors.Wrap(rows.Err(), "sqlstore.loadReactions.Rows")
}

func (s *SQLStore) GetMessage(ctx context.Context, roomID, id string) (*models.Message, error) {
	query, args, err := s.sb.Select(messageColumns...).From("messages").
		Where(sq.Eq{"id": id, "room_id": roomID}).ToSql()
	if err != nil {
		return nil, err
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, translate(err, "sqlstore.GetMessage", "message")
	}
	reactions, err := s.loadReactions(ctx, []string{m.ID})
	if err != nil {
		return nil, err
	}
	m.Reactions = reactions[m.ID]
	return m, nil
}

// ListMessages returns up to limit messages with seq below beforeSeq (all
// when beforeSeq is 0), oldest first.
func (s *SQLStore) ListMessages(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]models.Message, error) {
	where := sq.And{sq.Eq{"room_id": roomID}}
	if beforeSeq > 0 {
		where = append(where, sq.Lt{"seq": beforeSeq})
	}
	b := s.sb.Select(messageColumns...).From("messages").Where(where).OrderBy("seq DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListMessages.Query")
	}
	var (
		messages []models.Message
		ids      []string
	)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "sqlstore.ListMessages.Scan")
		}
		messages = append(messages, *m)
		ids = append(ids, m.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlstore.ListMessages.Rows")
	}

	reactions, err := s.loadReactions(ctx, ids)
	if err != nil {
		return nil, err
	}
	// Reverse into ascending order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	for i := range messages {
		messages[i].Reactions = reactions[messages[i].ID]
	}
	return messages, nil
}

func (s *SQLStore) UpdateMessage(ctx context.Context, m *models.Message) error {
	ciphertext, iv, kid := encryptedColumns(m)
	ok, err := s.execOne(ctx, s.db, s.sb.Update("messages").
		Set("content", m.Content).
		Set("encrypted_content", ciphertext).
		Set("iv", iv).
		Set("key_id", kid).
		Set("edited_at", timePtrUTC(m.EditedAt)).
		Where(sq.Eq{"id": m.ID, "room_id": m.RoomID, "deleted_at": nil}))
	if err != nil {
		return errors.Wrap(err, "sqlstore.UpdateMessage")
	}
	if !ok {
		return apperr.NotFound("message not found")
	}
	return nil
}

// SoftDeleteMessage tombstones a message and zeroes its payload.
func (s *SQLStore) SoftDeleteMessage(ctx context.Context, roomID, id string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.execOne(ctx, tx, s.sb.Update("messages").
			Set("content", "").
			Set("encrypted_content", "").
			Set("iv", "").
			Set("attachments", "").
			Set("deleted_at", at.UTC()).
			Where(sq.Eq{"id": id, "room_id": roomID, "deleted_at": nil}))
		if err != nil {
			return errors.Wrap(err, "sqlstore.SoftDeleteMessage")
		}
		if !ok {
			return apperr.NotFound("message not found")
		}
		_, err = s.exec(ctx, tx, s.sb.Delete("reactions").Where(sq.Eq{"message_id": id}))
		return errors.Wrap(err, "sqlstore.SoftDeleteMessage.Reactions")
	})
}

// AddReaction is idempotent on (message, user, type); it reports whether a
// new row was written.
func (s *SQLStore) AddReaction(ctx context.Context, messageID string, r models.Reaction) (bool, error) {
	added, err := s.execOne(ctx, s.db, s.sb.Insert("reactions").
		Columns("message_id", "user_id", "type", "created_at").
		Values(messageID, r.UserID, r.Type, r.CreatedAt.UTC()).
		Suffix("ON CONFLICT DO NOTHING"))
	if err != nil {
		return false, errors.Wrap(err, "sqlstore.AddReaction")
	}
	return added, nil
}

func (s *SQLStore) RemoveReaction(ctx context.Context, messageID, userID, reactionType string) (bool, error) {
	removed, err := s.execOne(ctx, s.db, s.sb.Delete("reactions").
		Where(sq.Eq{"message_id": messageID, "user_id": userID, "type": reactionType}))
	if err != nil {
		return false, errors.Wrap(err, "sqlstore.RemoveReaction")
	}
	return removed, nil
}
