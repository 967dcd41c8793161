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
	maxContentLen     = 10000
	maxReactionLen    = 32
	defaultPageSize   = 50
	maxPageSize       = 200
	maxClientNonceLen = 64
)

var (
	ErrNotSender      = apperr.Forbidden("only the sender can edit this message")
	ErrMessageDeleted = apperr.FailedPrecondition("message has been deleted")
)

type ListOptions struct {
	BeforeSeq int64
	Limit     int
}

// checkBody enforces the write-path invariant: an encrypted room takes only
// ciphertext under keyID, a plaintext room only plaintext.
func checkBody(room *models.Room, content string, enc *models.EncryptedContent, keyID string, attachments int) error {
	if room.IsEncrypted {
		if enc == nil {
			return apperr.InvalidArg("encrypted room requires encryptedContent")
		}
		if content != "" {
			return apperr.InvalidArg("encrypted room does not accept plaintext content")
		}
		if keyID == "" {
			return apperr.FailedPrecondition("room key has not been created yet")
		}
		if enc.KeyID != keyID {
			return apperr.Newf(apperr.CodeInvalidArgument, "message must be encrypted with key %s", keyID)
		}
		return enc.Box().Validate()
	}
	if enc != nil {
		return apperr.InvalidArg("unencrypted room does not accept encryptedContent")
	}
	if strings.TrimSpace(content) == "" && attachments == 0 {
		return apperr.InvalidArg("message is empty")
	}
	if utf8.RuneCountInString(content) > maxContentLen {
		return apperr.Newf(apperr.CodeInvalidArgument, "message is longer than %d characters", maxContentLen)
	}
	return nil
}

func checkAttachments(room *models.Room, attachments []models.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	if !room.Settings.AllowFileUploads {
		return apperr.FailedPrecondition("file uploads are disabled in this room")
	}
	for _, a := range attachments {
		if a.Filename == "" || (a.URL == "" && a.EncryptedURL == "") {
			return apperr.InvalidArg("attachment needs a filename and url")
		}
		if a.Size < 0 || (room.Settings.MaxFileSizeBytes > 0 && a.Size > room.Settings.MaxFileSizeBytes) {
			return apperr.Newf(apperr.CodeInvalidArgument, "attachment %s exceeds the room's size limit", a.Filename)
		}
	}
	return nil
}

// SendMessage persists a message and broadcasts it to the room unchanged.
// The server assigns id, sequence number and timestamp.
func (s *Service) SendMessage(ctx context.Context, actor models.Identity, in events.SendMessage) (*models.Message, error) {
	room, err := s.store.GetRoom(ctx, in.RoomID)
	if err != nil {
		return nil, err
	}
	if err := membership.CanPost(room, actor.UserID); err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = models.MessageTypeText
	}
	if !in.Type.Valid() || in.Type == models.MessageTypeSystem {
		return nil, apperr.Newf(apperr.CodeInvalidArgument, "invalid message type %q", in.Type)
	}
	if len(in.ClientNonce) > maxClientNonceLen {
		return nil, apperr.InvalidArg("client nonce is too long")
	}
	if err := checkBody(room, in.Content, in.EncryptedContent, room.EncryptionKeyID, len(in.Attachments)); err != nil {
		return nil, err
	}
	if err := checkAttachments(room, in.Attachments); err != nil {
		return nil, err
	}
	if in.ReplyTo != "" {
		if _, err := s.store.GetMessage(ctx, room.ID, in.ReplyTo); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, apperr.InvalidArg("replyTo must reference a message in this room")
			}
			return nil, err
		}
	}

	msg := &models.Message{
		ID:               s.newID(),
		RoomID:           room.ID,
		SenderID:         actor.UserID,
		Type:             in.Type,
		Content:          in.Content,
		EncryptedContent: in.EncryptedContent,
		Attachments:      in.Attachments,
		ReplyTo:          in.ReplyTo,
		ClientNonce:      in.ClientNonce,
		CreatedAt:        s.now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.logger.Debug("message stored", "room", room.ID, "message", msg.ID, "seq", msg.Seq)
	s.events.Publish(events.RoomChannel(room.ID), events.MessageNew, msg)
	return msg, nil
}

// ListMessages replays history in sequence order. BeforeSeq pages backwards.
func (s *Service) ListMessages(ctx context.Context, actor models.Identity, roomID string, opts ListOptions) ([]models.Message, error) {
	if _, err := s.readable(ctx, actor, roomID); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultPageSize
	}
	if opts.Limit > maxPageSize {
		opts.Limit = maxPageSize
	}
	msgs, err := s.store.ListMessages(ctx, roomID, opts.BeforeSeq, opts.Limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

func (s *Service) GetMessage(ctx context.Context, actor models.Identity, roomID, messageID string) (*models.Message, error) {
	if _, err := s.readable(ctx, actor, roomID); err != nil {
		return nil, err
	}
	return s.store.GetMessage(ctx, roomID, messageID)
}

// EditMessage replaces the body of the caller's own message. Ciphertext
// must stay under the key the message was first sent with.
func (s *Service) EditMessage(ctx context.Context, actor models.Identity, in events.EditMessage) (*models.Message, error) {
	room, err := s.store.GetRoom(ctx, in.RoomID)
	if err != nil {
		return nil, err
	}
	if err := membership.CanPost(room, actor.UserID); err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(ctx, room.ID, in.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != actor.UserID {
		return nil, ErrNotSender
	}
	if msg.DeletedAt != nil {
		return nil, ErrMessageDeleted
	}
	keyID := room.EncryptionKeyID
	if msg.EncryptedContent != nil {
		keyID = msg.EncryptedContent.KeyID
	}
	if err := checkBody(room, in.Content, in.EncryptedContent, keyID, len(msg.Attachments)); err != nil {
		return nil, err
	}

	now := s.now()
	msg.Content = in.Content
	msg.EncryptedContent = in.EncryptedContent
	msg.EditedAt = &now
	if err := s.store.UpdateMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.events.Publish(events.RoomChannel(room.ID), events.MessageUpdated, msg)
	return msg, nil
}

// DeleteMessage tombstones a message. The sender and room admins may delete.
func (s *Service) DeleteMessage(ctx context.Context, actor models.Identity, roomID, messageID string) error {
	room, err := s.readable(ctx, actor, roomID)
	if err != nil {
		return err
	}
	if room.Status != models.RoomStatusActive {
		return membership.ErrRoomArchived
	}
	msg, err := s.store.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != actor.UserID && !membership.IsAdmin(room, actor.UserID) {
		return apperr.Forbidden("only the sender or a room admin can delete this message")
	}
	if msg.DeletedAt != nil {
		return nil
	}
	now := s.now()
	if err := s.store.SoftDeleteMessage(ctx, roomID, messageID, now); err != nil {
		return err
	}
	s.events.Publish(events.RoomChannel(roomID), events.MessageDeleted, events.MessageRef{RoomID: roomID, MessageID: messageID, DeletedAt: &now})
	return nil
}

func (s *Service) reactable(ctx context.Context, actor models.Identity, roomID, messageID, reactionType string) error {
	if reactionType == "" || utf8.RuneCountInString(reactionType) > maxReactionLen {
		return apperr.InvalidArg("invalid reaction type")
	}
	room, err := s.readable(ctx, actor, roomID)
	if err != nil {
		return err
	}
	if room.Status != models.RoomStatusActive {
		return membership.ErrRoomArchived
	}
	msg, err := s.store.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return err
	}
	if msg.DeletedAt != nil {
		return ErrMessageDeleted
	}
	return nil
}

// AddReaction is idempotent: repeating it neither duplicates the reaction
// nor broadcasts again.
func (s *Service) AddReaction(ctx context.Context, actor models.Identity, roomID, messageID, reactionType string) error {
	if err := s.reactable(ctx, actor, roomID, messageID, reactionType); err != nil {
		return err
	}
	added, err := s.store.AddReaction(ctx, messageID, models.Reaction{UserID: actor.UserID, Type: reactionType, CreatedAt: s.now()})
	if err != nil {
		return err
	}
	if added {
		s.events.Publish(events.RoomChannel(roomID), events.ReactionAdded, events.Reaction{
			RoomID: roomID, MessageID: messageID, UserID: actor.UserID, Type: reactionType,
		})
	}
	return nil
}

func (s *Service) RemoveReaction(ctx context.Context, actor models.Identity, roomID, messageID, reactionType string) error {
	if err := s.reactable(ctx, actor, roomID, messageID, reactionType); err != nil {
		return err
	}
	removed, err := s.store.RemoveReaction(ctx, messageID, actor.UserID, reactionType)
	if err != nil {
		return err
	}
	if removed {
		s.events.Publish(events.RoomChannel(roomID), events.ReactionRemoved, events.Reaction{
			RoomID: roomID, MessageID: messageID, UserID: actor.UserID, Type: reactionType,
		})
	}
	return nil
}

// MarkRead moves the caller's read marker to messageID.
func (s *Service) MarkRead(ctx context.Context, actor models.Identity, roomID, messageID string) error {
	if _, err := s.readable(ctx, actor, roomID); err != nil {
		return err
	}
	if _, err := s.store.GetMessage(ctx, roomID, messageID); err != nil {
		return err
	}
	now := s.now()
	if err := s.store.MarkRead(ctx, roomID, actor.UserID, messageID, now); err != nil {
		return err
	}
	s.events.Publish(events.RoomChannel(roomID), events.MessageRead, events.Read{
		RoomID: roomID, MessageID: messageID, UserID: actor.UserID, ReadAt: now,
	})
	return nil
}

// Typing relays a typing indicator to the room. Nothing is stored.
func (s *Service) Typing(ctx context.Context, actor models.Identity, roomID string, typing bool) error {
	room, err := s.readable(ctx, actor, roomID)
	if err != nil {
		return err
	}
	if room.Status != models.RoomStatusActive {
		return membership.ErrRoomArchived
	}
	event := events.TypingStop
	if typing {
		event = events.TypingStart
	}
	s.events.Publish(events.RoomChannel(roomID), event, events.Typing{RoomID: roomID, UserID: actor.UserID, Name: actor.Name})
	return nil
}
