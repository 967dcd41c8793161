package ws

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/chat"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/keys"
	"github.com/pliu/teamchat/internal/membership"
	"github.com/pliu/teamchat/internal/models"
)

// EventDispatcher routes client events to the chat and key services. Every
// event goes through the same membership checks as the REST surface.
type EventDispatcher struct {
	chat   *chat.Service
	keys   *keys.Service
	hub    *Hub
	logger *slog.Logger
}

func NewEventDispatcher(chatSvc *chat.Service, keySvc *keys.Service, hub *Hub, logger *slog.Logger) *EventDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventDispatcher{chat: chatSvc, keys: keySvc, hub: hub, logger: logger.With("component", "ws")}
}

func (d *EventDispatcher) Dispatch(ctx context.Context, id models.Identity, env events.Envelope) *events.ErrorPayload {
	ref, err := d.dispatch(ctx, id, env)
	if err == nil {
		return nil
	}
	e := apperr.From(err)
	if e.Code == apperr.CodeInternal {
		d.logger.Error("event failed", "event", env.Event, "user", id.UserID, "err", err)
	}
	return &events.ErrorPayload{Code: string(e.Code), Message: e.Message, Event: env.Event, Ref: ref}
}

func decode(env events.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "malformed "+env.Event+" payload", err)
	}
	return nil
}

// dispatch returns the client reference of the event, if it has one, with
// the error.
func (d *EventDispatcher) dispatch(ctx context.Context, id models.Identity, env events.Envelope) (string, error) {
	switch env.Event {
	case events.MessageSend:
		var in events.SendMessage
		if err := decode(env, &in); err != nil {
			return "", err
		}
		_, err := d.chat.SendMessage(ctx, id, in)
		return in.ClientNonce, err

	case events.MessageEdit:
		var in events.EditMessage
		if err := decode(env, &in); err != nil {
			return "", err
		}
		_, err := d.chat.EditMessage(ctx, id, in)
		return in.MessageID, err

	case events.MessageDelete:
		var in events.MessageRef
		if err := decode(env, &in); err != nil {
			return "", err
		}
		return in.MessageID, d.chat.DeleteMessage(ctx, id, in.RoomID, in.MessageID)

	case events.ReactionAdd, events.ReactionRemove:
		var in events.Reaction
		if err := decode(env, &in); err != nil {
			return "", err
		}
		if env.Event == events.ReactionAdd {
			return in.MessageID, d.chat.AddReaction(ctx, id, in.RoomID, in.MessageID, in.Type)
		}
		return in.MessageID, d.chat.RemoveReaction(ctx, id, in.RoomID, in.MessageID, in.Type)

	case events.TypingStart, events.TypingStop:
		var in events.Typing
		if err := decode(env, &in); err != nil {
			return "", err
		}
		return "", d.chat.Typing(ctx, id, in.RoomID, env.Event == events.TypingStart)

	case events.MessageRead:
		var in events.Read
		if err := decode(env, &in); err != nil {
			return "", err
		}
		return in.MessageID, d.chat.MarkRead(ctx, id, in.RoomID, in.MessageID)

	case events.RoomJoin:
		var in events.RoomRef
		if err := decode(env, &in); err != nil {
			return "", err
		}
		return in.RoomID, d.joinRoom(ctx, id, in.RoomID)

	case events.RoomLeave:
		var in events.RoomRef
		if err := decode(env, &in); err != nil {
			return "", err
		}
		if _, err := d.chat.GetRoom(ctx, id, in.RoomID); err != nil {
			return in.RoomID, err
		}
		d.hub.Unsubscribe(id.UserID, in.RoomID)
		return in.RoomID, nil

	case events.KeyRequest:
		var in events.KeyRequestPayload
		if err := decode(env, &in); err != nil {
			return "", err
		}
		return in.RoomID, d.keys.RequestRoomKey(ctx, id, in.RoomID)

	default:
		return "", apperr.Newf(apperr.CodeInvalidArgument, "unknown event %q", env.Event)
	}
}

// joinRoom subscribes the connection to a room the user already belongs to
// and acks with a snapshot. Non-members self-join where the room allows it.
func (d *EventDispatcher) joinRoom(ctx context.Context, id models.Identity, roomID string) error {
	room, err := d.chat.GetRoom(ctx, id, roomID)
	if errors.Is(err, membership.ErrNotMember) {
		// JoinRoom subscribes and acks on its own.
		_, err = d.chat.JoinRoom(ctx, id, roomID)
		return err
	}
	if err != nil {
		return err
	}
	d.hub.Subscribe(id.UserID, roomID)
	d.hub.Publish(events.UserChannel(id.UserID), events.RoomJoined, events.RoomSnapshot{Room: room})
	return nil
}
