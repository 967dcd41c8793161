// Package keys is the server half of the key store. It persists wrapped key
// material uploaded by clients and never handles a plaintext key.
package keys

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/crypto"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/membership"
	"github.com/pliu/teamchat/internal/models"
	"github.com/pliu/teamchat/internal/store"
)

var (
	ErrEncryptionNotInitialized = apperr.New(apperr.CodeEncryptionNotInitialized, "encryption has not been initialized")
	ErrRoomNotEncrypted         = apperr.FailedPrecondition("room is not encrypted")
	ErrNoRoomKey                = apperr.NotFound("room key not found")
	ErrNotKeyHolder             = apperr.Forbidden("only members holding the room key can provision it")
)

// UploadKeyPair is a client-generated key pair, private half already
// wrapped under the user's passphrase.
type UploadKeyPair struct {
	PublicKey         string            `json:"publicKey"`
	WrappedPrivateKey crypto.WrappedKey `json:"wrappedPrivateKey"`
	KeyVersion        int               `json:"keyVersion"`
	// RoomKeys carries the caller's own room key copies re-wrapped to the
	// new pair. Rotation only.
	RoomKeys []RewrappedRoomKey `json:"roomKeys,omitempty"`
}

type RewrappedRoomKey struct {
	RoomID     string     `json:"roomId"`
	Version    int        `json:"version"`
	WrappedKey crypto.Box `json:"wrappedKey"`
}

func (u *UploadKeyPair) validate() error {
	if _, err := crypto.ParsePublicKey(u.PublicKey); err != nil {
		return apperr.Wrap(apperr.CodeInvalidArgument, "invalid public key", err)
	}
	if err := u.WrappedPrivateKey.Validate(); err != nil {
		return err
	}
	for i := range u.RoomKeys {
		if err := u.RoomKeys[i].WrappedKey.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type Service struct {
	store  store.Store
	events events.Publisher
	logger *slog.Logger
	clock  clockwork.Clock
}

func NewService(st store.Store, pub events.Publisher, logger *slog.Logger, clock clockwork.Clock) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{store: st, events: pub, logger: logger.With("component", "keys"), clock: clock}
}

// InitializeUserEncryption stores the uploaded pair unless the user already
// has one. It returns the stored pair and whether it was created by this
// call; a losing concurrent upload gets the winner's pair.
func (s *Service) InitializeUserEncryption(ctx context.Context, actor models.Identity, in UploadKeyPair) (*models.UserKeyPair, bool, error) {
	existing, err := s.store.GetKeyPair(ctx, actor.UserID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, err
	}
	if err := in.validate(); err != nil {
		return nil, false, err
	}

	kp := &models.UserKeyPair{
		UserID:            actor.UserID,
		PublicKey:         in.PublicKey,
		WrappedPrivateKey: in.WrappedPrivateKey,
		KeyVersion:        1,
		CreatedAt:         s.clock.Now().UTC(),
	}
	if err := s.store.CreateKeyPair(ctx, kp); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			existing, err := s.store.GetKeyPair(ctx, actor.UserID)
			return existing, false, err
		}
		return nil, false, err
	}
	s.logger.Info("initialized user encryption", "user", actor.UserID)
	return kp, true, nil
}

// RotateUserKeyPair replaces the caller's pair. in.KeyVersion must be the
// current version plus one.
func (s *Service) RotateUserKeyPair(ctx context.Context, actor models.Identity, in UploadKeyPair) (*models.UserKeyPair, error) {
	current, err := s.GetKeyPair(ctx, actor)
	if err != nil {
		return nil, err
	}
	if in.KeyVersion != current.KeyVersion+1 {
		return nil, apperr.Newf(apperr.CodeConflict, "key version must be %d", current.KeyVersion+1)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	kp := &models.UserKeyPair{
		UserID:            actor.UserID,
		PublicKey:         in.PublicKey,
		WrappedPrivateKey: in.WrappedPrivateKey,
		KeyVersion:        in.KeyVersion,
		CreatedAt:         current.CreatedAt,
		RotatedAt:         &now,
	}
	rewrapped := make([]models.RoomKey, 0, len(in.RoomKeys))
	for _, rk := range in.RoomKeys {
		rewrapped = append(rewrapped, models.RoomKey{
			RoomID:           rk.RoomID,
			UserID:           actor.UserID,
			Version:          rk.Version,
			KeyID:            models.KeyID(rk.RoomID, rk.Version),
			WrappedKey:       rk.WrappedKey,
			WrapperID:        actor.UserID,
			WrapperPublicKey: in.PublicKey,
		})
	}
	if err := s.store.RotateKeyPair(ctx, kp, rewrapped); err != nil {
		return nil, err
	}
	s.logger.Info("rotated user key pair", "user", actor.UserID, "version", kp.KeyVersion, "room_keys", len(rewrapped))
	return kp, nil
}

func (s *Service) GetKeyPair(ctx context.Context, actor models.Identity) (*models.UserKeyPair, error) {
	kp, err := s.store.GetKeyPair(ctx, actor.UserID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, ErrEncryptionNotInitialized
	}
	return kp, err
}

func (s *Service) readableRoom(ctx context.Context, actor models.Identity, roomID string) (*models.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := membership.CanRead(room, actor.UserID); err != nil {
		return nil, err
	}
	return room, nil
}

// GetPublicKeys returns the current public key of every member of the room
// that has initialized encryption.
func (s *Service) GetPublicKeys(ctx context.Context, actor models.Identity, roomID string) (map[string]string, error) {
	room, err := s.readableRoom(ctx, actor, roomID)
	if err != nil {
		return nil, err
	}
	return s.store.GetPublicKeys(ctx, membership.MemberIDs(room))
}

// GetRoomKey returns the caller's copy of the room key; version 0 means the
// current one.
func (s *Service) GetRoomKey(ctx context.Context, actor models.Identity, roomID string, version int) (*models.RoomKey, error) {
	room, err := s.readableRoom(ctx, actor, roomID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		version = room.CurrentKeyVersion
	}
	if version == 0 {
		return nil, ErrNoRoomKey
	}
	rk, err := s.store.GetRoomKey(ctx, roomID, actor.UserID, version)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, ErrNoRoomKey
	}
	return rk, err
}

func (s *Service) ListRoomKeyVersions(ctx context.Context, actor models.Identity, roomID string) ([]models.RoomKeyVersion, error) {
	if _, err := s.readableRoom(ctx, actor, roomID); err != nil {
		return nil, err
	}
	return s.store.ListRoomKeyVersions(ctx, roomID)
}

// BuildCopies turns uploaded copies into stored room keys wrapped by actor.
// Every recipient must be a member and appear once.
func (s *Service) BuildCopies(ctx context.Context, actor models.Identity, room *models.Room, version int, copies []models.RoomKeyCopy) ([]models.RoomKey, error) {
	wrapper, err := s.GetKeyPair(ctx, actor)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	seen := make(map[string]bool, len(copies))
	out := make([]models.RoomKey, 0, len(copies))
	for _, c := range copies {
		if !membership.IsMember(room, c.UserID) {
			return nil, apperr.Newf(apperr.CodeInvalidArgument, "user %s is not a member of the room", c.UserID)
		}
		if seen[c.UserID] {
			return nil, apperr.Newf(apperr.CodeInvalidArgument, "duplicate key copy for user %s", c.UserID)
		}
		seen[c.UserID] = true
		if err := c.WrappedKey.Validate(); err != nil {
			return nil, err
		}
		out = append(out, models.RoomKey{
			RoomID:           room.ID,
			UserID:           c.UserID,
			Version:          version,
			KeyID:            models.KeyID(room.ID, version),
			WrappedKey:       c.WrappedKey,
			WrapperID:        actor.UserID,
			WrapperPublicKey: wrapper.PublicKey,
			CreatedAt:        now,
		})
	}
	return out, nil
}

// CreateRoomKeyVersion anchors version of the room key with the supplied
// copies. Exactly one writer wins each version; the others get CONFLICT and
// should fetch the winner's key. Version 1 may be created by any member,
// later versions (regeneration) by room admins.
func (s *Service) CreateRoomKeyVersion(ctx context.Context, actor models.Identity, roomID string, version int, copies []models.RoomKeyCopy) (*models.RoomKeyVersion, error) {
	room, err := s.readableRoom(ctx, actor, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsEncrypted {
		return nil, ErrRoomNotEncrypted
	}
	if room.Status != models.RoomStatusActive {
		return nil, membership.ErrRoomArchived
	}
	if version > 1 && !membership.IsAdmin(room, actor.UserID) {
		return nil, membership.ErrNotAdmin
	}
	if version != room.CurrentKeyVersion+1 {
		return nil, apperr.Newf(apperr.CodeConflict, "room key version %d already exists", room.CurrentKeyVersion)
	}

	stored, err := s.BuildCopies(ctx, actor, room, version, copies)
	if err != nil {
		return nil, err
	}
	holdsOwn := false
	for _, rk := range stored {
		if rk.UserID == actor.UserID {
			holdsOwn = true
		}
	}
	if !holdsOwn {
		return nil, apperr.InvalidArg("copies must include the caller's own copy")
	}

	v := &models.RoomKeyVersion{
		RoomID:    roomID,
		Version:   version,
		KeyID:     models.KeyID(roomID, version),
		CreatedBy: actor.UserID,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.store.CreateRoomKeyVersion(ctx, v, stored); err != nil {
		return nil, err
	}
	s.logger.Info("created room key version", "room", roomID, "version", version, "by", actor.UserID, "copies", len(stored))

	payload := events.KeyProvisionedPayload{RoomID: roomID, Version: version, KeyID: v.KeyID}
	if version > 1 {
		s.events.Publish(events.RoomChannel(roomID), events.KeyRotated, payload)
	}
	for _, rk := range stored {
		if rk.UserID != actor.UserID {
			s.events.Publish(events.UserChannel(rk.UserID), events.KeyProvisioned, payload)
		}
	}
	return v, nil
}

// ProvisionRoomKeys stores copies of an existing version for members that
// lack one. Copies for members who already hold the version are ignored.
// It returns the members that received a new copy.
func (s *Service) ProvisionRoomKeys(ctx context.Context, actor models.Identity, roomID string, version int, copies []models.RoomKeyCopy) ([]string, error) {
	room, err := s.readableRoom(ctx, actor, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsEncrypted {
		return nil, ErrRoomNotEncrypted
	}
	if version == 0 {
		version = room.CurrentKeyVersion
	}
	if version == 0 || version > room.CurrentKeyVersion {
		return nil, ErrNoRoomKey
	}
	if _, err := s.store.GetRoomKey(ctx, roomID, actor.UserID, version); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, ErrNotKeyHolder
		}
		return nil, err
	}

	stored, err := s.BuildCopies(ctx, actor, room, version, copies)
	if err != nil {
		return nil, err
	}
	inserted, err := s.store.InsertRoomKeys(ctx, stored)
	if err != nil {
		return nil, err
	}

	payload := events.KeyProvisionedPayload{RoomID: roomID, Version: version, KeyID: models.KeyID(roomID, version)}
	for _, userID := range inserted {
		s.events.Publish(events.UserChannel(userID), events.KeyProvisioned, payload)
	}
	if len(inserted) > 0 {
		s.logger.Info("provisioned room keys", "room", roomID, "version", version, "by", actor.UserID, "members", inserted)
	}
	return inserted, nil
}

// RequestRoomKey asks the online holders of the room key to provision the
// caller.
func (s *Service) RequestRoomKey(ctx context.Context, actor models.Identity, roomID string) error {
	room, err := s.readableRoom(ctx, actor, roomID)
	if err != nil {
		return err
	}
	if !room.IsEncrypted {
		return ErrRoomNotEncrypted
	}
	if room.CurrentKeyVersion == 0 {
		return ErrNoRoomKey
	}
	s.events.Publish(events.RoomChannel(roomID), events.KeyRequest, events.KeyRequestPayload{
		RoomID:  roomID,
		UserID:  actor.UserID,
		Version: room.CurrentKeyVersion,
	})
	return nil
}
