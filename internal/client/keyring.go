package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/pliu/teamchat/internal/apperr"
	"github.com/pliu/teamchat/internal/crypto"
	"github.com/pliu/teamchat/internal/events"
	"github.com/pliu/teamchat/internal/keys"
	"github.com/pliu/teamchat/internal/membership"
	"github.com/pliu/teamchat/internal/models"
)

const (
	DefaultKeyRequestTimeout = 10 * time.Second
	roomKeyCacheSize         = 256
	maxCreateAttempts        = 3
)

var ErrKeyRequestTimeout = apperr.New(apperr.CodeDeadlineExceeded, "no member provisioned the room key in time")

// RoomKey is a decrypted room key. Key must not outlive the session.
type RoomKey struct {
	RoomID  string
	Version int
	KeyID   string
	Key     []byte
}

// keyRequester asks online key holders to provision the caller.
type keyRequester interface {
	RequestRoomKey(ctx context.Context, roomID string) error
}

// Keyring is the client half of the key store. It unwraps room keys with
// the session's private key and caches them sealed under the session key.
type Keyring struct {
	api        *API
	session    *Session
	requester  keyRequester
	iterations int
	timeout    time.Duration
	logger     *slog.Logger

	cache *lru.Cache[string, *crypto.Box]
	group singleflight.Group

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func NewKeyring(api *API, session *Session, requester keyRequester, iterations int, timeout time.Duration, logger *slog.Logger) *Keyring {
	if iterations == 0 {
		iterations = crypto.DefaultIterations
	}
	if timeout <= 0 {
		timeout = DefaultKeyRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, *crypto.Box](roomKeyCacheSize)
	return &Keyring{
		api:        api,
		session:    session,
		requester:  requester,
		iterations: iterations,
		timeout:    timeout,
		logger:     logger,
		cache:      cache,
		waiters:    make(map[string][]chan struct{}),
	}
}

// InitializeUserEncryption makes sure the user has a key pair and returns
// its public key. An existing pair is returned unchanged.
func (k *Keyring) InitializeUserEncryption(ctx context.Context, password string) (string, error) {
	kp, err := k.api.KeyPair(ctx)
	if err == nil {
		return kp.PublicKey, nil
	}
	if !errors.Is(err, apperr.ErrEncryptionNotInitialized) {
		return "", err
	}

	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	wrapped, err := crypto.WrapPrivateKeyIterations(pair.Private, password, k.iterations)
	if err != nil {
		return "", err
	}
	stored, err := k.api.InitializeKeyPair(ctx, keys.UploadKeyPair{
		PublicKey:         pair.Public.String(),
		WrappedPrivateKey: *wrapped,
		KeyVersion:        1,
	})
	if err != nil {
		return "", err
	}
	return stored.PublicKey, nil
}

// RotateUserKeyPair replaces the user's pair. Every room key copy the user
// holds in roomIDs is re-wrapped to the new pair in the same upload, so
// history stays readable. The session is unlocked again with newPassword.
func (k *Keyring) RotateUserKeyPair(ctx context.Context, oldPassword, newPassword string, roomIDs []string) error {
	current, err := k.api.KeyPair(ctx)
	if err != nil {
		return err
	}
	oldPriv, err := crypto.UnwrapPrivateKey(&current.WrappedPrivateKey, oldPassword)
	if err != nil {
		return err
	}
	next, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	var rewrapped []keys.RewrappedRoomKey
	for _, roomID := range roomIDs {
		versions, err := k.api.RoomKeyVersions(ctx, roomID)
		if err != nil {
			return err
		}
		for _, v := range versions {
			rk, err := k.api.RoomKey(ctx, roomID, v.Version)
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			key, err := unwrapCopy(rk, oldPriv)
			if err != nil {
				return errors.Wrapf(err, "unwrap %s", rk.KeyID)
			}
			box, err := crypto.WrapRoomKey(key, next.Private, next.Public)
			if err != nil {
				return err
			}
			rewrapped = append(rewrapped, keys.RewrappedRoomKey{RoomID: roomID, Version: v.Version, WrappedKey: *box})
		}
	}

	wrapped, err := crypto.WrapPrivateKeyIterations(next.Private, newPassword, k.iterations)
	if err != nil {
		return err
	}
	if _, err := k.api.RotateKeyPair(ctx, keys.UploadKeyPair{
		PublicKey:         next.Public.String(),
		WrappedPrivateKey: *wrapped,
		KeyVersion:        current.KeyVersion + 1,
		RoomKeys:          rewrapped,
	}); err != nil {
		return err
	}
	k.Purge()
	return k.session.Unlock(ctx, newPassword)
}

func unwrapCopy(rk *models.RoomKey, priv *crypto.PrivateKey) ([]byte, error) {
	wrapper, err := crypto.ParsePublicKey(rk.WrapperPublicKey)
	if err != nil {
		return nil, err
	}
	return crypto.UnwrapRoomKey(&rk.WrappedKey, priv, wrapper)
}

// Purge forgets every cached room key.
func (k *Keyring) Purge() {
	k.cache.Purge()
}

// RoomKeyByID resolves a key id, current or historical, for decryption.
func (k *Keyring) RoomKeyByID(ctx context.Context, keyID string) (*RoomKey, error) {
	roomID, version, err := models.ParseKeyID(keyID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, "invalid key id", err)
	}
	return k.roomKey(ctx, roomID, version)
}

// roomKey returns the caller's copy of one version, from cache when
// possible.
func (k *Keyring) roomKey(ctx context.Context, roomID string, version int) (*RoomKey, error) {
	if err := k.session.check(); err != nil {
		return nil, err
	}
	keyID := models.KeyID(roomID, version)
	if sealed, ok := k.cache.Get(keyID); ok {
		key, err := k.session.open(sealed)
		if err == nil {
			return &RoomKey{RoomID: roomID, Version: version, KeyID: keyID, Key: key}, nil
		}
		k.cache.Remove(keyID)
	}

	rk, err := k.api.RoomKey(ctx, roomID, version)
	if err != nil {
		return nil, err
	}
	var key []byte
	err = k.session.withPrivateKey(func(priv *crypto.PrivateKey) error {
		var err error
		key, err = unwrapCopy(rk, priv)
		return err
	})
	if err != nil {
		return nil, err
	}
	k.remember(keyID, key)
	return &RoomKey{RoomID: roomID, Version: version, KeyID: keyID, Key: key}, nil
}

func (k *Keyring) remember(keyID string, key []byte) {
	sealed, err := k.session.seal(key)
	if err != nil {
		return
	}
	k.cache.Add(keyID, sealed)
}

// GetOrCreateRoomKey returns the current key of an encrypted room. When the
// room has a key the caller holds no copy of, it asks online members for
// one and waits; when the room has no key yet it creates version 1.
// Concurrent calls for one room share a single attempt.
func (k *Keyring) GetOrCreateRoomKey(ctx context.Context, roomID string) (*RoomKey, error) {
	if err := k.session.check(); err != nil {
		return nil, err
	}
	v, err, _ := k.group.Do(roomID, func() (any, error) {
		return k.getOrCreate(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*RoomKey), nil
}

func (k *Keyring) getOrCreate(ctx context.Context, roomID string) (*RoomKey, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		room, err := k.api.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if !room.IsEncrypted {
			return nil, keys.ErrRoomNotEncrypted
		}

		if room.CurrentKeyVersion > 0 {
			rk, err := k.roomKey(ctx, roomID, room.CurrentKeyVersion)
			if errors.Is(err, apperr.ErrNotFound) {
				return k.awaitProvision(ctx, roomID, room.CurrentKeyVersion)
			}
			return rk, err
		}

		rk, err := k.createVersion(ctx, room, 1)
		if errors.Is(err, apperr.ErrConflict) {
			k.logger.Debug("room key created concurrently, re-reading", "room", roomID)
			continue
		}
		return rk, err
	}
	return nil, apperr.New(apperr.CodeConflict, "room key kept changing, try again")
}

// RegenerateRoomKey creates the next version of the room key, wrapped for
// every member with a public key. Admins only.
func (k *Keyring) RegenerateRoomKey(ctx context.Context, roomID string) (*RoomKey, error) {
	if err := k.session.check(); err != nil {
		return nil, err
	}
	room, err := k.api.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return k.createVersion(ctx, room, room.CurrentKeyVersion+1)
}

func (k *Keyring) createVersion(ctx context.Context, room *models.Room, version int) (*RoomKey, error) {
	key, err := crypto.GenerateRoomKey()
	if err != nil {
		return nil, err
	}
	memberIDs := make([]string, 0, len(room.Members))
	for _, m := range room.Members {
		memberIDs = append(memberIDs, m.UserID)
	}
	copies, err := k.wrapFor(ctx, room.ID, key, memberIDs...)
	if err != nil {
		return nil, err
	}
	v, err := k.api.CreateRoomKeyVersion(ctx, room.ID, version, copies)
	if err != nil {
		return nil, err
	}
	k.remember(v.KeyID, key)
	k.logger.Info("created room key", "room", room.ID, "version", version, "copies", len(copies))
	return &RoomKey{RoomID: room.ID, Version: version, KeyID: v.KeyID, Key: key}, nil
}

// wrapFor wraps key for each user that has published a public key. Users
// without one are skipped and stay key-pending.
func (k *Keyring) wrapFor(ctx context.Context, roomID string, key []byte, userIDs ...string) ([]models.RoomKeyCopy, error) {
	pubs, err := k.api.PublicKeys(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return k.wrapWith(pubs, key, userIDs...)
}

func (k *Keyring) wrapWith(pubs map[string]string, key []byte, userIDs ...string) ([]models.RoomKeyCopy, error) {
	var copies []models.RoomKeyCopy
	err := k.session.withPrivateKey(func(priv *crypto.PrivateKey) error {
		for _, id := range userIDs {
			encoded, ok := pubs[id]
			if !ok {
				continue
			}
			pub, err := crypto.ParsePublicKey(encoded)
			if err != nil {
				return err
			}
			box, err := crypto.WrapRoomKey(key, priv, pub)
			if err != nil {
				return err
			}
			copies = append(copies, models.RoomKeyCopy{UserID: id, WrappedKey: *box})
		}
		return nil
	})
	return copies, err
}

// ProvisionMembers uploads copies of a version for the given members. It
// returns the members that received a new copy.
func (k *Keyring) ProvisionMembers(ctx context.Context, roomID string, version int, userIDs ...string) ([]string, error) {
	rk, err := k.roomKey(ctx, roomID, version)
	if err != nil {
		return nil, err
	}
	copies, err := k.wrapFor(ctx, roomID, rk.Key, userIDs...)
	if err != nil {
		return nil, err
	}
	if len(copies) == 0 {
		return nil, nil
	}
	return k.api.ProvisionRoomKeys(ctx, roomID, version, copies)
}

// HandleKeyRequest answers another member's key:request when this client
// holds the requested version.
func (k *Keyring) HandleKeyRequest(ctx context.Context, self string, req events.KeyRequestPayload) {
	if req.UserID == "" || req.UserID == self || !k.session.Unlocked() {
		return
	}
	provisioned, err := k.ProvisionMembers(ctx, req.RoomID, req.Version, req.UserID)
	switch {
	case err == nil:
		if len(provisioned) > 0 {
			k.logger.Info("provisioned room key", "room", req.RoomID, "member", req.UserID, "version", req.Version)
		}
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, keys.ErrNotKeyHolder):
		// Someone else holds it.
	default:
		k.logger.Warn("answer key request", "room", req.RoomID, "member", req.UserID, "err", err)
	}
}

// Provisioned wakes callers waiting for a key of roomID.
func (k *Keyring) Provisioned(p events.KeyProvisionedPayload) {
	k.mu.Lock()
	waiting := k.waiters[p.RoomID]
	delete(k.waiters, p.RoomID)
	k.mu.Unlock()
	for _, ch := range waiting {
		close(ch)
	}
}

func (k *Keyring) wait(roomID string) chan struct{} {
	ch := make(chan struct{})
	k.mu.Lock()
	k.waiters[roomID] = append(k.waiters[roomID], ch)
	k.mu.Unlock()
	return ch
}

// awaitProvision requests the room key from online members and waits for a
// key:provisioned event, bounded by the keyring timeout.
func (k *Keyring) awaitProvision(ctx context.Context, roomID string, version int) (*RoomKey, error) {
	ch := k.wait(roomID)
	// The copy may have landed between the first read and registering.
	if rk, err := k.roomKey(ctx, roomID, version); err == nil {
		return rk, nil
	}
	if k.requester == nil {
		return nil, membership.ErrKeyPending
	}
	if err := k.requester.RequestRoomKey(ctx, roomID); err != nil {
		return nil, err
	}
	k.logger.Debug("requested room key", "room", roomID, "version", version)

	timer := time.NewTimer(k.timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return k.roomKey(ctx, roomID, version)
	case <-timer.C:
		return nil, ErrKeyRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
